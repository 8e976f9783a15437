// Package table implements the generative-table service: schema lifecycle,
// column mutations, gen-config updates, row CRUD with generation, hybrid
// search and CSV/Parquet import/export. It validates requests, keeps the
// column DAG consistent across every mutation, and delegates generation to
// the executor.
package table

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/dag"
	"github.com/embeddedllm/jamai/internal/executor"
	"github.com/embeddedllm/jamai/internal/lock"
	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/router"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// genConfigLockTTL bounds how long a gen-config update may hold its
// per-table lock before the lease lapses.
const genConfigLockTTL = 10 * time.Second

// listLimitMax caps every paged listing (tables and rows).
const listLimitMax = 100

// Service wires the table API to storage, the model registry, the row
// executor and the router.
type Service struct {
	store  store.Store
	reg    *registry.Registry
	router *router.Router
	ex     *executor.Executor
	plans  *dag.Cache
	locks  lock.Locker
}

// New builds the table service. locks serializes gen-config updates across
// replicas; pass the local locker for single-process deployments.
func New(st store.Store, reg *registry.Registry, rt *router.Router, ex *executor.Executor,
	plans *dag.Cache, locks lock.Locker) *Service {
	return &Service{store: st, reg: reg, router: rt, ex: ex, plans: plans, locks: locks}
}

// Meta is the wire shape of every table-returning endpoint: the schema plus
// its row count.
type Meta struct {
	models.TableSchema
	NumRows int `json:"num_rows"`
}

// ── Naming rules ────────────────────────────────────────────

var (
	tableIDRe  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]{0,98}[A-Za-z0-9])?$`)
	columnIDRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.?!@#$%^&*_()\- ]*[A-Za-z0-9.?!()\-])?$`)
)

// ValidateTableID checks a table name against the allowed pattern.
func ValidateTableID(id string) error {
	if !tableIDRe.MatchString(id) {
		return errs.BadInput("table name %q is invalid: must start and end with an alphanumeric "+
			"character and contain only alphanumerics, underscores, hyphens and periods (max 100)", id)
	}
	return nil
}

// ValidateColumnID checks a column name: the allowed pattern, the length
// cap, and the reserved info-column names.
func ValidateColumnID(id string) error {
	if len(id) > 100 || !columnIDRe.MatchString(id) {
		return errs.BadInput("column name %q is invalid: must start and end with an alphanumeric "+
			"character (max 100)", id)
	}
	lower := strings.ToLower(id)
	if lower == strings.ToLower(models.ColID) || lower == strings.ToLower(models.ColUpdatedAt) {
		return errs.BadInput("column name %q is reserved", id)
	}
	return nil
}

// reservedColumns are the type-specific injected columns users cannot drop,
// rename or (embed columns aside) reconfigure.
func reservedColumns(ttype models.TableType) map[string]bool {
	switch ttype {
	case models.TableTypeKnowledge:
		return map[string]bool{
			models.ColTitle: true, models.ColText: true,
			models.ColTitleEmbed: true, models.ColTextEmbed: true,
			models.ColFileID: true, models.ColPage: true,
		}
	case models.TableTypeChat:
		return map[string]bool{models.ColUser: true, models.ColAI: true}
	}
	return map[string]bool{}
}

// ── Create ──────────────────────────────────────────────────

// Create validates and persists a new table. Info columns are prepended,
// then the type's injected columns, then the user's columns in request
// order. A chat table missing User/AI gets them injected with defaults; a
// knowledge table's embed columns are sized from the embedding model.
func (s *Service) Create(ctx context.Context, org *models.Organization, projectID string,
	ttype models.TableType, req *models.TableCreateRequest) (*Meta, error) {
	if !ttype.Valid() {
		return nil, errs.BadInput("unknown table type %q", ttype)
	}
	if err := ValidateTableID(req.ID); err != nil {
		return nil, err
	}

	cols, err := s.assembleColumns(ctx, org, ttype, req)
	if err != nil {
		return nil, err
	}

	schema := &models.TableSchema{ID: req.ID, Version: 1, Cols: cols}
	if err := s.validateGenConfigs(ctx, org, projectID, ttype, schema); err != nil {
		return nil, err
	}
	if _, err := dag.Build(ttype, schema); err != nil {
		return nil, err
	}

	ref := store.TableRef{ProjectID: projectID, Type: ttype, TableID: req.ID}
	if err := s.store.CreateTable(ctx, ref, schema); err != nil {
		return nil, translateStore(err)
	}
	log.Info().Str("project_id", projectID).Str("table_type", string(ttype)).
		Str("table_id", req.ID).Int("cols", len(schema.Cols)).Msg("Table: created")
	return &Meta{TableSchema: *schema}, nil
}

// assembleColumns builds the final column list for a new table.
func (s *Service) assembleColumns(ctx context.Context, org *models.Organization,
	ttype models.TableType, req *models.TableCreateRequest) ([]models.ColumnSchema, error) {
	reserved := reservedColumns(ttype)

	userCols := make([]models.ColumnSchema, 0, len(req.Cols))
	supplied := make(map[string]*models.ColumnSchema)
	seen := make(map[string]bool)
	for i := range req.Cols {
		c := req.Cols[i]
		if err := ValidateColumnID(c.ID); err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, errs.BadInput("duplicate column %q", c.ID)
		}
		seen[c.ID] = true
		if !c.Dtype.Valid() {
			return nil, errs.BadInput("column %q has unknown dtype %q", c.ID, c.Dtype)
		}
		if reserved[c.ID] {
			// Injected columns may be supplied to customize their config;
			// they keep their injected position.
			supplied[c.ID] = &req.Cols[i]
			continue
		}
		userCols = append(userCols, c)
	}

	cols := []models.ColumnSchema{
		{ID: models.ColID, Dtype: models.DtypeStr},
		{ID: models.ColUpdatedAt, Dtype: models.DtypeStr},
	}

	switch ttype {
	case models.TableTypeKnowledge:
		injected, err := s.knowledgeColumns(ctx, org, req.EmbeddingModel, supplied)
		if err != nil {
			return nil, err
		}
		cols = append(cols, injected...)
	case models.TableTypeChat:
		cols = append(cols, chatColumns(supplied)...)
	}

	return append(cols, userCols...), nil
}

// knowledgeColumns returns the injected knowledge-table columns, with the
// embed columns bound to the requested (or default) embedding model.
func (s *Service) knowledgeColumns(ctx context.Context, org *models.Organization,
	embeddingModel string, supplied map[string]*models.ColumnSchema) ([]models.ColumnSchema, error) {
	for id := range supplied {
		return nil, errs.BadInput("column %q is reserved for knowledge tables", id)
	}
	var mc *models.ModelConfig
	var err error
	if embeddingModel != "" {
		mc, err = s.reg.Resolve(ctx, org, embeddingModel, models.CapEmbed)
	} else {
		mc, err = s.reg.PickDefault(ctx, org, models.CapEmbed)
	}
	if err != nil {
		return nil, err
	}

	embed := func(source string) *models.GenConfig {
		return models.NewEmbedGenConfig(models.EmbedGenConfig{
			EmbeddingModel: mc.ID,
			SourceColumn:   source,
		})
	}
	return []models.ColumnSchema{
		{ID: models.ColTitle, Dtype: models.DtypeStr, Index: true},
		{ID: models.ColText, Dtype: models.DtypeStr, Index: true},
		{ID: models.ColFileID, Dtype: models.DtypeStr},
		{ID: models.ColPage, Dtype: models.DtypeInt},
		{ID: models.ColTitleEmbed, Dtype: models.DtypeFloat32, Vlen: mc.EmbeddingSize, GenConfig: embed(models.ColTitle)},
		{ID: models.ColTextEmbed, Dtype: models.DtypeFloat32, Vlen: mc.EmbeddingSize, GenConfig: embed(models.ColText)},
	}, nil
}

// chatColumns returns the injected chat columns, adopting a supplied AI
// config when the request carries one. The AI column always runs multi-turn.
func chatColumns(supplied map[string]*models.ColumnSchema) []models.ColumnSchema {
	user := models.ColumnSchema{ID: models.ColUser, Dtype: models.DtypeStr}
	if c, ok := supplied[models.ColUser]; ok {
		user.Index = c.Index
	}

	ai := models.ColumnSchema{ID: models.ColAI, Dtype: models.DtypeStr}
	if c, ok := supplied[models.ColAI]; ok && c.GenConfig != nil && c.GenConfig.LLM != nil {
		ai.GenConfig = c.GenConfig
	} else {
		ai.GenConfig = models.NewLLMGenConfig(models.LLMGenConfig{MultiTurn: true})
	}
	ai.GenConfig.LLM.MultiTurn = true
	return []models.ColumnSchema{user, ai}
}

// ── Read / list / delete ────────────────────────────────────

// Get returns one table with its row count.
func (s *Service) Get(ctx context.Context, ref store.TableRef) (*Meta, error) {
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}
	n, err := s.store.CountRows(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}
	return &Meta{TableSchema: *schema, NumRows: n}, nil
}

// List pages tables of one type, most recently updated first. countRows
// fills NumRows per table; listings that only need names skip the counts.
func (s *Service) List(ctx context.Context, projectID string, ttype models.TableType,
	q store.TableListQuery, countRows bool) ([]Meta, int, error) {
	if !ttype.Valid() {
		return nil, 0, errs.BadInput("unknown table type %q", ttype)
	}
	if q.Limit <= 0 {
		q.Limit = listLimitMax
	}
	if q.Limit > listLimitMax || q.Offset < 0 {
		return nil, 0, errs.BadInput("limit must be between 1 and %d", listLimitMax)
	}

	schemas, total, err := s.store.ListTables(ctx, projectID, ttype, q)
	if err != nil {
		return nil, 0, translateStore(err)
	}
	out := make([]Meta, len(schemas))
	for i := range schemas {
		out[i] = Meta{TableSchema: schemas[i]}
		if countRows {
			ref := store.TableRef{ProjectID: projectID, Type: ttype, TableID: schemas[i].ID}
			n, err := s.store.CountRows(ctx, ref)
			if err != nil {
				return nil, 0, translateStore(err)
			}
			out[i].NumRows = n
		}
	}
	return out, total, nil
}

// Delete removes a table and its rows.
func (s *Service) Delete(ctx context.Context, ref store.TableRef) error {
	if err := s.store.DeleteTable(ctx, ref); err != nil {
		return translateStore(err)
	}
	s.plans.Invalidate(ref.TableID)
	log.Info().Str("project_id", ref.ProjectID).Str("table_id", ref.TableID).Msg("Table: deleted")
	return nil
}

// Rename changes a table's id, keeping rows and schema.
func (s *Service) Rename(ctx context.Context, ref store.TableRef, newID string) (*Meta, error) {
	if err := ValidateTableID(newID); err != nil {
		return nil, err
	}
	if err := s.store.RenameTable(ctx, ref, newID); err != nil {
		return nil, translateStore(err)
	}
	s.plans.Invalidate(ref.TableID)
	return s.Get(ctx, store.TableRef{ProjectID: ref.ProjectID, Type: ref.Type, TableID: newID})
}

// Duplicate copies a table's schema, and optionally its rows, to a new id.
// An empty destination derives one from the source id and the current time.
// createAsChild links the copy to its source via parent_id.
func (s *Service) Duplicate(ctx context.Context, ref store.TableRef, req *models.TableDuplicateRequest) (*Meta, error) {
	src, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	dstID := req.TableIDDst
	if dstID == "" {
		dstID = fmt.Sprintf("%s_%s", src.ID, time.Now().UTC().Format("20060102150405"))
	}
	if err := ValidateTableID(dstID); err != nil {
		return nil, err
	}

	dst := *src
	dst.ID = dstID
	if req.CreateAsChild {
		dst.ParentID = src.ID
	}
	dstRef := store.TableRef{ProjectID: ref.ProjectID, Type: ref.Type, TableID: dstID}
	if err := s.store.CreateTable(ctx, dstRef, &dst); err != nil {
		return nil, translateStore(err)
	}

	copied := 0
	if req.IncludeData {
		copied, err = s.copyRows(ctx, ref, dstRef)
		if err != nil {
			return nil, err
		}
	}
	log.Info().Str("table_id", ref.TableID).Str("table_id_dst", dstID).
		Bool("include_data", req.IncludeData).Int("rows", copied).Msg("Table: duplicated")
	return &Meta{TableSchema: dst, NumRows: copied}, nil
}

// copyRows streams every row of src into dst in insertion order.
func (s *Service) copyRows(ctx context.Context, src, dst store.TableRef) (int, error) {
	const batch = 500
	copied := 0
	for offset := 0; ; offset += batch {
		rows, _, err := s.store.ListRows(ctx, src, store.RowQuery{
			Offset: offset, Limit: batch, OrderBy: models.ColID, OrderAscending: true,
		})
		if err != nil {
			return copied, translateStore(err)
		}
		if len(rows) == 0 {
			return copied, nil
		}
		if err := s.store.InsertRows(ctx, dst, rows); err != nil {
			return copied, translateStore(err)
		}
		copied += len(rows)
		if len(rows) < batch {
			return copied, nil
		}
	}
}

// ── Gen-config validation ───────────────────────────────────

// validateGenConfigs checks every gen config against the registry and the
// project's knowledge tables, and normalizes what the DAG build cannot see:
// embed columns inherit the model's vector size, chat AI columns stay
// multi-turn.
func (s *Service) validateGenConfigs(ctx context.Context, org *models.Organization,
	projectID string, ttype models.TableType, schema *models.TableSchema) error {
	for i := range schema.Cols {
		col := &schema.Cols[i]
		g := col.GenConfig
		if g == nil {
			continue
		}
		switch g.Object {
		case models.GenObjectLLM:
			if err := s.validateLLMConfig(ctx, org, projectID, g.LLM); err != nil {
				return err
			}
			if ttype == models.TableTypeChat && col.ID == models.ColAI {
				g.LLM.MultiTurn = true
			}
		case models.GenObjectEmbed:
			mc, err := s.reg.Resolve(ctx, org, g.Embed.EmbeddingModel, models.CapEmbed)
			if err != nil {
				return err
			}
			if col.Dtype != models.DtypeFloat32 {
				return errs.BadInput("embedding output column %q must be a vector column", col.ID)
			}
			if col.Vlen == 0 {
				col.Vlen = mc.EmbeddingSize
			} else if col.Vlen != mc.EmbeddingSize {
				return errs.BadInput("column %q has vlen %d but model %q embeds %d dims",
					col.ID, col.Vlen, mc.ID, mc.EmbeddingSize)
			}
		case models.GenObjectCode:
			// Source-column rules are checked by the DAG build.
		default:
			return errs.BadInput("column %q has an unknown gen_config object %q", col.ID, g.Object)
		}
	}
	return nil
}

func (s *Service) validateLLMConfig(ctx context.Context, org *models.Organization,
	projectID string, cfg *models.LLMGenConfig) error {
	if cfg.Model != "" {
		if _, err := s.reg.Resolve(ctx, org, cfg.Model, models.CapChat); err != nil {
			return err
		}
	}
	rp := cfg.RAGParams
	if rp == nil {
		return nil
	}
	if rp.TableID == "" {
		return errs.BadInput("rag_params requires a table_id")
	}
	if rp.K < 0 {
		return errs.BadInput("rag_params k must not be negative")
	}
	ktRef := store.TableRef{ProjectID: projectID, Type: models.TableTypeKnowledge, TableID: rp.TableID}
	if _, err := s.store.GetTable(ctx, ktRef); err != nil {
		return translateStore(err)
	}
	if rp.RerankingModel != nil && *rp.RerankingModel != "" {
		if _, err := s.reg.Resolve(ctx, org, *rp.RerankingModel, models.CapRerank); err != nil {
			return err
		}
	}
	return nil
}

// ── Store error translation ─────────────────────────────────

func translateStore(err error) error {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return errs.NotFound(nf.Entity, nf.Key)
	}
	var ex *store.ErrExists
	if errors.As(err, &ex) {
		return errs.Exists(ex.Entity, ex.Key)
	}
	return err
}
