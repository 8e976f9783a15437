package table

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/dag"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/internal/template"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// Column mutations. Every path re-validates the DAG against the mutated
// schema and bumps the version so cached plans roll over.

// AddColumns appends columns to a table. Existing rows read the new columns
// as null; generated columns fill in on the next row write or regen.
func (s *Service) AddColumns(ctx context.Context, org *models.Organization, ref store.TableRef,
	cols []models.ColumnSchema) (*Meta, error) {
	if len(cols) == 0 {
		return nil, errs.BadInput("cols must not be empty")
	}
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	for _, c := range cols {
		if err := ValidateColumnID(c.ID); err != nil {
			return nil, err
		}
		if _, exists := schema.Column(c.ID); exists {
			return nil, errs.Exists("column", c.ID)
		}
		if !c.Dtype.Valid() {
			return nil, errs.BadInput("column %q has unknown dtype %q", c.ID, c.Dtype)
		}
		schema.Cols = append(schema.Cols, c)
	}

	if err := s.validateGenConfigs(ctx, org, ref.ProjectID, ref.Type, schema); err != nil {
		return nil, err
	}
	return s.commitSchema(ctx, ref, schema)
}

// DropColumns removes columns. Info and type-injected columns are
// protected; a drop that leaves a dangling gen-config reference fails the
// DAG re-validation.
func (s *Service) DropColumns(ctx context.Context, ref store.TableRef, columnIDs []string) (*Meta, error) {
	if len(columnIDs) == 0 {
		return nil, errs.BadInput("column_ids must not be empty")
	}
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	reserved := reservedColumns(ref.Type)
	doomed := make(map[string]bool, len(columnIDs))
	for _, id := range columnIDs {
		if _, ok := schema.Column(id); !ok {
			return nil, errs.NotFound("column", id)
		}
		if models.IsInfoColumn(id) || reserved[id] {
			return nil, errs.BadInput("column %q cannot be dropped", id)
		}
		doomed[id] = true
	}

	kept := schema.Cols[:0]
	for _, c := range schema.Cols {
		if !doomed[c.ID] {
			kept = append(kept, c)
		}
	}
	schema.Cols = kept
	return s.commitSchema(ctx, ref, schema)
}

// RenameColumns renames columns and rewrites every gen-config reference to
// them, across all columns of the table.
func (s *Service) RenameColumns(ctx context.Context, ref store.TableRef, columnMap map[string]string) (*Meta, error) {
	if len(columnMap) == 0 {
		return nil, errs.BadInput("column_map must not be empty")
	}
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	reserved := reservedColumns(ref.Type)
	taken := make(map[string]bool, len(schema.Cols))
	for _, c := range schema.Cols {
		taken[c.ID] = true
	}
	for from, to := range columnMap {
		if _, ok := schema.Column(from); !ok {
			return nil, errs.NotFound("column", from)
		}
		if models.IsInfoColumn(from) || reserved[from] {
			return nil, errs.BadInput("column %q cannot be renamed", from)
		}
		if err := ValidateColumnID(to); err != nil {
			return nil, err
		}
		delete(taken, from)
	}
	for _, to := range columnMap {
		if taken[to] {
			return nil, errs.Exists("column", to)
		}
		taken[to] = true
	}

	for i := range schema.Cols {
		col := &schema.Cols[i]
		if to, ok := columnMap[col.ID]; ok {
			col.ID = to
		}
		renameConfigRefs(col.GenConfig, columnMap)
	}
	if _, err := dag.Build(ref.Type, schema); err != nil {
		return nil, err
	}

	schema.Version++
	if err := s.store.RenameColumns(ctx, ref, schema, columnMap); err != nil {
		return nil, translateStore(err)
	}
	log.Info().Str("table_id", ref.TableID).Int("version", schema.Version).
		Int("renamed", len(columnMap)).Msg("Table: columns renamed")
	return s.Get(ctx, ref)
}

// renameConfigRefs rewrites one gen config's column references in place.
func renameConfigRefs(g *models.GenConfig, renames map[string]string) {
	if g == nil {
		return
	}
	switch g.Object {
	case models.GenObjectLLM:
		g.LLM.SystemPrompt = template.RenameRefs(g.LLM.SystemPrompt, renames)
		g.LLM.Prompt = template.RenameRefs(g.LLM.Prompt, renames)
		if rp := g.LLM.RAGParams; rp != nil && rp.SearchQuery != "" {
			rp.SearchQuery = template.RenameRefs(rp.SearchQuery, renames)
		}
	case models.GenObjectEmbed:
		if to, ok := renames[g.Embed.SourceColumn]; ok {
			g.Embed.SourceColumn = to
		}
	case models.GenObjectCode:
		if to, ok := renames[g.Code.SourceColumn]; ok {
			g.Code.SourceColumn = to
		}
	}
}

// ReorderColumns applies a new column order. The list must be a permutation
// of the non-info columns; info columns stay in front. An order that moves
// a reference after its dependent fails the DAG re-validation.
func (s *Service) ReorderColumns(ctx context.Context, ref store.TableRef, columnIDs []string) (*Meta, error) {
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	var cols []models.ColumnSchema
	byID := make(map[string]models.ColumnSchema, len(schema.Cols))
	for _, c := range schema.Cols {
		if models.IsInfoColumn(c.ID) {
			cols = append(cols, c)
		} else {
			byID[c.ID] = c
		}
	}
	if len(columnIDs) != len(byID) {
		return nil, errs.BadInput("column_ids must list every column exactly once (%d of %d)",
			len(columnIDs), len(byID))
	}

	for _, id := range columnIDs {
		c, ok := byID[id]
		if !ok {
			return nil, errs.NotFound("column", id)
		}
		delete(byID, id)
		cols = append(cols, c)
	}
	schema.Cols = cols
	return s.commitSchema(ctx, ref, schema)
}

// UpdateGenConfig swaps column gen configs atomically. Updates to the same
// table are serialized with a short lock so two concurrent updates cannot
// interleave their read-validate-write cycles; row adds in flight keep the
// schema version they started with.
func (s *Service) UpdateGenConfig(ctx context.Context, org *models.Organization, ref store.TableRef,
	req *models.GenConfigUpdateRequest) (*Meta, error) {
	if len(req.ColumnMap) == 0 {
		return nil, errs.BadInput("column_map must not be empty")
	}

	key := fmt.Sprintf("genconfig:%s/%s/%s", ref.ProjectID, ref.Type, ref.TableID)
	lease, err := s.locks.Acquire(ctx, key, genConfigLockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Best effort: an unreleased lease lapses with its TTL.
		if err := lease.Release(ctx); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Table: gen-config lock release failed")
		}
	}()

	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	reserved := reservedColumns(ref.Type)
	for id, cfg := range req.ColumnMap {
		col, ok := schema.Column(id)
		if !ok {
			return nil, errs.NotFound("column", id)
		}
		if models.IsInfoColumn(id) {
			return nil, errs.BadInput("column %q cannot be generated", id)
		}
		// The chat AI column is the one injected column users may tune.
		if reserved[id] && !(ref.Type == models.TableTypeChat && id == models.ColAI) {
			return nil, errs.BadInput("column %q keeps its injected gen_config", id)
		}
		if ref.Type == models.TableTypeChat && id == models.ColAI && (cfg == nil || cfg.LLM == nil) {
			return nil, errs.BadInput("the AI column requires an LLM gen_config")
		}
		col.GenConfig = cfg
	}

	if err := s.validateGenConfigs(ctx, org, ref.ProjectID, ref.Type, schema); err != nil {
		return nil, err
	}
	return s.commitSchema(ctx, ref, schema)
}

// commitSchema re-validates the DAG, bumps the version and persists.
func (s *Service) commitSchema(ctx context.Context, ref store.TableRef, schema *models.TableSchema) (*Meta, error) {
	if _, err := dag.Build(ref.Type, schema); err != nil {
		return nil, err
	}
	schema.Version++
	if err := s.store.UpdateTable(ctx, ref, schema); err != nil {
		return nil, translateStore(err)
	}
	log.Info().Str("project_id", ref.ProjectID).Str("table_id", ref.TableID).
		Int("version", schema.Version).Msg("Table: schema updated")
	return s.Get(ctx, ref)
}
