// Package store — PostgreSQL Store implementation (pgx + pgvector).
//
// Entities are stored as JSONB documents in fixed jam_* tables, with the
// fields hot paths filter on (org id, api key, parent id) extracted into
// plain columns. Every generative table gets its own physical rows table,
// created on CreateTable and named after a fresh UUID so table renames
// never touch DDL. A rows table holds the cell envelopes as one JSONB
// document plus a pgvector column per embedding column for similarity
// search; the JSONB copy stays authoritative so reads never depend on the
// vector columns.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/embeddedllm/jamai/pkg/models"
)

const postgresDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS jam_organizations (
	id   TEXT PRIMARY KEY,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS jam_projects (
	id      TEXT PRIMARY KEY,
	org_id  TEXT NOT NULL,
	api_key TEXT NOT NULL DEFAULT '',
	data    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jam_projects_org ON jam_projects (org_id);
CREATE INDEX IF NOT EXISTS idx_jam_projects_key ON jam_projects (api_key) WHERE api_key <> '';

CREATE TABLE IF NOT EXISTS jam_models (
	id   TEXT PRIMARY KEY,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS jam_tables (
	project_id TEXT NOT NULL,
	table_type TEXT NOT NULL,
	table_id   TEXT NOT NULL,
	rows_table TEXT NOT NULL UNIQUE,
	parent_id  TEXT NOT NULL DEFAULT '',
	schema     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, table_type, table_id)
);
CREATE INDEX IF NOT EXISTS idx_jam_tables_updated ON jam_tables (project_id, table_type, updated_at DESC);
`

const bumpTableSQL = `UPDATE jam_tables SET updated_at = now() WHERE project_id = $1 AND table_type = $2 AND table_id = $3`

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects and pings. Call Migrate before first use.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresDDL); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// ── Organizations ───────────────────────────────────────────

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM jam_organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres list organizations: %w", err)
	}
	defer rows.Close()

	out := []models.Organization{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres scan organization: %w", err)
		}
		var org models.Organization
		if err := json.Unmarshal(raw, &org); err != nil {
			return nil, fmt.Errorf("postgres decode organization: %w", err)
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM jam_organizations WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get organization: %w", err)
	}
	org := &models.Organization{}
	if err := json.Unmarshal(raw, org); err != nil {
		return nil, fmt.Errorf("postgres decode organization: %w", err)
	}
	return org, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	raw, err := json.Marshal(org)
	if err != nil {
		return fmt.Errorf("postgres encode organization: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jam_organizations (id, data) VALUES ($1, $2::jsonb)`,
		org.ID, string(raw))
	if isUniqueViolation(err) {
		return &ErrExists{Entity: "organization", Key: org.ID}
	}
	if err != nil {
		return fmt.Errorf("postgres create organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT data FROM jam_organizations WHERE id = $1 FOR UPDATE`, org.ID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "organization", Key: org.ID}
	}
	if err != nil {
		return fmt.Errorf("postgres get organization: %w", err)
	}
	var old models.Organization
	if err := json.Unmarshal(raw, &old); err != nil {
		return fmt.Errorf("postgres decode organization: %w", err)
	}

	org.CreatedAt = old.CreatedAt
	org.UpdatedAt = time.Now().UTC()
	updated, err := json.Marshal(org)
	if err != nil {
		return fmt.Errorf("postgres encode organization: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jam_organizations SET data = $2::jsonb WHERE id = $1`, org.ID, string(updated)); err != nil {
		return fmt.Errorf("postgres update organization: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteOrganization(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jam_organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres delete organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "organization", Key: id}
	}
	return nil
}

func (s *PostgresStore) ApplyUsage(ctx context.Context, deltas []UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range deltas {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT data FROM jam_organizations WHERE id = $1 FOR UPDATE`, d.OrgID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			continue // org deleted mid-flight; drop its usage
		}
		if err != nil {
			return fmt.Errorf("postgres apply usage: %w", err)
		}
		var org models.Organization
		if err := json.Unmarshal(raw, &org); err != nil {
			return fmt.Errorf("postgres decode organization: %w", err)
		}

		if org.Quotas == nil {
			org.Quotas = make(map[models.Product]models.Quota)
		}
		for product, amount := range d.Usage {
			q := org.Quotas[product]
			q.Usage += amount
			org.Quotas[product] = q
		}
		org.CreditGrant = math.Max(0, org.CreditGrant-d.GrantSpend)
		org.Credit = math.Max(0, org.Credit-d.CreditSpend)
		org.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&org)
		if err != nil {
			return fmt.Errorf("postgres encode organization: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE jam_organizations SET data = $2::jsonb WHERE id = $1`, d.OrgID, string(updated)); err != nil {
			return fmt.Errorf("postgres apply usage: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ── Projects ────────────────────────────────────────────────

func (s *PostgresStore) ListProjects(ctx context.Context, orgID string) ([]models.Project, error) {
	sql := `SELECT data FROM jam_projects ORDER BY id`
	var args []any
	if orgID != "" {
		sql = `SELECT data FROM jam_projects WHERE org_id = $1 ORDER BY id`
		args = append(args, orgID)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres scan project: %w", err)
		}
		var p models.Project
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("postgres decode project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM jam_projects WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get project: %w", err)
	}
	p := &models.Project{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("postgres decode project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProjectByAPIKey(ctx context.Context, key string) (*models.Project, error) {
	if key == "" {
		return nil, &ErrNotFound{Entity: "project", Key: "api key"}
	}
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM jam_projects WHERE api_key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: "api key"}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get project by key: %w", err)
	}
	p := &models.Project{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("postgres decode project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	now := time.Now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now
	raw, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("postgres encode project: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jam_projects (id, org_id, api_key, data) VALUES ($1, $2, $3, $4::jsonb)`,
		project.ID, project.OrganizationID, project.APIKey, string(raw))
	if isUniqueViolation(err) {
		return &ErrExists{Entity: "project", Key: project.ID}
	}
	if err != nil {
		return fmt.Errorf("postgres create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project *models.Project) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT data FROM jam_projects WHERE id = $1 FOR UPDATE`, project.ID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "project", Key: project.ID}
	}
	if err != nil {
		return fmt.Errorf("postgres get project: %w", err)
	}
	var old models.Project
	if err := json.Unmarshal(raw, &old); err != nil {
		return fmt.Errorf("postgres decode project: %w", err)
	}

	project.CreatedAt = old.CreatedAt
	project.UpdatedAt = time.Now().UTC()
	updated, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("postgres encode project: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jam_projects SET org_id = $2, api_key = $3, data = $4::jsonb WHERE id = $1`,
		project.ID, project.OrganizationID, project.APIKey, string(updated)); err != nil {
		return fmt.Errorf("postgres update project: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM jam_projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "project", Key: id}
	}

	// The project's generative tables go with it.
	rows, err := tx.Query(ctx, `SELECT rows_table FROM jam_tables WHERE project_id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres delete project tables: %w", err)
	}
	var physical []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("postgres delete project tables: %w", err)
		}
		physical = append(physical, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres delete project tables: %w", err)
	}

	for _, name := range physical {
		if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS `+quoteIdent(name)); err != nil {
			return fmt.Errorf("postgres drop rows table: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jam_tables WHERE project_id = $1`, id); err != nil {
		return fmt.Errorf("postgres delete project tables: %w", err)
	}
	return tx.Commit(ctx)
}

// ── Model configs ───────────────────────────────────────────

func (s *PostgresStore) ListModelConfigs(ctx context.Context) ([]models.ModelConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM jam_models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres list models: %w", err)
	}
	defer rows.Close()

	out := []models.ModelConfig{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres scan model: %w", err)
		}
		var cfg models.ModelConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("postgres decode model: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM jam_models WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "model", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get model: %w", err)
	}
	cfg := &models.ModelConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("postgres decode model: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) UpsertModelConfig(ctx context.Context, cfg *models.ModelConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("postgres encode model: %w", err)
	}
	// An update keeps the stored created_at.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jam_models (id, data) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET data = jsonb_set(
			EXCLUDED.data, '{created_at}',
			COALESCE(jam_models.data->'created_at', EXCLUDED.data->'created_at'))`,
		cfg.ID, string(raw))
	if err != nil {
		return fmt.Errorf("postgres upsert model: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteModelConfig(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jam_models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres delete model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	return nil
}

func (s *PostgresStore) SetDeploymentCooldown(ctx context.Context, modelID string, deployment int, until time.Time) error {
	if deployment < 0 {
		return &ErrNotFound{Entity: "deployment", Key: modelID}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jam_models
		SET data = jsonb_set(data, ARRAY['deployments', $2, 'cooldown_until'], to_jsonb($4::timestamptz), true)
		WHERE id = $1 AND jsonb_array_length(COALESCE(data->'deployments', '[]'::jsonb)) > $3`,
		modelID, strconv.Itoa(deployment), deployment, until)
	if err != nil {
		return fmt.Errorf("postgres set cooldown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jam_models WHERE id = $1)`, modelID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres set cooldown: %w", err)
		}
		if !exists {
			return &ErrNotFound{Entity: "model", Key: modelID}
		}
		return &ErrNotFound{Entity: "deployment", Key: modelID}
	}
	return nil
}

// ── Tables ──────────────────────────────────────────────────

// rowTable resolves a ref to its schema and physical rows table. The
// updated_at column is authoritative over the copy inside the schema JSON.
func (s *PostgresStore) rowTable(ctx context.Context, ref TableRef) (*models.TableSchema, string, error) {
	var (
		raw     []byte
		name    string
		updated time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT schema, rows_table, updated_at FROM jam_tables WHERE project_id = $1 AND table_type = $2 AND table_id = $3`,
		ref.ProjectID, string(ref.Type), ref.TableID).Scan(&raw, &name, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	if err != nil {
		return nil, "", fmt.Errorf("postgres get table: %w", err)
	}
	sch := &models.TableSchema{}
	if err := json.Unmarshal(raw, sch); err != nil {
		return nil, "", fmt.Errorf("postgres decode schema: %w", err)
	}
	sch.UpdatedAt = updated
	return sch, name, nil
}

func (s *PostgresStore) ListTables(ctx context.Context, projectID string, ttype models.TableType, q TableListQuery) ([]models.TableSchema, int, error) {
	args := []any{projectID, string(ttype)}
	where := `project_id = $1 AND table_type = $2`
	if q.ParentID != "" {
		args = append(args, q.ParentID)
		where += fmt.Sprintf(` AND parent_id = $%d`, len(args))
	}
	if q.Search != "" {
		args = append(args, likePattern(q.Search))
		where += fmt.Sprintf(` AND table_id ILIKE $%d`, len(args))
	}
	whereArgs := len(args)

	sql := `SELECT schema, updated_at, COUNT(*) OVER() FROM jam_tables WHERE ` + where + ` ORDER BY updated_at DESC, table_id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres list tables: %w", err)
	}
	defer rows.Close()

	var (
		out   []models.TableSchema
		total int
	)
	for rows.Next() {
		var (
			raw     []byte
			updated time.Time
		)
		if err := rows.Scan(&raw, &updated, &total); err != nil {
			return nil, 0, fmt.Errorf("postgres scan table: %w", err)
		}
		var sch models.TableSchema
		if err := json.Unmarshal(raw, &sch); err != nil {
			return nil, 0, fmt.Errorf("postgres decode schema: %w", err)
		}
		sch.UpdatedAt = updated
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres list tables: %w", err)
	}

	// A page past the end returns no rows and thus no window total.
	if len(out) == 0 && q.Offset > 0 {
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jam_tables WHERE `+where, args[:whereArgs]...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("postgres count tables: %w", err)
		}
	}
	return out, total, nil
}

func (s *PostgresStore) GetTable(ctx context.Context, ref TableRef) (*models.TableSchema, error) {
	sch, _, err := s.rowTable(ctx, ref)
	return sch, err
}

func (s *PostgresStore) CreateTable(ctx context.Context, ref TableRef, schema *models.TableSchema) error {
	schema.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("postgres encode schema: %w", err)
	}
	physical := "jam_rows_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jam_tables (project_id, table_type, table_id, rows_table, parent_id, schema, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		ref.ProjectID, string(ref.Type), ref.TableID, physical, schema.ParentID, string(raw), schema.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrExists{Entity: "table", Key: ref.TableID}
	}
	if err != nil {
		return fmt.Errorf("postgres create table: %w", err)
	}

	if _, err := tx.Exec(ctx, rowTableDDL(physical, schema)); err != nil {
		return fmt.Errorf("postgres create rows table: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateTable(ctx context.Context, ref TableRef, schema *models.TableSchema) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		raw      []byte
		physical string
	)
	err = tx.QueryRow(ctx,
		`SELECT schema, rows_table FROM jam_tables WHERE project_id = $1 AND table_type = $2 AND table_id = $3 FOR UPDATE`,
		ref.ProjectID, string(ref.Type), ref.TableID).Scan(&raw, &physical)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	if err != nil {
		return fmt.Errorf("postgres get table: %w", err)
	}
	var old models.TableSchema
	if err := json.Unmarshal(raw, &old); err != nil {
		return fmt.Errorf("postgres decode schema: %w", err)
	}

	// Keep the physical vector columns in step with the schema. A changed
	// Vlen (embedding model swap) drops and recreates the column; the stale
	// vectors are useless either way.
	oldVec := vectorCols(&old)
	newVec := vectorCols(schema)
	for _, c := range schema.Cols {
		if c.Dtype != models.DtypeFloat32 {
			continue
		}
		oldLen, had := oldVec[c.ID]
		if had && oldLen == c.Vlen {
			continue
		}
		if had {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, quoteIdent(physical), vecIdent(c.ID))); err != nil {
				return fmt.Errorf("postgres alter rows table: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, quoteIdent(physical), vecIdent(c.ID), vectorType(c.Vlen))); err != nil {
			return fmt.Errorf("postgres alter rows table: %w", err)
		}
	}
	for _, c := range old.Cols {
		if c.Dtype != models.DtypeFloat32 {
			continue
		}
		if _, keep := newVec[c.ID]; keep {
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN IF EXISTS %s`, quoteIdent(physical), vecIdent(c.ID))); err != nil {
			return fmt.Errorf("postgres alter rows table: %w", err)
		}
	}

	schema.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("postgres encode schema: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jam_tables SET schema = $4::jsonb, parent_id = $5, updated_at = $6
		WHERE project_id = $1 AND table_type = $2 AND table_id = $3`,
		ref.ProjectID, string(ref.Type), ref.TableID, string(encoded), schema.ParentID, schema.UpdatedAt); err != nil {
		return fmt.Errorf("postgres update table: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteTable(ctx context.Context, ref TableRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var physical string
	err = tx.QueryRow(ctx,
		`SELECT rows_table FROM jam_tables WHERE project_id = $1 AND table_type = $2 AND table_id = $3 FOR UPDATE`,
		ref.ProjectID, string(ref.Type), ref.TableID).Scan(&physical)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	if err != nil {
		return fmt.Errorf("postgres get table: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM jam_tables WHERE project_id = $1 AND table_type = $2 AND table_id = $3`,
		ref.ProjectID, string(ref.Type), ref.TableID); err != nil {
		return fmt.Errorf("postgres delete table: %w", err)
	}
	if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS `+quoteIdent(physical)); err != nil {
		return fmt.Errorf("postgres drop rows table: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RenameTable(ctx context.Context, ref TableRef, newID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jam_tables
		SET table_id = $4, schema = jsonb_set(schema, '{id}', to_jsonb($4::text)), updated_at = now()
		WHERE project_id = $1 AND table_type = $2 AND table_id = $3`,
		ref.ProjectID, string(ref.Type), ref.TableID, newID)
	if isUniqueViolation(err) {
		return &ErrExists{Entity: "table", Key: newID}
	}
	if err != nil {
		return fmt.Errorf("postgres rename table: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	return nil
}

func (s *PostgresStore) RenameColumns(ctx context.Context, ref TableRef, schema *models.TableSchema, renames map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var physical string
	err = tx.QueryRow(ctx,
		`SELECT rows_table FROM jam_tables WHERE project_id = $1 AND table_type = $2 AND table_id = $3 FOR UPDATE`,
		ref.ProjectID, string(ref.Type), ref.TableID).Scan(&physical)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	if err != nil {
		return fmt.Errorf("postgres get table: %w", err)
	}

	for from, to := range renames {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET cells = (cells - $1::text) || jsonb_build_object($2::text, cells->$1::text)
			WHERE cells ? $1::text`, quoteIdent(physical)),
			from, to); err != nil {
			return fmt.Errorf("postgres rename column cells: %w", err)
		}
		if col, ok := schema.Column(to); ok && col.Dtype == models.DtypeFloat32 {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`,
				quoteIdent(physical), vecIdent(from), vecIdent(to))); err != nil {
				return fmt.Errorf("postgres rename vector column: %w", err)
			}
		}
	}

	schema.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("postgres encode schema: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jam_tables SET schema = $4::jsonb, parent_id = $5, updated_at = $6
		WHERE project_id = $1 AND table_type = $2 AND table_id = $3`,
		ref.ProjectID, string(ref.Type), ref.TableID, string(encoded), schema.ParentID, schema.UpdatedAt); err != nil {
		return fmt.Errorf("postgres update table: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CountRows(ctx context.Context, ref TableRef) (int, error) {
	_, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+quoteIdent(physical)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres count rows: %w", err)
	}
	return n, nil
}

// ── Rows ────────────────────────────────────────────────────

func (s *PostgresStore) InsertRows(ctx context.Context, ref TableRef, rows []models.Row) error {
	sch, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.ID() == "" {
			return &ErrNotFound{Entity: "row id", Key: ref.TableID}
		}
	}

	var vecCols []string
	for _, c := range sch.Cols {
		if c.Dtype == models.DtypeFloat32 {
			vecCols = append(vecCols, c.ID)
		}
	}

	cols := []string{"id", "updated_at", "cells"}
	values := []string{"$1", "$2", "$3::jsonb"}
	sets := []string{"updated_at = EXCLUDED.updated_at", "cells = EXCLUDED.cells"}
	for i, vc := range vecCols {
		ident := vecIdent(vc)
		cols = append(cols, ident)
		values = append(values, fmt.Sprintf("$%d::vector", i+4))
		sets = append(sets, ident+" = EXCLUDED."+ident)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		quoteIdent(physical), strings.Join(cols, ", "), strings.Join(values, ", "), strings.Join(sets, ", "))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		cells, err := encodeCells(r)
		if err != nil {
			return fmt.Errorf("postgres encode row: %w", err)
		}
		args := []any{r.ID(), rowStamp(r), string(cells)}
		for _, vc := range vecCols {
			args = append(args, vectorArg(r, vc))
		}
		batch.Queue(stmt, args...)
	}
	batch.Queue(bumpTableSQL, ref.ProjectID, string(ref.Type), ref.TableID)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres insert rows: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres insert rows: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRow(ctx context.Context, ref TableRef, rowID string) (models.Row, error) {
	sch, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.pool.QueryRow(ctx, `SELECT cells FROM `+quoteIdent(physical)+` WHERE id = $1`, rowID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "row", Key: rowID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get row: %w", err)
	}
	return decodeCells(sch, rowID, raw)
}

func (s *PostgresStore) UpdateRow(ctx context.Context, ref TableRef, rowID string, cells map[string]models.Cell) error {
	sch, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	patch := make(map[string]models.Cell, len(cells)+1)
	for col, cell := range cells {
		patch[col] = cell
	}
	patch[models.ColUpdatedAt] = models.Cell{Value: now.Format(time.RFC3339Nano)}
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("postgres encode row: %w", err)
	}

	sets := []string{"cells = cells || $1::jsonb", "updated_at = $2"}
	args := []any{string(payload), now}
	for _, c := range sch.Cols {
		if c.Dtype != models.DtypeFloat32 {
			continue
		}
		cell, ok := cells[c.ID]
		if !ok {
			continue
		}
		var arg any
		if vec, ok := cell.Value.([]float32); ok && len(vec) > 0 {
			arg = vectorText(vec)
		}
		args = append(args, arg)
		sets = append(sets, fmt.Sprintf("%s = $%d::vector", vecIdent(c.ID), len(args)))
	}
	args = append(args, rowID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", quoteIdent(physical), strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("postgres update row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "row", Key: rowID}
	}
	if _, err := tx.Exec(ctx, bumpTableSQL, ref.ProjectID, string(ref.Type), ref.TableID); err != nil {
		return fmt.Errorf("postgres update row: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteRows(ctx context.Context, ref TableRef, rowIDs []string, filter *Filter) error {
	_, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return err
	}

	var (
		where string
		args  []any
	)
	if len(rowIDs) > 0 {
		args = append(args, rowIDs)
		where = "id = ANY($1)"
	} else {
		where = filter.SQL(cellExpr, &args)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM "+quoteIdent(physical)+" WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("postgres delete rows: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, bumpTableSQL, ref.ProjectID, string(ref.Type), ref.TableID); err != nil {
			return fmt.Errorf("postgres delete rows: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListRows(ctx context.Context, ref TableRef, q RowQuery) ([]models.Row, int, error) {
	sch, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return nil, 0, err
	}

	var args []any
	where := q.Filter.SQL(cellExpr, &args)
	if cond := searchCondition(sch, q.SearchQuery, &args); cond != "" {
		where += " AND " + cond
	}
	whereArgs := len(args)

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = models.ColID
	}
	dir := "DESC"
	if q.OrderAscending {
		dir = "ASC"
	}

	sql := fmt.Sprintf("SELECT id, cells, COUNT(*) OVER() FROM %s WHERE %s ORDER BY %s %s, id %s",
		quoteIdent(physical), where, orderExpr(sch, orderBy), dir, dir)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres list rows: %w", err)
	}
	defer rows.Close()

	var (
		out   []models.Row
		total int
	)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw, &total); err != nil {
			return nil, 0, fmt.Errorf("postgres scan row: %w", err)
		}
		r, err := decodeCells(sch, id, raw)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, projectRow(r, q.Columns))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres list rows: %w", err)
	}

	// A page past the end returns no rows and thus no window total.
	if len(out) == 0 && q.Offset > 0 {
		count := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteIdent(physical), where)
		if err := s.pool.QueryRow(ctx, count, args[:whereArgs]...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("postgres count rows: %w", err)
		}
	}
	return out, total, nil
}

func (s *PostgresStore) VectorSearch(ctx context.Context, ref TableRef, column string, vec []float32, k int) ([]ScoredRow, error) {
	sch, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return nil, err
	}
	col, ok := sch.Column(column)
	if !ok || col.Dtype != models.DtypeFloat32 {
		return nil, nil
	}

	// <=> is cosine distance, so 1 - distance is cosine similarity.
	ident := vecIdent(column)
	args := []any{vectorText(vec)}
	sql := fmt.Sprintf(
		"SELECT id, cells, 1 - (%s <=> $1::vector) AS score FROM %s WHERE %s IS NOT NULL ORDER BY %s <=> $1::vector",
		ident, quoteIdent(physical), ident, ident)
	if k > 0 {
		args = append(args, k)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres vector search: %w", err)
	}
	return scanScoredRows(rows, sch)
}

func (s *PostgresStore) KeywordSearch(ctx context.Context, ref TableRef, query string, columns []string, k int) ([]ScoredRow, error) {
	sch, physical, err := s.rowTable(ctx, ref)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || len(columns) == 0 {
		return nil, nil
	}

	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = cellExpr(col)
	}
	doc := "to_tsvector('simple', concat_ws(' ', " + strings.Join(parts, ", ") + "))"
	sql := fmt.Sprintf(
		"SELECT id, cells, ts_rank(%s, websearch_to_tsquery('simple', $1)) AS score FROM %s WHERE %s @@ websearch_to_tsquery('simple', $1) ORDER BY score DESC, id",
		doc, quoteIdent(physical), doc)
	args := []any{query}
	if k > 0 {
		args = append(args, k)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres keyword search: %w", err)
	}
	return scanScoredRows(rows, sch)
}

func scanScoredRows(rows pgx.Rows, sch *models.TableSchema) ([]ScoredRow, error) {
	defer rows.Close()
	var out []ScoredRow
	for rows.Next() {
		var (
			id    string
			raw   []byte
			score float64
		)
		if err := rows.Scan(&id, &raw, &score); err != nil {
			return nil, fmt.Errorf("postgres scan row: %w", err)
		}
		r, err := decodeCells(sch, id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredRow{Row: r, Score: score})
	}
	return out, rows.Err()
}

// ── Row codec ───────────────────────────────────────────────

// encodeCells marshals a row's cell envelopes. The id is the primary key
// and is not duplicated inside the document.
func encodeCells(r models.Row) ([]byte, error) {
	cells := make(map[string]models.Cell, len(r))
	for col, cell := range r {
		if col == models.ColID {
			continue
		}
		cells[col] = cell
	}
	return json.Marshal(cells)
}

// decodeCells rebuilds a typed row from the stored envelopes. JSON numbers
// come back as float64, so values are re-coerced to their column's storage
// type; cells of columns no longer in the schema pass through untouched.
func decodeCells(sch *models.TableSchema, id string, raw []byte) (models.Row, error) {
	cells := make(map[string]models.Cell)
	if err := json.Unmarshal(raw, &cells); err != nil {
		return nil, fmt.Errorf("postgres decode row: %w", err)
	}
	row := make(models.Row, len(cells)+1)
	row[models.ColID] = models.Cell{Value: id}
	for colID, cell := range cells {
		if col, ok := sch.Column(colID); ok {
			if v, err := models.CoerceCell(col, cell.Value); err == nil {
				cell.Value = v
			}
			if v, err := models.CoerceCell(col, cell.Original); err == nil {
				cell.Original = v
			}
		}
		row[colID] = cell
	}
	return row, nil
}

// rowStamp parses the row's "Updated at" cell. Imported rows carry their
// own stamps; anything unparseable gets the insertion time.
func rowStamp(r models.Row) time.Time {
	if s, ok := r[models.ColUpdatedAt].Value.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

func vectorArg(r models.Row, col string) any {
	if vec, ok := r[col].Value.([]float32); ok && len(vec) > 0 {
		return vectorText(vec)
	}
	return nil
}

// ── SQL helpers ─────────────────────────────────────────────

// cellExpr extracts a cell's value as text from the JSONB envelope. The id
// lives in its own column; everything else is under cells. Column ids are
// validated against a charset without quotes, but double up anyway.
func cellExpr(col string) string {
	if col == models.ColID {
		return "id"
	}
	return "(cells->" + sqlQuote(col) + "->>'value')"
}

// orderExpr returns the ORDER BY expression for a column, casting numeric
// and boolean columns so they sort by value rather than lexicographically.
func orderExpr(sch *models.TableSchema, col string) string {
	switch col {
	case models.ColID:
		return "id"
	case models.ColUpdatedAt:
		return "updated_at"
	}
	expr := cellExpr(col)
	c, ok := sch.Column(col)
	if !ok {
		return expr
	}
	switch c.Dtype {
	case models.DtypeInt, models.DtypeFloat:
		return "(" + expr + ")::double precision"
	case models.DtypeBool:
		return "(" + expr + ")::boolean"
	}
	return expr
}

// searchCondition matches the query case-insensitively against every str
// column: as a regex when it compiles, literally otherwise.
func searchCondition(sch *models.TableSchema, query string, args *[]any) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}
	pattern := query
	if _, err := regexp.Compile("(?i)" + query); err != nil {
		pattern = regexp.QuoteMeta(query)
	}
	*args = append(*args, pattern)
	n := len(*args)

	var conds []string
	for _, c := range sch.Cols {
		if c.Dtype != models.DtypeStr {
			continue
		}
		conds = append(conds, fmt.Sprintf("%s ~* $%d", cellExpr(c.ID), n))
	}
	if len(conds) == 0 {
		return "FALSE"
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}

// rowTableDDL builds the physical table for one generative table: the cell
// envelopes as JSONB plus a pgvector column per embedding column.
func rowTableDDL(physical string, schema *models.TableSchema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteIdent(physical))
	b.WriteString(" (\n\tid TEXT PRIMARY KEY,\n\tupdated_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n\tcells JSONB NOT NULL DEFAULT '{}'::jsonb")
	for _, c := range schema.Cols {
		if c.Dtype != models.DtypeFloat32 {
			continue
		}
		b.WriteString(",\n\t")
		b.WriteString(vecIdent(c.ID))
		b.WriteByte(' ')
		b.WriteString(vectorType(c.Vlen))
	}
	b.WriteString("\n)")
	return b.String()
}

func vectorCols(sch *models.TableSchema) map[string]int {
	out := make(map[string]int)
	for _, c := range sch.Cols {
		if c.Dtype == models.DtypeFloat32 {
			out[c.ID] = c.Vlen
		}
	}
	return out
}

func vectorType(vlen int) string {
	if vlen > 0 {
		return fmt.Sprintf("vector(%d)", vlen)
	}
	return "vector"
}

// vectorText renders a vector in pgvector's text format.
func vectorText(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// quoteIdent quotes a Postgres identifier; column ids may contain spaces.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// vecIdent names the physical pgvector column for an embedding column. The
// prefix keeps user column ids from colliding with id, updated_at or cells;
// names past the 63-byte identifier limit are replaced by a digest instead
// of letting Postgres truncate them into each other.
func vecIdent(col string) string {
	name := "vec_" + col
	if len(name) > 63 {
		sum := sha256.Sum256([]byte(col))
		name = "vec_" + hex.EncodeToString(sum[:12])
	}
	return quoteIdent(name)
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
