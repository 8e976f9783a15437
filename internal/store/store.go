// Package store provides the storage interface and implementations for the
// JamAI backend. The in-memory store backs tests and zero-config local runs;
// the PostgreSQL store (pgx + pgvector) backs production.
package store

import (
	"context"
	"time"

	"github.com/embeddedllm/jamai/pkg/models"
)

// Store is the primary storage interface. All service code depends on this
// interface, making it easy to swap between in-memory (tests) and
// PostgreSQL (production) implementations.
type Store interface {
	OrgStore
	ProjectStore
	ModelStore
	TableStore
	RowStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Organization Store ──────────────────────────────────────

// UsageDelta is one organization's accumulated billing flush: quota usage
// increments per product plus credit consumption, applied atomically.
type UsageDelta struct {
	OrgID string
	Usage map[models.Product]float64
	// GrantSpend is subtracted from credit_grant, CreditSpend from credit.
	GrantSpend  float64
	CreditSpend float64
}

type OrgStore interface {
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
	UpdateOrganization(ctx context.Context, org *models.Organization) error
	DeleteOrganization(ctx context.Context, id string) error

	// ApplyUsage applies billing deltas. Credit balances clamp at zero;
	// quota usage accumulates without bound (gates read, they do not write).
	ApplyUsage(ctx context.Context, deltas []UsageDelta) error
}

// ── Project Store ───────────────────────────────────────────

type ProjectStore interface {
	ListProjects(ctx context.Context, orgID string) ([]models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	// GetProjectByAPIKey resolves a bearer token to its project.
	GetProjectByAPIKey(ctx context.Context, key string) (*models.Project, error)
	CreateProject(ctx context.Context, project *models.Project) error
	UpdateProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, id string) error
}

// ── Model Store ─────────────────────────────────────────────

type ModelStore interface {
	ListModelConfigs(ctx context.Context) ([]models.ModelConfig, error)
	GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error)
	UpsertModelConfig(ctx context.Context, cfg *models.ModelConfig) error
	DeleteModelConfig(ctx context.Context, id string) error

	// SetDeploymentCooldown persists router cooldown state so replicas
	// agree on which deployments to avoid.
	SetDeploymentCooldown(ctx context.Context, modelID string, deployment int, until time.Time) error
}

// ── Table Store ─────────────────────────────────────────────

// TableRef addresses one generative table.
type TableRef struct {
	ProjectID string
	Type      models.TableType
	TableID   string
}

// TableListQuery filters table listings.
type TableListQuery struct {
	Offset   int
	Limit    int
	ParentID string // filter by parent; "" means no filter
	Search   string // substring match on table id
}

type TableStore interface {
	ListTables(ctx context.Context, projectID string, ttype models.TableType, q TableListQuery) ([]models.TableSchema, int, error)
	GetTable(ctx context.Context, ref TableRef) (*models.TableSchema, error)
	CreateTable(ctx context.Context, ref TableRef, schema *models.TableSchema) error
	// UpdateTable swaps the schema; callers bump schema.Version first.
	UpdateTable(ctx context.Context, ref TableRef, schema *models.TableSchema) error
	DeleteTable(ctx context.Context, ref TableRef) error
	// RenameTable changes the table id, keeping rows.
	RenameTable(ctx context.Context, ref TableRef, newID string) error
	// RenameColumns swaps in a schema whose columns were renamed and moves
	// the stored cell data to the new keys in the same transaction.
	RenameColumns(ctx context.Context, ref TableRef, schema *models.TableSchema, renames map[string]string) error
	CountRows(ctx context.Context, ref TableRef) (int, error)
}

// ── Row Store ───────────────────────────────────────────────

// RowQuery selects, orders and pages rows. Filter and SearchQuery combine
// with AND.
type RowQuery struct {
	Offset         int
	Limit          int
	OrderBy        string // defaults to "ID"
	OrderAscending bool
	Filter         *Filter
	// SearchQuery matches case-insensitively (regex when valid, literal
	// otherwise) against str cells.
	SearchQuery string
	// Columns projects the result; empty means all. "ID" and "Updated at"
	// are always included.
	Columns []string
}

// ScoredRow is a search hit.
type ScoredRow struct {
	Row   models.Row
	Score float64
}

type RowStore interface {
	// InsertRows writes rows atomically and advances the table's
	// updated_at timestamp.
	InsertRows(ctx context.Context, ref TableRef, rows []models.Row) error
	GetRow(ctx context.Context, ref TableRef, rowID string) (models.Row, error)
	// UpdateRow patches individual cells of one row.
	UpdateRow(ctx context.Context, ref TableRef, rowID string, cells map[string]models.Cell) error
	DeleteRows(ctx context.Context, ref TableRef, rowIDs []string, filter *Filter) error
	ListRows(ctx context.Context, ref TableRef, q RowQuery) ([]models.Row, int, error)

	// VectorSearch returns the k nearest rows by cosine distance on a
	// vector column.
	VectorSearch(ctx context.Context, ref TableRef, column string, vec []float32, k int) ([]ScoredRow, error)
	// KeywordSearch ranks rows against a free-text query over the given
	// str columns (BM25 in memory, full-text search in Postgres).
	KeywordSearch(ctx context.Context, ref TableRef, query string, columns []string, k int) ([]ScoredRow, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrExists is returned on duplicate create.
type ErrExists struct {
	Entity string
	Key    string
}

func (e *ErrExists) Error() string {
	return e.Entity + " already exists: " + e.Key
}
