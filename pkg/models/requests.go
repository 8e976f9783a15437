package models

// Request payloads for the generative-table API. These are wire types;
// validation lives in the table service.

type TableCreateRequest struct {
	ID   string         `json:"id"`
	Cols []ColumnSchema `json:"cols"`
	// EmbeddingModel picks the embedder for the injected embed columns of
	// knowledge tables. Empty selects the default embedding model.
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

type TableDuplicateRequest struct {
	TableIDDst    string `json:"table_id_dst,omitempty"`
	IncludeData   bool   `json:"include_data,omitempty"`
	CreateAsChild bool   `json:"create_as_child,omitempty"`
}

type RowAddRequest struct {
	TableID string           `json:"table_id"`
	Data    []map[string]any `json:"data"`
	Stream  bool             `json:"stream,omitempty"`
}

type RowUpdateRequest struct {
	TableID string         `json:"table_id"`
	RowID   string         `json:"row_id"`
	Data    map[string]any `json:"data"`
}

type RowRegenRequest struct {
	TableID string   `json:"table_id"`
	RowIDs  []string `json:"row_ids"`
	// RegenStrategy defaults to run_all; all other strategies require
	// OutputColumnID.
	RegenStrategy  RegenStrategy `json:"regen_strategy,omitempty"`
	OutputColumnID string        `json:"output_column_id,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
}

type RowDeleteRequest struct {
	TableID string   `json:"table_id"`
	RowIDs  []string `json:"row_ids,omitempty"`
	// Where deletes by filter when RowIDs is empty.
	Where string `json:"where,omitempty"`
}

type ColumnAddRequest struct {
	TableID string         `json:"table_id"`
	Cols    []ColumnSchema `json:"cols"`
}

type ColumnDropRequest struct {
	TableID   string   `json:"table_id"`
	ColumnIDs []string `json:"column_ids"`
}

type ColumnRenameRequest struct {
	TableID string `json:"table_id"`
	// ColumnMap maps old name → new name.
	ColumnMap map[string]string `json:"column_map"`
}

type ColumnReorderRequest struct {
	TableID   string   `json:"table_id"`
	ColumnIDs []string `json:"column_ids"`
}

type GenConfigUpdateRequest struct {
	TableID string `json:"table_id"`
	// ColumnMap maps column ID → new gen config (nil clears it).
	ColumnMap map[string]*GenConfig `json:"column_map"`
}

type HybridSearchRequest struct {
	TableID string `json:"table_id"`
	Query   string `json:"query"`
	K       int    `json:"k,omitempty"`
	// RerankingModel nil skips the rerank pass.
	RerankingModel *string `json:"reranking_model"`
	FloatDecimals  int     `json:"float_decimals,omitempty"`
	VecDecimals    int     `json:"vec_decimals,omitempty"`
}

// RowListRequest mirrors the list-rows query string.
type RowListRequest struct {
	Offset         int
	Limit          int
	OrderBy        string
	OrderAscending bool
	Where          string
	SearchQuery    string
	Columns        []string
	FloatDecimals  int
	// VecDecimals < 0 omits vector columns entirely.
	VecDecimals int
}

// ── Model listing (OpenAI-compatible) ───────────────────────

type ModelInfo struct {
	ID            string       `json:"id"`
	Object        string       `json:"object"` // "model"
	Name          string       `json:"name,omitempty"`
	OwnedBy       string       `json:"owned_by,omitempty"`
	Capabilities  []Capability `json:"capabilities"`
	ContextLength int          `json:"context_length,omitempty"`
	Languages     []string     `json:"languages,omitempty"`
}

type ModelListResponse struct {
	Object string      `json:"object"` // "list"
	Data   []ModelInfo `json:"data"`
}
