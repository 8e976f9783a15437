package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Generative-table domain types: table schemas, column gen configs, cells
// and the SSE event envelopes table generation emits.

// ── Table types ─────────────────────────────────────────────

type TableType string

const (
	TableTypeAction    TableType = "action"
	TableTypeKnowledge TableType = "knowledge"
	TableTypeChat      TableType = "chat"
)

func (t TableType) Valid() bool {
	switch t {
	case TableTypeAction, TableTypeKnowledge, TableTypeChat:
		return true
	}
	return false
}

// ── Column dtypes ───────────────────────────────────────────

type ColumnDtype string

const (
	DtypeInt      ColumnDtype = "int"
	DtypeFloat    ColumnDtype = "float"
	DtypeBool     ColumnDtype = "bool"
	DtypeStr      ColumnDtype = "str"
	DtypeImage    ColumnDtype = "image"
	DtypeAudio    ColumnDtype = "audio"
	DtypeDocument ColumnDtype = "document"
	// DtypeDateTime cells are RFC 3339 strings normalized to UTC.
	DtypeDateTime ColumnDtype = "date-time"
	// DtypeJSON cells hold arbitrary JSON values verbatim.
	DtypeJSON ColumnDtype = "json"
	// DtypeFloat32 with Vlen > 0 is a fixed-size embedding vector.
	DtypeFloat32 ColumnDtype = "float32"
)

func (d ColumnDtype) Valid() bool {
	switch d {
	case DtypeInt, DtypeFloat, DtypeBool, DtypeStr,
		DtypeImage, DtypeAudio, DtypeDocument,
		DtypeDateTime, DtypeJSON, DtypeFloat32:
		return true
	}
	return false
}

// IsFile reports whether cells hold object-store URIs instead of values.
func (d ColumnDtype) IsFile() bool {
	return d == DtypeImage || d == DtypeAudio || d == DtypeDocument
}

// ── Gen configs ─────────────────────────────────────────────

const (
	GenObjectLLM   = "gen_config.llm"
	GenObjectEmbed = "gen_config.embed"
	GenObjectCode  = "gen_config.code"
)

// RAGParams turns an LLM column into a retrieval-augmented one.
type RAGParams struct {
	TableID string `json:"table_id"`
	K       int    `json:"k,omitempty"`
	// RerankingModel nil means no rerank pass; the fused hybrid ranking is
	// used as-is.
	RerankingModel *string `json:"reranking_model"`
	// SearchQuery overrides query synthesis. It is interpolated like a
	// prompt, so it may reference input columns.
	SearchQuery string `json:"search_query,omitempty"`
	// ConcatRerankerInput feeds "Title\nText" instead of bare Text to the
	// reranker.
	ConcatRerankerInput bool `json:"concat_reranker_input,omitempty"`
	// InlineCitations instructs the LLM to cite chunks as [@i; @j].
	InlineCitations bool `json:"inline_citations,omitempty"`
}

// DefaultRAGK is applied when RAGParams.K is unset.
const DefaultRAGK = 3

type LLMGenConfig struct {
	Object string `json:"object"`
	// Model empty means "pick the default chat model for the organization".
	Model        string     `json:"model,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Prompt       string     `json:"prompt,omitempty"`
	MultiTurn    bool       `json:"multi_turn,omitempty"`
	RAGParams    *RAGParams `json:"rag_params,omitempty"`

	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
}

type EmbedGenConfig struct {
	Object         string `json:"object"`
	EmbeddingModel string `json:"embedding_model"`
	SourceColumn   string `json:"source_column"`
}

type CodeGenConfig struct {
	Object       string `json:"object"`
	SourceColumn string `json:"source_column"`
}

// GenConfig is the tagged union discriminated by "object". Exactly one of
// LLM/Embed/Code is non-nil after a successful unmarshal.
type GenConfig struct {
	Object string
	LLM    *LLMGenConfig
	Embed  *EmbedGenConfig
	Code   *CodeGenConfig
}

func (g *GenConfig) UnmarshalJSON(b []byte) error {
	var probe struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	// Old clients omit "object" on LLM configs.
	if probe.Object == "" {
		probe.Object = GenObjectLLM
	}
	switch probe.Object {
	case GenObjectLLM:
		var c LLMGenConfig
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		c.Object = GenObjectLLM
		*g = GenConfig{Object: GenObjectLLM, LLM: &c}
	case GenObjectEmbed:
		var c EmbedGenConfig
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		*g = GenConfig{Object: GenObjectEmbed, Embed: &c}
	case GenObjectCode:
		var c CodeGenConfig
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		*g = GenConfig{Object: GenObjectCode, Code: &c}
	default:
		return fmt.Errorf("unknown gen_config object %q", probe.Object)
	}
	return nil
}

func (g GenConfig) MarshalJSON() ([]byte, error) {
	switch g.Object {
	case GenObjectLLM:
		return json.Marshal(g.LLM)
	case GenObjectEmbed:
		return json.Marshal(g.Embed)
	case GenObjectCode:
		return json.Marshal(g.Code)
	}
	return nil, fmt.Errorf("gen_config has no object tag")
}

// NewLLMGenConfig wraps an LLM config in the union.
func NewLLMGenConfig(c LLMGenConfig) *GenConfig {
	c.Object = GenObjectLLM
	return &GenConfig{Object: GenObjectLLM, LLM: &c}
}

// NewEmbedGenConfig wraps an embed config in the union.
func NewEmbedGenConfig(c EmbedGenConfig) *GenConfig {
	c.Object = GenObjectEmbed
	return &GenConfig{Object: GenObjectEmbed, Embed: &c}
}

// NewCodeGenConfig wraps a code config in the union.
func NewCodeGenConfig(c CodeGenConfig) *GenConfig {
	c.Object = GenObjectCode
	return &GenConfig{Object: GenObjectCode, Code: &c}
}

// ── Column and table schemas ────────────────────────────────

type ColumnSchema struct {
	ID    string      `json:"id"`
	Dtype ColumnDtype `json:"dtype"`
	// Vlen > 0 makes a float32 column a fixed-size vector.
	Vlen int `json:"vlen,omitempty"`
	// Index enables keyword search on str columns.
	Index     bool       `json:"index,omitempty"`
	GenConfig *GenConfig `json:"gen_config,omitempty"`
}

// IsVector reports whether the column stores embeddings.
func (c *ColumnSchema) IsVector() bool {
	return c.Dtype == DtypeFloat32 && c.Vlen > 0
}

// IsOutput reports whether the column is generated rather than supplied.
func (c *ColumnSchema) IsOutput() bool {
	return c.GenConfig != nil
}

// Injected column names. "ID" and "Updated at" exist on every table;
// the rest are type-specific.
const (
	ColID        = "ID"
	ColUpdatedAt = "Updated at"

	ColTitle      = "Title"
	ColText       = "Text"
	ColFileID     = "File ID"
	ColPage       = "Page"
	ColTitleEmbed = "Title Embed"
	ColTextEmbed  = "Text Embed"

	ColUser = "User"
	ColAI   = "AI"
)

// IsInfoColumn reports whether the column is bookkeeping rather than data.
// Info columns are never referable from prompts and never generated.
func IsInfoColumn(id string) bool {
	return id == ColID || id == ColUpdatedAt
}

type TableSchema struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Version increments on every schema change; row-generation plans are
	// cached against it.
	Version int            `json:"version"`
	Cols    []ColumnSchema `json:"cols"`
	// ParentID links a duplicated table or a chat thread to its source.
	ParentID  string    `json:"parent_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Column looks up a column by ID.
func (t *TableSchema) Column(id string) (*ColumnSchema, bool) {
	for i := range t.Cols {
		if t.Cols[i].ID == id {
			return &t.Cols[i], true
		}
	}
	return nil, false
}

// ColumnIndex returns the position of a column, or -1.
func (t *TableSchema) ColumnIndex(id string) int {
	for i := range t.Cols {
		if t.Cols[i].ID == id {
			return i
		}
	}
	return -1
}

// OutputColumns returns generated columns in schema order.
func (t *TableSchema) OutputColumns() []ColumnSchema {
	var out []ColumnSchema
	for _, c := range t.Cols {
		if c.IsOutput() {
			out = append(out, c)
		}
	}
	return out
}

// ── Cells, rows, references ─────────────────────────────────

// Chunk is one retrieved knowledge-table snippet.
type Chunk struct {
	Text     string  `json:"text"`
	Title    string  `json:"title,omitempty"`
	Page     int     `json:"page,omitempty"`
	FileName string  `json:"file_name,omitempty"`
	RowID    string  `json:"row_id,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// References is the RAG side channel attached to generated cells and
// streamed as its own SSE event before the first content chunk.
type References struct {
	Object      string  `json:"object"` // "gen_table.references"
	Chunks      []Chunk `json:"chunks"`
	SearchQuery string  `json:"search_query,omitempty"`
}

const ObjectReferences = "gen_table.references"

// Cell is the stored envelope for one column of one row. Original keeps
// the generated value after a manual overwrite; References keeps the RAG
// chunks a generated value was grounded on.
type Cell struct {
	Value      any         `json:"value"`
	Original   any         `json:"original,omitempty"`
	References *References `json:"references,omitempty"`
}

// Row is a wire row: every column wrapped in its cell envelope,
// including the injected "ID" and "Updated at".
type Row map[string]Cell

// ID returns the row's UUID, or "".
func (r Row) ID() string {
	s, _ := r[ColID].Value.(string)
	return s
}

// Str returns the cell value as a string if it is one.
func (r Row) Str(col string) string {
	s, _ := r[col].Value.(string)
	return s
}

// ── Generation SSE events ───────────────────────────────────

const (
	ObjectCellChunk      = "gen_table.completion.chunk"
	ObjectChatCompletion = "chat.completion"
	ObjectChatChunk      = "chat.completion.chunk"
)

// CellChunk is one streamed delta of one generated cell.
type CellChunk struct {
	ID               string        `json:"id"`
	Object           string        `json:"object"` // "gen_table.completion.chunk"
	Created          int64         `json:"created"`
	Model            string        `json:"model,omitempty"`
	RowID            string        `json:"row_id"`
	OutputColumnName string        `json:"output_column_name"`
	Choices          []ChunkChoice `json:"choices"`
	Usage            *Usage        `json:"usage,omitempty"`
}

// CellReferences is the references event for one generated cell.
type CellReferences struct {
	Object           string  `json:"object"` // "gen_table.references"
	RowID            string  `json:"row_id"`
	OutputColumnName string  `json:"output_column_name"`
	Chunks           []Chunk `json:"chunks"`
	SearchQuery      string  `json:"search_query,omitempty"`
}

// ── Regen strategies ────────────────────────────────────────

type RegenStrategy string

const (
	RegenRunAll      RegenStrategy = "run_all"
	RegenRunBefore   RegenStrategy = "run_before"
	RegenRunSelected RegenStrategy = "run_selected"
	RegenRunAfter    RegenStrategy = "run_after"
)

func (s RegenStrategy) Valid() bool {
	switch s {
	case RegenRunAll, RegenRunBefore, RegenRunSelected, RegenRunAfter:
		return true
	}
	return false
}
