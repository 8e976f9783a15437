package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpenAI-compatible LLM wire types. The public API speaks this dialect and
// every provider adapter translates to and from it, so nothing above the
// adapter layer knows vendor shapes.

// ── Messages ────────────────────────────────────────────────

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string      `json:"type"` // text | image_url | input_audio
	Text     string      `json:"text,omitempty"`
	ImageURL *ImageURL   `json:"image_url,omitempty"`
	Audio    *InputAudio `json:"input_audio,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type InputAudio struct {
	Data   string `json:"data"`   // base64
	Format string `json:"format"` // wav | mp3
}

// MessageContent is either a plain string or a list of parts on the wire.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(b, &parts); err == nil {
		c.Parts = parts
		return nil
	}
	return fmt.Errorf("message content must be a string or a list of content parts")
}

// Flatten joins all text content, ignoring media parts. Used for token
// estimation and keyword search query synthesis.
func (c MessageContent) Flatten() string {
	if c.Parts == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// IsMultimodal reports whether any part carries media.
func (c MessageContent) IsMultimodal() bool {
	for _, p := range c.Parts {
		if p.Type == "image_url" || p.Type == "input_audio" {
			return true
		}
	}
	return false
}

// Content builds a plain-text MessageContent.
func Content(text string) MessageContent {
	return MessageContent{Text: text}
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// ── Chat completion request/response ────────────────────────

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type ResponseFormat struct {
	Type       string          `json:"type"` // text | json_object | json_schema
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type ChatRequest struct {
	ID       string        `json:"id,omitempty"`
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`

	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	N           int            `json:"n,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	User        string         `json:"user,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	StreamOpts  *StreamOptions `json:"stream_options,omitempty"`

	// Tools pass through to the provider untouched.
	Tools      json.RawMessage `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// PromptText flattens all messages for token estimation.
func (r *ChatRequest) PromptText() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Content.Flatten())
		sb.WriteByte('\n')
	}
	return sb.String()
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ChatMessage     `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
}

type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"` // "chat.completion"
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`

	// References is the RAG side channel, present only for generative-table
	// completions backed by a knowledge table.
	References *References `json:"references,omitempty"`
}

// Text returns the first choice's content, or "".
func (r *ChatResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content.Flatten()
}

// ── Streaming chunks ────────────────────────────────────────

type ChunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// FinishStop, FinishLength and FinishError are the finish_reason values the
// backend itself emits; providers may surface others (tool_calls, ...).
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"` // "chat.completion.chunk"
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Text returns the first choice's delta content, or "".
func (c *ChatChunk) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// FinishReason returns the first choice's finish_reason, or "".
func (c *ChatChunk) FinishReason() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

// ── Embeddings ──────────────────────────────────────────────

// EmbedInput accepts a single string or a list on the wire.
type EmbedInput []string

func (in *EmbedInput) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*in = EmbedInput{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*in = list
		return nil
	}
	return fmt.Errorf("input must be a string or a list of strings")
}

const (
	EncodingFloat  = "float"
	EncodingBase64 = "base64"
)

// EmbedType hints the provider whether the text is a document being
// indexed or a query being searched. Cohere-style APIs change behavior
// on it; OpenAI-style APIs ignore it.
const (
	EmbedTypeDocument = "document"
	EmbedTypeQuery    = "query"
)

type EmbedRequest struct {
	Model          string     `json:"model,omitempty"`
	Input          EmbedInput `json:"input"`
	EncodingFormat string     `json:"encoding_format,omitempty"` // float | base64
	Type           string     `json:"type,omitempty"`            // document | query
	// Dimensions overrides the output size on Matryoshka-capable models.
	Dimensions int    `json:"dimensions,omitempty"`
	User       string `json:"user,omitempty"`
}

type EmbedData struct {
	Object string `json:"object"` // "embedding"
	Index  int    `json:"index"`
	// Embedding is []float32 for float encoding, a base64 string otherwise.
	Embedding any `json:"embedding"`
}

// UnmarshalJSON keeps the Embedding contract: float arrays decode straight
// to []float32 instead of the generic []any.
func (d *EmbedData) UnmarshalJSON(b []byte) error {
	var wire struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	d.Object = wire.Object
	d.Index = wire.Index
	if len(wire.Embedding) == 0 || string(wire.Embedding) == "null" {
		return nil
	}
	if wire.Embedding[0] == '"' {
		var s string
		if err := json.Unmarshal(wire.Embedding, &s); err != nil {
			return err
		}
		d.Embedding = s
		return nil
	}
	var v []float32
	if err := json.Unmarshal(wire.Embedding, &v); err != nil {
		return err
	}
	d.Embedding = v
	return nil
}

type EmbedResponse struct {
	Object string      `json:"object"` // "list"
	Data   []EmbedData `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

// Vectors extracts []float32 rows regardless of wire encoding. Adapters
// always populate float32 slices internally; this guards against misuse.
func (r *EmbedResponse) Vectors() ([][]float32, error) {
	out := make([][]float32, len(r.Data))
	for i, d := range r.Data {
		v, ok := d.Embedding.([]float32)
		if !ok {
			return nil, fmt.Errorf("embedding %d is not a float vector", i)
		}
		out[i] = v
	}
	return out, nil
}

// ── Rerank ──────────────────────────────────────────────────

type RerankRequest struct {
	Model           string   `json:"model,omitempty"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
}

type RerankDocument struct {
	Text string `json:"text"`
}

type RerankResult struct {
	Index          int             `json:"index"`
	RelevanceScore float64         `json:"relevance_score"`
	Document       *RerankDocument `json:"document,omitempty"`
}

type RerankResponse struct {
	Object  string         `json:"object"` // "rerank"
	Model   string         `json:"model"`
	Results []RerankResult `json:"results"`
	Usage   Usage          `json:"usage"`
}
