package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/embeddedllm/jamai/pkg/models"
)

const (
	defaultAnthropicBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	// anthropicDefaultMaxTokens fills the mandatory max_tokens field when the
	// caller leaves it unset.
	anthropicDefaultMaxTokens = 4096
)

// anthropicAdapter speaks the /v1/messages dialect.
type anthropicAdapter struct {
	client *http.Client
}

type antContentBlock struct {
	Type   string          `json:"type"` // text | image
	Text   string          `json:"text,omitempty"`
	Source *antMediaSource `json:"source,omitempty"`
}

type antMediaSource struct {
	Type      string `json:"type"` // url | base64
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type antMessage struct {
	Role    string            `json:"role"`
	Content []antContentBlock `json:"content"`
}

type antRequest struct {
	Model         string       `json:"model"`
	MaxTokens     int          `json:"max_tokens"`
	System        string       `json:"system,omitempty"`
	Messages      []antMessage `json:"messages"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
}

type antUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type antResponse struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Content    []antContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      antUsage          `json:"usage"`
}

func (a *anthropicAdapter) headers(call Call) map[string]string {
	return map[string]string{
		"x-api-key":         call.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

// wireRequest extracts system messages into the top-level system field and
// converts content parts. Audio parts have no Anthropic equivalent and are
// dropped.
func (a *anthropicAdapter) wireRequest(call Call, req *models.ChatRequest, stream bool) *antRequest {
	wire := &antRequest{
		Model:         call.RoutingName(),
		MaxTokens:     anthropicDefaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		wire.MaxTokens = *req.MaxTokens
	}

	var system strings.Builder
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content.Flatten())
			continue
		}
		wire.Messages = append(wire.Messages, antMessage{
			Role:    m.Role,
			Content: antBlocks(m.Content),
		})
	}
	wire.System = system.String()
	return wire
}

func antBlocks(c models.MessageContent) []antContentBlock {
	if !c.IsMultimodal() {
		return []antContentBlock{{Type: "text", Text: c.Text}}
	}
	var blocks []antContentBlock
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, antContentBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			blocks = append(blocks, antContentBlock{Type: "image", Source: antImageSource(p.ImageURL.URL)})
		}
	}
	return blocks
}

// antImageSource converts a URL or data URI to the source envelope.
func antImageSource(url string) *antMediaSource {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		mediaType, data, _ := strings.Cut(rest, ";base64,")
		return &antMediaSource{Type: "base64", MediaType: mediaType, Data: data}
	}
	return &antMediaSource{Type: "url", URL: url}
}

func antFinishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return models.FinishStop
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return "tool_calls"
	default:
		return models.FinishStop
	}
}

func (a *anthropicAdapter) Chat(ctx context.Context, call Call, req *models.ChatRequest) (*models.ChatResponse, error) {
	p := call.Deployment.Provider
	url := baseURL(call.Deployment, defaultAnthropicBase) + "/v1/messages"
	resp, err := postJSON(ctx, a.client, url, a.headers(call), a.wireRequest(call, req, false))
	if err != nil {
		return nil, mapTransport(p, err)
	}
	var out antResponse
	if err := decodeOrFail(p, resp, &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &models.ChatResponse{
		ID:      out.ID,
		Object:  models.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   call.Model.ID,
		Choices: []models.ChatChoice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant, Content: models.Content(text.String())},
			FinishReason: antFinishReason(out.StopReason),
		}},
		Usage: models.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

// antEvent is the envelope of one stream event; fields are populated
// depending on type.
type antEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Message struct {
		ID    string   `json:"id"`
		Usage antUsage `json:"usage"`
	} `json:"message"`
	Usage antUsage `json:"usage"`
}

func (a *anthropicAdapter) ChatStream(ctx context.Context, call Call, req *models.ChatRequest, emit ChunkFunc) (*models.ChatResponse, error) {
	p := call.Deployment.Provider
	url := baseURL(call.Deployment, defaultAnthropicBase) + "/v1/messages"
	resp, err := postJSON(ctx, a.client, url, a.headers(call), a.wireRequest(call, req, true))
	if err != nil {
		return nil, mapTransport(p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, mapStatus(p, resp.StatusCode, body)
	}

	acc := newAccumulator(call.Model.ID)
	var (
		id           string
		inputTokens  int
		outputTokens int
		finish       string
	)
	created := time.Now().Unix()

	chunkOf := func(delta models.ChunkDelta, finishReason string) models.ChatChunk {
		return models.ChatChunk{
			ID:      id,
			Object:  models.ObjectChatChunk,
			Created: created,
			Model:   call.Model.ID,
			Choices: []models.ChunkChoice{{Delta: delta, FinishReason: finishReason}},
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev antEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			id = ev.Message.ID
			inputTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			chunk := chunkOf(models.ChunkDelta{Role: models.RoleAssistant, Content: ev.Delta.Text}, "")
			acc.add(chunk)
			emit(chunk)
		case "message_delta":
			if ev.Delta.StopReason != "" {
				finish = antFinishReason(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				outputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			usage := models.Usage{
				PromptTokens:     inputTokens,
				CompletionTokens: outputTokens,
				TotalTokens:      inputTokens + outputTokens,
			}
			if finish == "" {
				finish = models.FinishStop
			}
			final := chunkOf(models.ChunkDelta{}, finish)
			final.Usage = &usage
			acc.add(final)
			emit(final)
		}
	}
	if err := scanner.Err(); err != nil {
		return acc.response(), mapTransport(p, err)
	}
	return acc.response(), nil
}
