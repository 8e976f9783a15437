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

const defaultGeminiBase = "https://generativelanguage.googleapis.com"

// geminiAdapter speaks the Generative Language API (v1beta).
type geminiAdapter struct {
	client *http.Client
}

type gemInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type gemFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type gemPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *gemInlineData `json:"inlineData,omitempty"`
	FileData   *gemFileData   `json:"fileData,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"` // user | model
	Parts []gemPart `json:"parts"`
}

type gemGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type gemRequest struct {
	Contents          []gemContent         `json:"contents"`
	SystemInstruction *gemContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *gemGenerationConfig `json:"generationConfig,omitempty"`
}

type gemResponse struct {
	Candidates []struct {
		Content      gemContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *geminiAdapter) url(call Call, method string) string {
	return baseURL(call.Deployment, defaultGeminiBase) + "/v1beta/models/" + call.RoutingName() + ":" + method
}

func (g *geminiAdapter) headers(call Call) map[string]string {
	return map[string]string{"x-goog-api-key": call.APIKey}
}

func (g *geminiAdapter) wireRequest(req *models.ChatRequest) *gemRequest {
	wire := &gemRequest{}

	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content.Flatten())
		case models.RoleAssistant:
			wire.Contents = append(wire.Contents, gemContent{Role: "model", Parts: gemParts(m.Content)})
		default:
			wire.Contents = append(wire.Contents, gemContent{Role: "user", Parts: gemParts(m.Content)})
		}
	}
	if system.Len() > 0 {
		wire.SystemInstruction = &gemContent{Parts: []gemPart{{Text: system.String()}}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		cfg := &gemGenerationConfig{
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.Stop,
		}
		if req.MaxTokens != nil {
			cfg.MaxOutputTokens = *req.MaxTokens
		}
		wire.GenerationConfig = cfg
	}
	return wire
}

func gemParts(c models.MessageContent) []gemPart {
	if !c.IsMultimodal() {
		return []gemPart{{Text: c.Text}}
	}
	var parts []gemPart
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, gemPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if rest, ok := strings.CutPrefix(p.ImageURL.URL, "data:"); ok {
				mime, data, _ := strings.Cut(rest, ";base64,")
				parts = append(parts, gemPart{InlineData: &gemInlineData{MimeType: mime, Data: data}})
			} else {
				parts = append(parts, gemPart{FileData: &gemFileData{FileURI: p.ImageURL.URL}})
			}
		case "input_audio":
			if p.Audio == nil {
				continue
			}
			parts = append(parts, gemPart{InlineData: &gemInlineData{
				MimeType: "audio/" + p.Audio.Format,
				Data:     p.Audio.Data,
			}})
		}
	}
	return parts
}

func gemFinishReason(r string) string {
	switch r {
	case "MAX_TOKENS":
		return models.FinishLength
	case "":
		return ""
	default:
		return models.FinishStop
	}
}

func (r *gemResponse) text() string {
	var sb strings.Builder
	for _, cand := range r.Candidates {
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func (r *gemResponse) finish() string {
	for _, cand := range r.Candidates {
		if fr := gemFinishReason(cand.FinishReason); fr != "" {
			return fr
		}
	}
	return ""
}

func (g *geminiAdapter) Chat(ctx context.Context, call Call, req *models.ChatRequest) (*models.ChatResponse, error) {
	p := call.Deployment.Provider
	resp, err := postJSON(ctx, g.client, g.url(call, "generateContent"), g.headers(call), g.wireRequest(req))
	if err != nil {
		return nil, mapTransport(p, err)
	}
	var out gemResponse
	if err := decodeOrFail(p, resp, &out); err != nil {
		return nil, err
	}
	finish := out.finish()
	if finish == "" {
		finish = models.FinishStop
	}
	return &models.ChatResponse{
		Object:  models.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   call.Model.ID,
		Choices: []models.ChatChoice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant, Content: models.Content(out.text())},
			FinishReason: finish,
		}},
		Usage: models.Usage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      out.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (g *geminiAdapter) ChatStream(ctx context.Context, call Call, req *models.ChatRequest, emit ChunkFunc) (*models.ChatResponse, error) {
	p := call.Deployment.Provider
	url := g.url(call, "streamGenerateContent") + "?alt=sse"
	resp, err := postJSON(ctx, g.client, url, g.headers(call), g.wireRequest(req))
	if err != nil {
		return nil, mapTransport(p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, mapStatus(p, resp.StatusCode, body)
	}

	acc := newAccumulator(call.Model.ID)
	created := time.Now().Unix()
	var usage models.Usage
	finish := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frag gemResponse
		if err := json.Unmarshal([]byte(data), &frag); err != nil {
			continue
		}
		if frag.UsageMetadata.TotalTokenCount > 0 {
			usage = models.Usage{
				PromptTokens:     frag.UsageMetadata.PromptTokenCount,
				CompletionTokens: frag.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      frag.UsageMetadata.TotalTokenCount,
			}
		}
		if fr := frag.finish(); fr != "" {
			finish = fr
		}
		if text := frag.text(); text != "" {
			chunk := models.ChatChunk{
				Object:  models.ObjectChatChunk,
				Created: created,
				Model:   call.Model.ID,
				Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Role: models.RoleAssistant, Content: text}}},
			}
			acc.add(chunk)
			emit(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return acc.response(), mapTransport(p, err)
	}

	if finish == "" {
		finish = models.FinishStop
	}
	final := models.ChatChunk{
		Object:  models.ObjectChatChunk,
		Created: created,
		Model:   call.Model.ID,
		Choices: []models.ChunkChoice{{FinishReason: finish}},
		Usage:   &usage,
	}
	acc.add(final)
	emit(final)
	return acc.response(), nil
}
