package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"net/http"

	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

const (
	defaultOpenAIBase = "https://api.openai.com/v1"
	azureAPIVersion   = "2024-06-01"
)

// openAI speaks the OpenAI wire dialect. It also serves every
// OpenAI-compatible backend (vLLM, Ollama, Infinity, custom gateways) via
// api_base, and Azure OpenAI via the api-key header and api-version query.
type openAI struct {
	client *http.Client
	azure  bool
}

func (o *openAI) url(d models.Deployment, path string) string {
	u := baseURL(d, defaultOpenAIBase) + path
	if o.azure {
		u += "?api-version=" + azureAPIVersion
	}
	return u
}

func (o *openAI) headers(call Call) map[string]string {
	h := map[string]string{}
	if call.APIKey == "" {
		return h
	}
	if o.azure {
		h["api-key"] = call.APIKey
	} else {
		h["Authorization"] = "Bearer " + call.APIKey
	}
	return h
}

// wireRequest rewrites the request for the vendor: routing model name, no
// internal id, stream flag per mode. Usage on streams is requested so the
// final chunk carries token counts.
func (o *openAI) wireRequest(call Call, req *models.ChatRequest, stream bool) *models.ChatRequest {
	wire := *req
	wire.ID = ""
	wire.Model = call.RoutingName()
	wire.Stream = stream
	if stream {
		wire.StreamOpts = &models.StreamOptions{IncludeUsage: true}
	} else {
		wire.StreamOpts = nil
	}
	return &wire
}

func (o *openAI) Chat(ctx context.Context, call Call, req *models.ChatRequest) (*models.ChatResponse, error) {
	p := call.Deployment.Provider
	resp, err := postJSON(ctx, o.client, o.url(call.Deployment, "/chat/completions"), o.headers(call), o.wireRequest(call, req, false))
	if err != nil {
		return nil, mapTransport(p, err)
	}
	var out models.ChatResponse
	if err := decodeOrFail(p, resp, &out); err != nil {
		return nil, err
	}
	out.Model = call.Model.ID
	return &out, nil
}

func (o *openAI) ChatStream(ctx context.Context, call Call, req *models.ChatRequest, emit ChunkFunc) (*models.ChatResponse, error) {
	p := call.Deployment.Provider
	resp, err := postJSON(ctx, o.client, o.url(call.Deployment, "/chat/completions"), o.headers(call), o.wireRequest(call, req, true))
	if err != nil {
		return nil, mapTransport(p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, mapStatus(p, resp.StatusCode, body)
	}

	acc := newAccumulator(call.Model.ID)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk models.ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		chunk.Model = call.Model.ID
		acc.add(chunk)
		emit(chunk)
	}
	if err := scanner.Err(); err != nil {
		return acc.response(), mapTransport(p, err)
	}
	return acc.response(), nil
}

// ── Embeddings ──────────────────────────────────────────────

type oaiEmbedRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

func (o *openAI) Embed(ctx context.Context, call Call, req *models.EmbedRequest) (*models.EmbedResponse, error) {
	p := call.Deployment.Provider
	wire := oaiEmbedRequest{
		Model:          call.RoutingName(),
		Input:          req.Input,
		EncodingFormat: req.EncodingFormat,
		Dimensions:     req.Dimensions,
	}
	resp, err := postJSON(ctx, o.client, o.url(call.Deployment, "/embeddings"), o.headers(call), wire)
	if err != nil {
		return nil, mapTransport(p, err)
	}
	var out models.EmbedResponse
	if err := decodeOrFail(p, resp, &out); err != nil {
		return nil, err
	}
	out.Model = call.Model.ID
	return &out, nil
}

// ── Rerank (Infinity and compatible gateways) ───────────────

type oaiRerankRequest struct {
	Model           string   `json:"model,omitempty"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
}

func (o *openAI) Rerank(ctx context.Context, call Call, req *models.RerankRequest) (*models.RerankResponse, error) {
	p := call.Deployment.Provider
	if call.Deployment.APIBase == "" {
		return nil, errs.BadInput("provider %q requires an api_base for rerank", p)
	}
	wire := oaiRerankRequest{
		Model:           call.RoutingName(),
		Query:           req.Query,
		Documents:       req.Documents,
		TopN:            req.TopN,
		ReturnDocuments: req.ReturnDocuments,
	}
	resp, err := postJSON(ctx, o.client, o.url(call.Deployment, "/rerank"), o.headers(call), wire)
	if err != nil {
		return nil, mapTransport(p, err)
	}
	var out models.RerankResponse
	if err := decodeOrFail(p, resp, &out); err != nil {
		return nil, err
	}
	out.Object = "rerank"
	out.Model = call.Model.ID
	sort.SliceStable(out.Results, func(i, j int) bool {
		return out.Results[i].RelevanceScore > out.Results[j].RelevanceScore
	})
	return &out, nil
}
