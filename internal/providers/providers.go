// Package providers holds the vendor adapters of the serving layer. Every
// adapter translates the OpenAI-compatible wire types in pkg/models to and
// from one vendor dialect and maps vendor failures onto the canonical error
// kinds. Adapters never retry; the router owns retries and cooldowns.
package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"os"
	"strings"

	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// Call bundles everything an adapter needs for one upstream request: the
// model config, the deployment chosen by the router, and the resolved key.
type Call struct {
	Model      *models.ModelConfig
	Deployment models.Deployment
	APIKey     string
}

// RoutingName is the vendor-side model identifier: the name segment of the
// model id ("openai/gpt-4o-mini" routes as "gpt-4o-mini").
func (c Call) RoutingName() string {
	if _, name, err := models.ParseModelID(c.Model.ID); err == nil {
		return name
	}
	return c.Model.ID
}

// ChunkFunc receives streamed chunks in arrival order.
type ChunkFunc func(models.ChatChunk)

// ChatProvider serves chat completions. ChatStream returns the assembled
// final response (text and usage) so callers never re-aggregate chunks.
type ChatProvider interface {
	Chat(ctx context.Context, call Call, req *models.ChatRequest) (*models.ChatResponse, error)
	ChatStream(ctx context.Context, call Call, req *models.ChatRequest, emit ChunkFunc) (*models.ChatResponse, error)
}

type EmbedProvider interface {
	Embed(ctx context.Context, call Call, req *models.EmbedRequest) (*models.EmbedResponse, error)
}

type RerankProvider interface {
	Rerank(ctx context.Context, call Call, req *models.RerankRequest) (*models.RerankResponse, error)
}

// ── Adapter set ─────────────────────────────────────────────

// Set maps provider tags to adapters per capability.
type Set struct {
	chat   map[models.Provider]ChatProvider
	embed  map[models.Provider]EmbedProvider
	rerank map[models.Provider]RerankProvider
}

// NewSet wires the built-in adapters. A nil client uses http.DefaultClient;
// per-request deadlines come from the context, not the client.
func NewSet(client *http.Client) *Set {
	if client == nil {
		client = http.DefaultClient
	}
	oai := &openAI{client: client}
	azure := &openAI{client: client, azure: true}
	anthropic := &anthropicAdapter{client: client}
	gemini := &geminiAdapter{client: client}
	cohere := &cohereAdapter{client: client}
	bedrock := newBedrockAdapter()
	infinity := &openAI{client: client}

	s := &Set{
		chat:   make(map[models.Provider]ChatProvider),
		embed:  make(map[models.Provider]EmbedProvider),
		rerank: make(map[models.Provider]RerankProvider),
	}
	s.chat[models.ProviderOpenAI] = oai
	s.chat[models.ProviderAzureOpenAI] = azure
	s.chat[models.ProviderAnthropic] = anthropic
	s.chat[models.ProviderGemini] = gemini
	s.chat[models.ProviderBedrock] = bedrock
	// OpenAI-compatible self-hosted backends share the openai adapter and
	// differ only in api_base.
	s.chat[models.ProviderVLLM] = oai
	s.chat[models.ProviderOllama] = oai
	s.chat[models.ProviderCustom] = oai

	s.embed[models.ProviderOpenAI] = oai
	s.embed[models.ProviderAzureOpenAI] = azure
	s.embed[models.ProviderCohere] = cohere
	s.embed[models.ProviderBedrock] = bedrock
	s.embed[models.ProviderVLLM] = oai
	s.embed[models.ProviderOllama] = oai
	s.embed[models.ProviderInfinity] = infinity
	s.embed[models.ProviderCustom] = oai

	s.rerank[models.ProviderCohere] = cohere
	s.rerank[models.ProviderInfinity] = infinity
	s.rerank[models.ProviderCustom] = infinity
	return s
}

// Chat returns the chat adapter for a provider.
func (s *Set) Chat(p models.Provider) (ChatProvider, error) {
	a, ok := s.chat[p]
	if !ok {
		return nil, errs.BadInput("provider %q does not serve chat", p)
	}
	return a, nil
}

// Embed returns the embedding adapter for a provider.
func (s *Set) Embed(p models.Provider) (EmbedProvider, error) {
	a, ok := s.embed[p]
	if !ok {
		return nil, errs.BadInput("provider %q does not serve embeddings", p)
	}
	return a, nil
}

// Rerank returns the rerank adapter for a provider.
func (s *Set) Rerank(p models.Provider) (RerankProvider, error) {
	a, ok := s.rerank[p]
	if !ok {
		return nil, errs.BadInput("provider %q does not serve rerank", p)
	}
	return a, nil
}

// ── API key resolution ──────────────────────────────────────

// envKeyNames maps providers to their conventional environment variables.
var envKeyNames = map[models.Provider]string{
	models.ProviderOpenAI:      "OPENAI_API_KEY",
	models.ProviderAzureOpenAI: "AZURE_OPENAI_API_KEY",
	models.ProviderAnthropic:   "ANTHROPIC_API_KEY",
	models.ProviderGemini:      "GEMINI_API_KEY",
	models.ProviderCohere:      "COHERE_API_KEY",
}

// keylessProviders can serve without any credential (self-hosted endpoints;
// bedrock authenticates through the AWS credential chain instead).
var keylessProviders = map[models.Provider]bool{
	models.ProviderVLLM:     true,
	models.ProviderOllama:   true,
	models.ProviderInfinity: true,
	models.ProviderCustom:   true,
	models.ProviderBedrock:  true,
}

// ResolveKey picks the API key for a deployment: explicit deployment key,
// then the organization's external key for the provider, then the process
// environment. Empty means no key was found.
func ResolveKey(org *models.Organization, d models.Deployment) string {
	if d.APIKey != "" {
		return d.APIKey
	}
	if org != nil {
		if k := org.ExternalKeys[string(d.Provider)]; k != "" {
			return k
		}
	}
	if name := envKeyNames[d.Provider]; name != "" {
		return os.Getenv(name)
	}
	return ""
}

// RequireKey fails with provider_auth before any dial when a provider that
// needs a credential has none.
func RequireKey(org *models.Organization, d models.Deployment) (string, error) {
	key := ResolveKey(org, d)
	if key == "" && !keylessProviders[d.Provider] {
		return "", errs.New(errs.KindProviderAuth, "no API key configured for provider %q", d.Provider)
	}
	return key, nil
}

// ── Shared HTTP plumbing ────────────────────────────────────

// maxErrorBody bounds how much of a failure body is kept as error detail.
const maxErrorBody = 2048

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Unexpected(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Unexpected(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// decodeOrFail reads the response: 2xx decodes into out, anything else maps
// to a canonical error.
func decodeOrFail(p models.Provider, resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return mapStatus(p, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindProviderUnavailable, err, "provider %q returned an unreadable response", p)
	}
	return nil
}

// trimDetail keeps error bodies loggable.
func trimDetail(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

// baseURL returns the deployment endpoint with a default and no trailing
// slash.
func baseURL(d models.Deployment, fallback string) string {
	base := d.APIBase
	if base == "" {
		base = fallback
	}
	return strings.TrimRight(base, "/")
}

// ── Encoding helpers ────────────────────────────────────────

// encodeBase64 packs a vector as little-endian float32 bytes, the OpenAI
// base64 embedding convention. Adapters whose vendors only return floats use
// it to honor encoding_format=base64.
func encodeBase64(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// toFloat32 narrows a JSON-decoded []any of numbers.
func toFloat32(raw []any) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			out[i] = float32(f)
		}
	}
	return out
}
