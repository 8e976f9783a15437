package handlers_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embeddedllm/jamai/internal/api"
	"github.com/embeddedllm/jamai/internal/api/handlers"
	"github.com/embeddedllm/jamai/internal/api/middleware"
	"github.com/embeddedllm/jamai/internal/billing"
	"github.com/embeddedllm/jamai/internal/dag"
	"github.com/embeddedllm/jamai/internal/executor"
	"github.com/embeddedllm/jamai/internal/lock"
	"github.com/embeddedllm/jamai/internal/objectstore"
	"github.com/embeddedllm/jamai/internal/providers"
	"github.com/embeddedllm/jamai/internal/rag"
	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/router"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/internal/table"
	"github.com/embeddedllm/jamai/pkg/models"
)

const serviceKey = "svc-test-key"

// ── Harness ─────────────────────────────────────────────────

type testBackend struct {
	*httptest.Server
	store *store.MemoryStore
	bill  *billing.Manager
	files *objectstore.Memory
}

// newBackend assembles the full HTTP stack on the in-memory store.
// serviceKey "" runs the open-access configuration.
func newBackend(t *testing.T, cloud bool, serviceKey string, configs ...*models.ModelConfig) *testBackend {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, mc := range configs {
		if err := st.UpsertModelConfig(ctx, mc); err != nil {
			t.Fatalf("UpsertModelConfig(%s) error = %v", mc.ID, err)
		}
	}
	reg := registry.New(st)
	bill := billing.NewManager(st, lock.NewLocal(), nil, cloud, time.Minute)
	rt := router.New(reg, providers.NewSet(http.DefaultClient), bill, 20*time.Millisecond)
	files := objectstore.NewMemory()
	plans := dag.NewCache()
	ex := executor.New(st, rt, reg, rag.New(st, rt), plans, files, nil, 4)
	tables := table.New(st, reg, rt, ex, plans, lock.NewLocal())

	h := handlers.New(st, reg, rt, tables, bill, files, nil, "0.0.0-test")
	srv := httptest.NewServer(api.NewRouter(h, middleware.NewAuth(st, bill, serviceKey, nil)))
	t.Cleanup(srv.Close)
	return &testBackend{Server: srv, store: st, bill: bill, files: files}
}

// seedDefaultTenant provisions the open-access org and project the way the
// server boot does.
func seedDefaultTenant(t *testing.T, st store.Store) {
	t.Helper()
	quotas := make(map[models.Product]models.Quota)
	for _, p := range []models.Product{
		models.ProductLLMTokens, models.ProductEmbeddingTokens,
		models.ProductRerankerSearches, models.ProductEgress,
	} {
		quotas[p] = models.Quota{Limit: -1}
	}
	ctx := context.Background()
	org := &models.Organization{ID: models.DefaultOrganizationID, Name: "Default Organization", Quotas: quotas}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization(default) error = %v", err)
	}
	project := &models.Project{ID: models.DefaultProjectID, Name: "Default Project", OrganizationID: org.ID}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject(default) error = %v", err)
	}
}

func (b *testBackend) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, b.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest(%s %s) error = %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := b.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// errEnvelope mirrors the error body every endpoint renders.
type errEnvelope struct {
	Error struct {
		Name    string `json:"name"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, body)
	}
}

// readSSE collects the data payloads of an event-stream body, the terminal
// [DONE] included.
func readSSE(t *testing.T, body io.Reader) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read event stream: %v", err)
	}
	return events
}

// ── Fake provider backends ──────────────────────────────────

func streamFrame(model, content, finish string, usage *models.Usage) string {
	chunk := models.ChatChunk{
		ID:     "chatcmpl-1",
		Object: models.ObjectChatChunk,
		Model:  model,
		Choices: []models.ChunkChoice{{
			Delta:        models.ChunkDelta{Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}
	b, _ := json.Marshal(chunk)
	return "data: " + string(b) + "\n\n"
}

// fakeChat fakes an OpenAI-compatible chat backend for both stream and
// non-stream requests.
func fakeChat(t *testing.T, hits *atomic.Int64, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req models.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		usage := &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			half := len(text) / 2
			fmt.Fprint(w, streamFrame(req.Model, text[:half], "", nil))
			fmt.Fprint(w, streamFrame(req.Model, text[half:], "", nil))
			fmt.Fprint(w, streamFrame(req.Model, "", "stop", usage))
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		resp := models.ChatResponse{
			ID:      "chatcmpl-1",
			Object:  models.ObjectChatCompletion,
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []models.ChatChoice{{
				Message:      models.ChatMessage{Role: models.RoleAssistant, Content: models.Content(text)},
				FinishReason: models.FinishStop,
			}},
			Usage: *usage,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatModel(id, ownedBy string, apiBase string) *models.ModelConfig {
	return &models.ModelConfig{
		ID:            id,
		Name:          id,
		OwnedBy:       ownedBy,
		Capabilities:  []models.Capability{models.CapChat},
		ContextLength: 8192,
		Deployments: []models.Deployment{{
			Provider: models.ProviderVLLM, APIBase: apiBase, Weight: 1,
		}},
	}
}

// ── Serving endpoints ───────────────────────────────────────

func TestHealth(t *testing.T) {
	b := newBackend(t, false, "")

	resp := b.request(t, http.MethodGet, "/api/health", "", nil)
	wantStatus(t, resp, http.StatusOK)

	var body map[string]string
	decodeInto(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
	if body["version"] != "0.0.0-test" {
		t.Errorf("version = %q, want %q", body["version"], "0.0.0-test")
	}
}

func TestChatCompletionsPicksDefaultModel(t *testing.T) {
	var ellmHits, otherHits atomic.Int64
	ellmSrv := fakeChat(t, &ellmHits, "default answered")
	otherSrv := fakeChat(t, &otherHits, "fallback answered")

	b := newBackend(t, false, "",
		chatModel("ellm/describe", "ellm", ellmSrv.URL),
		chatModel("other/fallback", "other", otherSrv.URL),
	)
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/v1/chat/completions", "", map[string]any{
		"model":    "",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	wantStatus(t, resp, http.StatusOK)

	var out models.ChatResponse
	decodeInto(t, resp, &out)
	if out.Model != "ellm/describe" {
		t.Errorf("response model = %q, want %q", out.Model, "ellm/describe")
	}
	if out.Text() != "default answered" {
		t.Errorf("response text = %q, want %q", out.Text(), "default answered")
	}
	if otherHits.Load() != 0 {
		t.Errorf("non-default backend hits = %d, want 0", otherHits.Load())
	}
}

func TestChatCompletionsContextOverflowShape(t *testing.T) {
	var hits atomic.Int64
	srv := fakeChat(t, &hits, "unreachable")

	mc := chatModel("ellm/tiny", "ellm", srv.URL)
	mc.ContextLength = 5
	b := newBackend(t, false, "", mc)
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/v1/chat/completions", "", map[string]any{
		"model":      "ellm/tiny",
		"messages":   []map[string]any{{"role": "user", "content": "hi"}},
		"max_tokens": 100,
	})
	wantStatus(t, resp, http.StatusBadRequest)

	var env errEnvelope
	decodeInto(t, resp, &env)
	if env.Error.Code != "context_length_exceeded" {
		t.Errorf("error.code = %q, want %q", env.Error.Code, "context_length_exceeded")
	}
	if env.Error.Type != "invalid_request_error" {
		t.Errorf("error.type = %q, want %q", env.Error.Type, "invalid_request_error")
	}
	if hits.Load() != 0 {
		t.Errorf("provider hits = %d, want 0", hits.Load())
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	b := newBackend(t, false, "")
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/v1/chat/completions", "", map[string]any{
		"model":    "nope/never",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	wantStatus(t, resp, http.StatusNotFound)

	var env errEnvelope
	decodeInto(t, resp, &env)
	if env.Error.Name != "resource_not_found" {
		t.Errorf("error.name = %q, want %q", env.Error.Name, "resource_not_found")
	}
}

func TestChatCompletionsStream(t *testing.T) {
	var hits atomic.Int64
	srv := fakeChat(t, &hits, "streamed text")

	b := newBackend(t, false, "", chatModel("ellm/stream", "ellm", srv.URL))
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/v1/chat/completions", "", map[string]any{
		"model":    "ellm/stream",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readSSE(t, resp.Body)
	if len(events) == 0 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream must terminate with [DONE], got %v", events)
	}
	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		var chunk models.ChatChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("chunk decode: %v (%s)", err, ev)
		}
		if chunk.Object != models.ObjectChatChunk {
			t.Errorf("chunk object = %q, want %q", chunk.Object, models.ObjectChatChunk)
		}
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
	}
	if text.String() != "streamed text" {
		t.Errorf("streamed text = %q, want %q", text.String(), "streamed text")
	}
}

func TestChatCompletionsStreamPreflightErrorIsJSON(t *testing.T) {
	b := newBackend(t, false, "")
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/v1/chat/completions", "", map[string]any{
		"model":    "nope/never",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	wantStatus(t, resp, http.StatusNotFound)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json for pre-flight failures", ct)
	}
}

func TestChatCompletionsQuotaGate(t *testing.T) {
	var hits atomic.Int64
	srv := fakeChat(t, &hits, "unreachable")

	b := newBackend(t, true, "", chatModel("ellm/gated", "ellm", srv.URL))
	ctx := context.Background()
	org := &models.Organization{
		ID:     "org_broke",
		Name:   "Broke",
		Quotas: map[models.Product]models.Quota{models.ProductLLMTokens: {Limit: 100, Usage: 100}},
	}
	if err := b.store.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization() error = %v", err)
	}
	project := &models.Project{ID: "proj_broke", Name: "Broke", OrganizationID: org.ID, APIKey: "jamai_sk_broke"}
	if err := b.store.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	resp := b.request(t, http.MethodPost, "/api/v1/chat/completions", "jamai_sk_broke", map[string]any{
		"model":    "ellm/gated",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	wantStatus(t, resp, http.StatusForbidden)

	var env errEnvelope
	decodeInto(t, resp, &env)
	if env.Error.Name != "insufficient_credits" {
		t.Errorf("error.name = %q, want %q", env.Error.Name, "insufficient_credits")
	}
	if env.Error.Type != "permission_error" {
		t.Errorf("error.type = %q, want %q", env.Error.Type, "permission_error")
	}
	if hits.Load() != 0 {
		t.Errorf("provider hits = %d, want 0", hits.Load())
	}

	// The denied call must not move the LLM meters.
	if err := b.bill.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	after, err := b.store.GetOrganization(ctx, "org_broke")
	if err != nil {
		t.Fatalf("GetOrganization() error = %v", err)
	}
	if got := after.Quotas[models.ProductLLMTokens].Usage; got != 100 {
		t.Errorf("llm_tokens usage = %v, want 100 (unchanged)", got)
	}
	if after.Credit != 0 || after.CreditGrant != 0 {
		t.Errorf("credit = %v/%v, want 0/0", after.Credit, after.CreditGrant)
	}
}

func TestEmbeddingsValidation(t *testing.T) {
	b := newBackend(t, false, "")
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/v1/embeddings", "", map[string]any{
		"model": "ellm/embed",
		"input": []string{},
	})
	wantStatus(t, resp, http.StatusBadRequest)

	var env errEnvelope
	decodeInto(t, resp, &env)
	if env.Error.Name != "bad_input" {
		t.Errorf("error.name = %q, want %q", env.Error.Name, "bad_input")
	}
}

func TestRerankValidation(t *testing.T) {
	b := newBackend(t, false, "")
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/v1/rerank", "", map[string]any{
		"model":     "ellm/rerank",
		"documents": []string{"a"},
	})
	wantStatus(t, resp, http.StatusBadRequest)
}

func TestListModelsCapabilityFilter(t *testing.T) {
	embed := &models.ModelConfig{
		ID: "ellm/embed", Name: "ellm/embed", OwnedBy: "ellm",
		Capabilities:  []models.Capability{models.CapEmbed},
		EmbeddingSize: 16,
		Deployments:   []models.Deployment{{Provider: models.ProviderVLLM, APIBase: "http://x", Weight: 1}},
	}
	b := newBackend(t, false, "", chatModel("ellm/chat", "ellm", "http://x"), embed)
	seedDefaultTenant(t, b.store)

	resp := b.request(t, http.MethodGet, "/api/v1/models?capabilities=embed", "", nil)
	wantStatus(t, resp, http.StatusOK)

	var out models.ModelListResponse
	decodeInto(t, resp, &out)
	if out.Object != "list" {
		t.Errorf("object = %q, want %q", out.Object, "list")
	}
	if len(out.Data) != 1 || out.Data[0].ID != "ellm/embed" {
		t.Fatalf("data = %+v, want exactly ellm/embed", out.Data)
	}
	if out.Data[0].Object != "model" {
		t.Errorf("data[0].object = %q, want %q", out.Data[0].Object, "model")
	}
}

// ── Generative tables over HTTP ─────────────────────────────

func createNotesTable(t *testing.T, b *testBackend, model string) table.Meta {
	t.Helper()
	resp := b.request(t, http.MethodPost, "/api/v2/gen_tables/action", "", models.TableCreateRequest{
		ID: "notes",
		Cols: []models.ColumnSchema{
			{ID: "text", Dtype: models.DtypeStr},
			{ID: "summary", Dtype: models.DtypeStr, GenConfig: models.NewLLMGenConfig(models.LLMGenConfig{
				Model:  model,
				Prompt: "Summarize: ${text}",
			})},
		},
	})
	wantStatus(t, resp, http.StatusOK)
	var meta table.Meta
	decodeInto(t, resp, &meta)
	return meta
}

func TestGenTableLifecycle(t *testing.T) {
	var hits atomic.Int64
	srv := fakeChat(t, &hits, "a short summary")

	b := newBackend(t, false, "", chatModel("ellm/fake", "ellm", srv.URL))
	seedDefaultTenant(t, b.store)

	meta := createNotesTable(t, b, "ellm/fake")
	if meta.ID != "notes" {
		t.Fatalf("created table id = %q, want %q", meta.ID, "notes")
	}
	for _, col := range []string{models.ColID, models.ColUpdatedAt, "text", "summary"} {
		if meta.ColumnIndex(col) < 0 {
			t.Errorf("created table misses column %q", col)
		}
	}
	if meta.NumRows != 0 {
		t.Errorf("num_rows = %d, want 0", meta.NumRows)
	}

	// Add a row; the output column generates through the fake backend.
	resp := b.request(t, http.MethodPost, "/api/v2/gen_tables/action/rows/add", "", models.RowAddRequest{
		TableID: "notes",
		Data:    []map[string]any{{"text": "hello world"}},
	})
	wantStatus(t, resp, http.StatusOK)
	var added struct {
		Rows []models.Row `json:"rows"`
	}
	decodeInto(t, resp, &added)
	if len(added.Rows) != 1 {
		t.Fatalf("added rows = %d, want 1", len(added.Rows))
	}
	if got := added.Rows[0].Str("summary"); got != "a short summary" {
		t.Errorf("generated summary = %q, want %q", got, "a short summary")
	}
	rowID := added.Rows[0].ID()
	if rowID == "" {
		t.Fatal("added row has no ID")
	}

	// List rows.
	resp = b.request(t, http.MethodGet, "/api/v2/gen_tables/action/notes/rows", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var page models.Page[models.Row]
	decodeInto(t, resp, &page)
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("rows page total/items = %d/%d, want 1/1", page.Total, len(page.Items))
	}

	// Fetch one row.
	resp = b.request(t, http.MethodGet, "/api/v2/gen_tables/action/notes/rows/"+rowID, "", nil)
	wantStatus(t, resp, http.StatusOK)

	// Table meta reports the row count.
	resp = b.request(t, http.MethodGet, "/api/v2/gen_tables/action/notes", "", nil)
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &meta)
	if meta.NumRows != 1 {
		t.Errorf("num_rows after add = %d, want 1", meta.NumRows)
	}

	// Rename, then the old id is gone.
	resp = b.request(t, http.MethodPost, "/api/v2/gen_tables/action/rename/notes/journal", "", nil)
	wantStatus(t, resp, http.StatusOK)
	resp = b.request(t, http.MethodGet, "/api/v2/gen_tables/action/notes", "", nil)
	wantStatus(t, resp, http.StatusNotFound)

	// Delete.
	resp = b.request(t, http.MethodDelete, "/api/v2/gen_tables/action/journal", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var ok map[string]bool
	decodeInto(t, resp, &ok)
	if !ok["ok"] {
		t.Errorf("delete response = %v, want ok:true", ok)
	}
	resp = b.request(t, http.MethodGet, "/api/v2/gen_tables/action/journal", "", nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestGenTableListPage(t *testing.T) {
	b := newBackend(t, false, "", chatModel("ellm/fake", "ellm", "http://unused"))
	seedDefaultTenant(t, b.store)
	createNotesTable(t, b, "ellm/fake")

	resp := b.request(t, http.MethodGet, "/api/v2/gen_tables/action?limit=10", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var page models.Page[table.Meta]
	decodeInto(t, resp, &page)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != "notes" {
		t.Fatalf("tables page = %+v, want exactly notes", page)
	}
	if page.Limit != 10 {
		t.Errorf("page.limit = %d, want 10", page.Limit)
	}
}

func TestGenTableV1MountWarns(t *testing.T) {
	b := newBackend(t, false, "", chatModel("ellm/fake", "ellm", "http://unused"))
	seedDefaultTenant(t, b.store)
	createNotesTable(t, b, "ellm/fake")

	resp := b.request(t, http.MethodGet, "/api/v1/gen_tables/action/notes", "", nil)
	wantStatus(t, resp, http.StatusOK)
	if warning := resp.Header.Get("Warning"); !strings.Contains(warning, "/api/v2") {
		t.Errorf("Warning header = %q, want a /api/v2 deprecation notice", warning)
	}

	// The v2 mount carries no deprecation warning.
	resp = b.request(t, http.MethodGet, "/api/v2/gen_tables/action/notes", "", nil)
	wantStatus(t, resp, http.StatusOK)
	if warning := resp.Header.Get("Warning"); warning != "" {
		t.Errorf("v2 Warning header = %q, want empty", warning)
	}
}

func TestRowsAddStream(t *testing.T) {
	var hits atomic.Int64
	srv := fakeChat(t, &hits, "streamed summary")

	b := newBackend(t, false, "", chatModel("ellm/fake", "ellm", srv.URL))
	seedDefaultTenant(t, b.store)
	createNotesTable(t, b, "ellm/fake")

	resp := b.request(t, http.MethodPost, "/api/v2/gen_tables/action/rows/add", "", models.RowAddRequest{
		TableID: "notes",
		Data:    []map[string]any{{"text": "hello"}},
		Stream:  true,
	})
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readSSE(t, resp.Body)
	if len(events) == 0 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream must terminate with [DONE], got %d events", len(events))
	}
	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		var chunk models.CellChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("chunk decode: %v (%s)", err, ev)
		}
		if chunk.Object != models.ObjectCellChunk {
			continue
		}
		if chunk.OutputColumnName != "summary" {
			t.Errorf("chunk column = %q, want %q", chunk.OutputColumnName, "summary")
		}
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
	}
	if text.String() != "streamed summary" {
		t.Errorf("streamed cell text = %q, want %q", text.String(), "streamed summary")
	}

	// The streamed row is persisted.
	resp = b.request(t, http.MethodGet, "/api/v2/gen_tables/action/notes/rows", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var page models.Page[models.Row]
	decodeInto(t, resp, &page)
	if page.Total != 1 {
		t.Errorf("rows after streamed add = %d, want 1", page.Total)
	}
}

func TestFilesFetchStreamsObject(t *testing.T) {
	b := newBackend(t, false, "")
	seedDefaultTenant(t, b.store)

	uri, err := b.files.Put(context.Background(), "docs/a.txt", "text/plain", []byte("hello file"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if uri != "s3://file/docs/a.txt" {
		t.Fatalf("Put() uri = %q, want %q", uri, "s3://file/docs/a.txt")
	}

	resp := b.request(t, http.MethodGet, "/api/v1/files/file/docs/a.txt", "", nil)
	wantStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello file" {
		t.Errorf("file body = %q, want %q", body, "hello file")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

// ── Admin plane ─────────────────────────────────────────────

func seedKeyedTenant(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	org := &models.Organization{ID: "org_1", Name: "Acme"}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization() error = %v", err)
	}
	project := &models.Project{ID: "proj_1", Name: "Web", OrganizationID: "org_1", APIKey: "jamai_sk_test"}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
}

func TestAdminRequiresServiceKey(t *testing.T) {
	b := newBackend(t, false, serviceKey)
	seedKeyedTenant(t, b.store)

	resp := b.request(t, http.MethodGet, "/api/admin/organizations", "jamai_sk_test", nil)
	wantStatus(t, resp, http.StatusUnauthorized)

	resp = b.request(t, http.MethodGet, "/api/admin/organizations", serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
}

func TestAdminOrganizationLifecycle(t *testing.T) {
	b := newBackend(t, false, serviceKey)

	// Create with a BYOK key; responses always mask it.
	resp := b.request(t, http.MethodPost, "/api/admin/organizations", serviceKey, map[string]any{
		"name":          "Acme",
		"external_keys": map[string]string{"openai": "sk-secret-123"},
	})
	wantStatus(t, resp, http.StatusCreated)
	var org models.Organization
	decodeInto(t, resp, &org)
	if !strings.HasPrefix(org.ID, "org_") {
		t.Errorf("org id = %q, want org_ prefix", org.ID)
	}
	if got := org.ExternalKeys["openai"]; strings.Contains(got, "secret") {
		t.Errorf("external key leaked in response: %q", got)
	}

	// The store keeps the usable value.
	stored, err := b.store.GetOrganization(context.Background(), org.ID)
	if err != nil {
		t.Fatalf("GetOrganization() error = %v", err)
	}
	if stored.ExternalKeys["openai"] != "sk-secret-123" {
		t.Errorf("stored external key = %q, want the original", stored.ExternalKeys["openai"])
	}

	// Credit patch.
	resp = b.request(t, http.MethodPatch, "/api/admin/organizations/"+org.ID+"/credit", serviceKey, map[string]any{
		"credit": 12.5, "credit_grant": 3.0,
	})
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &org)
	if org.Credit != 12.5 || org.CreditGrant != 3.0 {
		t.Errorf("credit = %v/%v, want 12.5/3", org.Credit, org.CreditGrant)
	}

	// Quota patch merges per product.
	resp = b.request(t, http.MethodPatch, "/api/admin/organizations/"+org.ID+"/quotas", serviceKey, map[string]any{
		"quotas": map[string]any{"llm_tokens": map[string]any{"limit": 1000}},
	})
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &org)
	if org.Quotas[models.ProductLLMTokens].Limit != 1000 {
		t.Errorf("llm_tokens limit = %v, want 1000", org.Quotas[models.ProductLLMTokens].Limit)
	}

	// External keys replace wholesale.
	resp = b.request(t, http.MethodPut, "/api/admin/organizations/"+org.ID+"/external-keys", serviceKey, map[string]string{
		"anthropic": "sk-ant-xyz",
	})
	wantStatus(t, resp, http.StatusOK)
	// json.Unmarshal merges into a non-nil map; reset so the decode
	// reflects only the response body.
	org = models.Organization{}
	decodeInto(t, resp, &org)
	if _, ok := org.ExternalKeys["openai"]; ok {
		t.Error("replaced key map still carries openai")
	}

	resp = b.request(t, http.MethodDelete, "/api/admin/organizations/"+org.ID, serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
	resp = b.request(t, http.MethodGet, "/api/admin/organizations/"+org.ID, serviceKey, nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestAdminProjectLifecycle(t *testing.T) {
	b := newBackend(t, false, serviceKey)
	seedKeyedTenant(t, b.store)

	resp := b.request(t, http.MethodPost, "/api/admin/projects", serviceKey, map[string]any{
		"name": "Mobile", "organization_id": "org_1",
	})
	wantStatus(t, resp, http.StatusCreated)
	var project models.Project
	decodeInto(t, resp, &project)
	if !strings.HasPrefix(project.APIKey, "jamai_sk_") {
		t.Errorf("generated api key = %q, want jamai_sk_ prefix", project.APIKey)
	}

	// Listing masks keys.
	resp = b.request(t, http.MethodGet, "/api/admin/projects?organization_id=org_1", serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
	var projects []models.Project
	decodeInto(t, resp, &projects)
	for _, p := range projects {
		if strings.HasPrefix(p.APIKey, "jamai_sk_te") {
			t.Errorf("project list leaks api key %q", p.APIKey)
		}
	}

	resp = b.request(t, http.MethodPatch, "/api/admin/projects/"+project.ID, serviceKey, map[string]any{
		"name": "Mobile v2",
	})
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &project)
	if project.Name != "Mobile v2" {
		t.Errorf("patched name = %q, want %q", project.Name, "Mobile v2")
	}

	resp = b.request(t, http.MethodDelete, "/api/admin/projects/"+project.ID, serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
}

func TestAdminProjectRequiresKnownOrg(t *testing.T) {
	b := newBackend(t, false, serviceKey)

	resp := b.request(t, http.MethodPost, "/api/admin/projects", serviceKey, map[string]any{
		"name": "Orphan", "organization_id": "org_missing",
	})
	wantStatus(t, resp, http.StatusNotFound)
}

func TestAdminModelConfig(t *testing.T) {
	b := newBackend(t, false, serviceKey)

	cfg := chatModel("ellm/fake", "ellm", "http://upstream")
	cfg.Deployments[0].APIKey = "sk-deployment-secret"

	resp := b.request(t, http.MethodPut, "/api/admin/models", serviceKey, cfg)
	wantStatus(t, resp, http.StatusOK)
	var got models.ModelConfig
	decodeInto(t, resp, &got)
	if strings.Contains(got.Deployments[0].APIKey, "secret") {
		t.Errorf("deployment key leaked in response: %q", got.Deployments[0].APIKey)
	}

	resp = b.request(t, http.MethodPatch, "/api/admin/models/ellm/fake/deployments/0", serviceKey, map[string]any{
		"weight": 7,
	})
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &got)
	if got.Deployments[0].Weight != 7 {
		t.Errorf("patched weight = %d, want 7", got.Deployments[0].Weight)
	}

	resp = b.request(t, http.MethodGet, "/api/admin/models", serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
	var list []models.ModelConfig
	decodeInto(t, resp, &list)
	if len(list) != 1 || list[0].ID != "ellm/fake" {
		t.Fatalf("model list = %+v, want exactly ellm/fake", list)
	}

	resp = b.request(t, http.MethodDelete, "/api/admin/models/ellm/fake", serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
	resp = b.request(t, http.MethodGet, "/api/admin/models", serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
	list = nil
	decodeInto(t, resp, &list)
	if len(list) != 0 {
		t.Errorf("model list after delete = %+v, want empty", list)
	}
}

func TestAdminBillingFlush(t *testing.T) {
	b := newBackend(t, false, serviceKey)

	resp := b.request(t, http.MethodPost, "/api/admin/billing/flush", serviceKey, nil)
	wantStatus(t, resp, http.StatusOK)
	var ok map[string]bool
	decodeInto(t, resp, &ok)
	if !ok["ok"] {
		t.Errorf("flush response = %v, want ok:true", ok)
	}
}
