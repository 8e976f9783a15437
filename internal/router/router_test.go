package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embeddedllm/jamai/internal/billing"
	"github.com/embeddedllm/jamai/internal/lock"
	"github.com/embeddedllm/jamai/internal/providers"
	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/router"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// chatServer fakes an OpenAI-compatible backend. Every hit increments hits;
// non-2xx statuses return an OpenAI-style error body.
func chatServer(t *testing.T, hits *atomic.Int64, status int, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"backend says no"}}`)
			return
		}
		var req models.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := models.ChatResponse{
			ID:      "chatcmpl-1",
			Object:  models.ObjectChatCompletion,
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []models.ChatChoice{{
				Index:        0,
				Message:      models.ChatMessage{Role: models.RoleAssistant, Content: models.Content(text)},
				FinishReason: models.FinishStop,
			}},
			Usage: models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatModel(id string, deployments ...models.Deployment) *models.ModelConfig {
	return &models.ModelConfig{
		ID:            id,
		Name:          id,
		Capabilities:  []models.Capability{models.CapChat},
		ContextLength: 8192,
		Deployments:   deployments,
		OwnedBy:       "ellm",
	}
}

func vllmDeployment(apiBase string, weight int) models.Deployment {
	return models.Deployment{Provider: models.ProviderVLLM, APIBase: apiBase, Weight: weight}
}

func newRouter(t *testing.T, configs ...*models.ModelConfig) (*router.Router, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, mc := range configs {
		if err := st.UpsertModelConfig(ctx, mc); err != nil {
			t.Fatalf("UpsertModelConfig(%s) error = %v", mc.ID, err)
		}
	}
	reg := registry.New(st)
	bill := billing.NewManager(st, lock.NewLocal(), nil, false, time.Second)
	r := router.New(reg, providers.NewSet(http.DefaultClient), bill, 20*time.Millisecond)
	return r, st
}

func chatReq(model string) *models.ChatRequest {
	return &models.ChatRequest{
		Model:    model,
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: models.Content("hi")}},
	}
}

func TestCompletionEmptyModelPicksDefault(t *testing.T) {
	var ellmHits, otherHits atomic.Int64
	ellmSrv := chatServer(t, &ellmHits, http.StatusOK, "default answered")
	otherSrv := chatServer(t, &otherHits, http.StatusOK, "fallback answered")

	r, _ := newRouter(t,
		chatModel("ellm/describe", vllmDeployment(ellmSrv.URL, 1)),
		chatModel("other/fallback", vllmDeployment(otherSrv.URL, 1)),
	)

	req := chatReq("")
	resp, err := r.Completion(context.Background(), nil, req)
	if err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if resp.Text() != "default answered" {
		t.Errorf("Completion().Text() = %q, want %q", resp.Text(), "default answered")
	}
	if req.Model != "ellm/describe" {
		t.Errorf("resolved req.Model = %q, want %q", req.Model, "ellm/describe")
	}
	if otherHits.Load() != 0 {
		t.Errorf("non-default backend hits = %d, want 0", otherHits.Load())
	}
}

func TestCompletionContextOverflow(t *testing.T) {
	var hits atomic.Int64
	srv := chatServer(t, &hits, http.StatusOK, "unreachable")

	mc := chatModel("ellm/tiny", vllmDeployment(srv.URL, 1))
	mc.ContextLength = 5
	r, _ := newRouter(t, mc)

	req := chatReq("ellm/tiny")
	maxTok := 100
	req.MaxTokens = &maxTok
	_, err := r.Completion(context.Background(), nil, req)
	if errs.KindOf(err) != errs.KindContextOverflow {
		t.Fatalf("Completion() error kind = %v, want %v", errs.KindOf(err), errs.KindContextOverflow)
	}
	if e := errs.AsError(err); e.Code != errs.CodeContextLengthExceeded {
		t.Errorf("error code = %v, want %v", e.Code, errs.CodeContextLengthExceeded)
	}
	if hits.Load() != 0 {
		t.Errorf("provider hits = %d, want 0 (overflow rejected before dispatch)", hits.Load())
	}
}

func TestCompletionRetriesOnRateLimit(t *testing.T) {
	var badHits, goodHits atomic.Int64
	bad := chatServer(t, &badHits, http.StatusTooManyRequests, "")
	good := chatServer(t, &goodHits, http.StatusOK, "recovered")

	r, st := newRouter(t, chatModel("ellm/retry",
		vllmDeployment(bad.URL, 1),
		vllmDeployment(good.URL, 0),
	))

	resp, err := r.Completion(context.Background(), nil, chatReq("ellm/retry"))
	if err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("Completion().Text() = %q, want %q", resp.Text(), "recovered")
	}
	if badHits.Load() != 1 || goodHits.Load() != 1 {
		t.Errorf("backend hits = %d/%d, want 1/1", badHits.Load(), goodHits.Load())
	}

	mc, err := st.GetModelConfig(context.Background(), "ellm/retry")
	if err != nil {
		t.Fatalf("GetModelConfig() error = %v", err)
	}
	if !mc.Deployments[0].CooldownUntil.After(time.Now()) {
		t.Error("rate-limited deployment should be cooling down")
	}
	if mc.Deployments[1].CooldownUntil.After(time.Now()) {
		t.Error("healthy deployment should not be cooling down")
	}
}

func TestCompletionAuthErrorIsTerminal(t *testing.T) {
	var badHits, spareHits atomic.Int64
	bad := chatServer(t, &badHits, http.StatusUnauthorized, "")
	spare := chatServer(t, &spareHits, http.StatusOK, "unreachable")

	r, _ := newRouter(t, chatModel("ellm/auth",
		vllmDeployment(bad.URL, 1),
		vllmDeployment(spare.URL, 0),
	))

	_, err := r.Completion(context.Background(), nil, chatReq("ellm/auth"))
	if errs.KindOf(err) != errs.KindProviderAuth {
		t.Fatalf("Completion() error kind = %v, want %v", errs.KindOf(err), errs.KindProviderAuth)
	}
	if badHits.Load() != 1 || spareHits.Load() != 0 {
		t.Errorf("backend hits = %d/%d, want 1/0 (auth errors must not fail over)", badHits.Load(), spareHits.Load())
	}
}

func TestCompletionExhaustsDeployments(t *testing.T) {
	var hits1, hits2 atomic.Int64
	down1 := chatServer(t, &hits1, http.StatusServiceUnavailable, "")
	down2 := chatServer(t, &hits2, http.StatusBadGateway, "")

	r, _ := newRouter(t, chatModel("ellm/down",
		vllmDeployment(down1.URL, 1),
		vllmDeployment(down2.URL, 1),
	))

	_, err := r.Completion(context.Background(), nil, chatReq("ellm/down"))
	if errs.KindOf(err) != errs.KindProviderUnavailable {
		t.Fatalf("Completion() error kind = %v, want %v", errs.KindOf(err), errs.KindProviderUnavailable)
	}
	if hits1.Load()+hits2.Load() != 2 {
		t.Errorf("total backend hits = %d, want 2 (one attempt per deployment)", hits1.Load()+hits2.Load())
	}
}

func TestCompletionAllCoolingPicksLeastCooled(t *testing.T) {
	var soonHits, lateHits atomic.Int64
	soon := chatServer(t, &soonHits, http.StatusOK, "least cooled answered")
	late := chatServer(t, &lateHits, http.StatusOK, "unreachable")

	mc := chatModel("ellm/cooling",
		vllmDeployment(soon.URL, 1),
		vllmDeployment(late.URL, 1),
	)
	mc.Deployments[0].CooldownUntil = time.Now().Add(time.Minute)
	mc.Deployments[1].CooldownUntil = time.Now().Add(time.Hour)
	r, _ := newRouter(t, mc)

	resp, err := r.Completion(context.Background(), nil, chatReq("ellm/cooling"))
	if err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if resp.Text() != "least cooled answered" {
		t.Errorf("Completion().Text() = %q, want %q", resp.Text(), "least cooled answered")
	}
	if lateHits.Load() != 0 {
		t.Errorf("most-cooled backend hits = %d, want 0", lateHits.Load())
	}
}

func TestCompletionNoDeployments(t *testing.T) {
	r, _ := newRouter(t, chatModel("ellm/empty"))

	_, err := r.Completion(context.Background(), nil, chatReq("ellm/empty"))
	if errs.KindOf(err) != errs.KindNoAvailableDeployment {
		t.Fatalf("Completion() error kind = %v, want %v", errs.KindOf(err), errs.KindNoAvailableDeployment)
	}
}

func TestCompletionZeroWeightIsFallbackOnly(t *testing.T) {
	var mainHits, fallbackHits atomic.Int64
	main := chatServer(t, &mainHits, http.StatusOK, "main")
	fb := chatServer(t, &fallbackHits, http.StatusOK, "fallback")

	r, _ := newRouter(t, chatModel("ellm/weighted",
		vllmDeployment(main.URL, 3),
		vllmDeployment(fb.URL, 0),
	))

	for i := 0; i < 20; i++ {
		if _, err := r.Completion(context.Background(), nil, chatReq("ellm/weighted")); err != nil {
			t.Fatalf("Completion() #%d error = %v", i, err)
		}
	}
	if mainHits.Load() != 20 {
		t.Errorf("weighted backend hits = %d, want 20", mainHits.Load())
	}
	if fallbackHits.Load() != 0 {
		t.Errorf("zero-weight backend hits = %d, want 0 while weighted peer is healthy", fallbackHits.Load())
	}
}

func TestCompletionQuotaGate(t *testing.T) {
	var hits atomic.Int64
	srv := chatServer(t, &hits, http.StatusOK, "unreachable")

	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.UpsertModelConfig(ctx, chatModel("ellm/gated", vllmDeployment(srv.URL, 1))); err != nil {
		t.Fatalf("UpsertModelConfig() error = %v", err)
	}
	reg := registry.New(st)
	bill := billing.NewManager(st, lock.NewLocal(), nil, true, time.Second)
	r := router.New(reg, providers.NewSet(http.DefaultClient), bill, 20*time.Millisecond)

	org := &models.Organization{
		ID:     "org-broke",
		Quotas: map[models.Product]models.Quota{models.ProductLLMTokens: {Limit: 100, Usage: 100}},
	}
	ctx = billing.WithTab(ctx, bill.Begin(org, "proj-1"))

	_, err := r.Completion(ctx, org, chatReq("ellm/gated"))
	if errs.KindOf(err) != errs.KindInsufficientCredits {
		t.Fatalf("Completion() error kind = %v, want %v", errs.KindOf(err), errs.KindInsufficientCredits)
	}
	if hits.Load() != 0 {
		t.Errorf("provider hits = %d, want 0 (gate fires before dispatch)", hits.Load())
	}
}

func streamChunk(content, finish string, usage *models.Usage) string {
	chunk := models.ChatChunk{
		ID:     "chatcmpl-1",
		Object: models.ObjectChatChunk,
		Model:  "test-chat",
		Choices: []models.ChunkChoice{{
			Delta:        models.ChunkDelta{Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}
	b, _ := json.Marshal(chunk)
	return "data: " + string(b) + "\n\n"
}

func TestStreamRetriesBeforeFirstChunk(t *testing.T) {
	var badHits, goodHits atomic.Int64
	bad := chatServer(t, &badHits, http.StatusTooManyRequests, "")
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, streamChunk("hel", "", nil))
		fmt.Fprint(w, streamChunk("lo", models.FinishStop, nil))
		fmt.Fprint(w, streamChunk("", "", &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(good.Close)

	r, _ := newRouter(t, chatModel("ellm/stream",
		vllmDeployment(bad.URL, 1),
		vllmDeployment(good.URL, 0),
	))

	var got strings.Builder
	resp, err := r.CompletionStream(context.Background(), nil, chatReq("ellm/stream"), func(c models.ChatChunk) {
		got.WriteString(c.Text())
	})
	if err != nil {
		t.Fatalf("CompletionStream() error = %v", err)
	}
	if got.String() != "hello" {
		t.Errorf("streamed text = %q, want %q", got.String(), "hello")
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("assembled usage = %d, want 5", resp.Usage.TotalTokens)
	}
	if badHits.Load() != 1 {
		t.Errorf("rate-limited backend hits = %d, want 1", badHits.Load())
	}
}

func TestStreamMidFailureEmitsErrorChunk(t *testing.T) {
	var spareHits atomic.Int64
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, streamChunk("partial", "", nil))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(broken.Close)
	spare := chatServer(t, &spareHits, http.StatusOK, "unreachable")

	r, _ := newRouter(t, chatModel("ellm/broken",
		vllmDeployment(broken.URL, 1),
		vllmDeployment(spare.URL, 0),
	))

	var chunks []models.ChatChunk
	resp, err := r.CompletionStream(context.Background(), nil, chatReq("ellm/broken"), func(c models.ChatChunk) {
		chunks = append(chunks, c)
	})
	if err == nil {
		t.Fatal("CompletionStream() error = nil, want mid-stream failure")
	}
	if resp == nil || resp.Text() != "partial" {
		t.Fatalf("partial response text = %q, want %q", resp.Text(), "partial")
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason() != models.FinishError {
		t.Errorf("last chunk finish reason = %q, want %q", last.FinishReason(), models.FinishError)
	}
	if !strings.HasPrefix(last.Choices[0].Delta.Content, "[ERROR] ") {
		t.Errorf("last chunk content = %q, want [ERROR] prefix", last.Choices[0].Delta.Content)
	}
	if spareHits.Load() != 0 {
		t.Errorf("spare backend hits = %d, want 0 (no failover after content was emitted)", spareHits.Load())
	}
}
