// Package router dispatches model calls to deployments. For each call it
// resolves the model through the registry, samples a deployment by weight,
// and hands the wire work to the provider adapter. Failing deployments are
// put on an exponential cooldown and the call is retried on the remaining
// ones; auth and input errors are terminal.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/billing"
	"github.com/embeddedllm/jamai/internal/providers"
	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/tokenizer"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// cooldownCap bounds how long a repeatedly failing deployment sits out.
const cooldownCap = 10 * time.Minute

// Router picks deployments and retries across them.
type Router struct {
	registry *registry.Registry
	adapters *providers.Set
	billing  *billing.Manager

	backoffBase time.Duration

	// backoffs tracks the consecutive-failure schedule per deployment,
	// keyed "{model}#{index}". Reset on the first success.
	mu       sync.Mutex
	backoffs map[string]*backoff.ExponentialBackOff
}

// New wires a router. backoffBase seeds the cooldown schedule
// (base, 2·base, 4·base, ... each ±20% jitter, capped).
func New(reg *registry.Registry, adapters *providers.Set, bill *billing.Manager, backoffBase time.Duration) *Router {
	return &Router{
		registry:    reg,
		adapters:    adapters,
		billing:     bill,
		backoffBase: backoffBase,
		backoffs:    make(map[string]*backoff.ExponentialBackOff),
	}
}

// ── Chat ────────────────────────────────────────────────────

// Completion routes one chat completion. An empty req.Model picks the
// org's default chat model.
func (r *Router) Completion(ctx context.Context, org *models.Organization, req *models.ChatRequest) (*models.ChatResponse, error) {
	mc, err := r.prepareChat(ctx, org, req)
	if err != nil {
		return nil, err
	}

	var resp *models.ChatResponse
	err = r.eachDeployment(ctx, org, mc, func(call providers.Call) error {
		adapter, err := r.adapters.Chat(call.Deployment.Provider)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, mc.Timeout())
		defer cancel()
		resp, err = adapter.Chat(cctx, call, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	billing.TabFrom(ctx).RecordLLM(ctx, mc, resp.Usage)
	return resp, nil
}

// CompletionStream routes a streaming chat completion. Retries happen only
// while nothing has been emitted; once the client saw a chunk, a failure
// ends the stream with a final "[ERROR] ..." chunk and the error is
// returned alongside the partial response.
func (r *Router) CompletionStream(ctx context.Context, org *models.Organization, req *models.ChatRequest, emit providers.ChunkFunc) (*models.ChatResponse, error) {
	mc, err := r.prepareChat(ctx, org, req)
	if err != nil {
		return nil, err
	}

	var (
		resp    *models.ChatResponse
		emitted bool
	)
	err = r.eachDeployment(ctx, org, mc, func(call providers.Call) error {
		adapter, err := r.adapters.Chat(call.Deployment.Provider)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, mc.Timeout())
		defer cancel()
		resp, err = adapter.ChatStream(cctx, call, req, func(c models.ChatChunk) {
			emitted = true
			emit(c)
		})
		if err != nil && emitted {
			// Mid-stream failure: the stream is already half-delivered, so
			// terminate it instead of switching deployments.
			emit(errorChunk(resp, mc.ID, err))
			return &streamAborted{cause: err}
		}
		return err
	})

	if emitted && resp != nil {
		// Broken and cancelled streams still meter what was delivered.
		billing.TabFrom(ctx).RecordLLM(ctx, mc, resp.Usage)
	}
	if err != nil {
		if !emitted {
			return nil, err
		}
		return resp, err
	}
	return resp, nil
}

// streamAborted marks a failure that happened after content reached the
// client: cool the deployment down if warranted, but never retry.
type streamAborted struct{ cause error }

func (e *streamAborted) Error() string { return e.cause.Error() }
func (e *streamAborted) Unwrap() error { return e.cause }

func (r *Router) prepareChat(ctx context.Context, org *models.Organization, req *models.ChatRequest) (*models.ModelConfig, error) {
	mc, err := r.resolve(ctx, org, req.Model, models.CapChat)
	if err != nil {
		return nil, err
	}
	req.Model = mc.ID

	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if prompt, ok := tokenizer.FitsContext(mc.ID, req.Messages, mc.ContextLength, maxTokens); !ok {
		return nil, errs.ContextOverflow(
			"this model's maximum context length is %d tokens, however you requested %d tokens",
			mc.ContextLength, prompt+maxTokens)
	}
	if err := r.billing.CheckQuota(org, models.ProductLLMTokens, mc); err != nil {
		return nil, err
	}
	return mc, nil
}

// errorChunk is the terminal frame of a stream that died after emitting
// content. finish_reason "error" tells downstream consumers the text is
// incomplete.
func errorChunk(partial *models.ChatResponse, model string, err error) models.ChatChunk {
	id := ""
	if partial != nil {
		id = partial.ID
	}
	e := errs.AsError(err)
	return models.ChatChunk{
		ID:      id,
		Object:  models.ObjectChatChunk,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChunkChoice{{
			Delta:        models.ChunkDelta{Content: fmt.Sprintf("[ERROR] %s: %s", e.Kind, e.Message)},
			FinishReason: models.FinishError,
		}},
	}
}

// ── Embeddings ──────────────────────────────────────────────

// Embed routes one embedding call. An empty req.Model picks the org's
// default embedding model.
func (r *Router) Embed(ctx context.Context, org *models.Organization, req *models.EmbedRequest) (*models.EmbedResponse, error) {
	mc, err := r.resolve(ctx, org, req.Model, models.CapEmbed)
	if err != nil {
		return nil, err
	}
	req.Model = mc.ID
	if err := r.billing.CheckQuota(org, models.ProductEmbeddingTokens, mc); err != nil {
		return nil, err
	}

	var resp *models.EmbedResponse
	err = r.eachDeployment(ctx, org, mc, func(call providers.Call) error {
		adapter, err := r.adapters.Embed(call.Deployment.Provider)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, mc.Timeout())
		defer cancel()
		resp, err = adapter.Embed(cctx, call, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	billing.TabFrom(ctx).RecordEmbedding(ctx, mc, resp.Usage)
	return resp, nil
}

// Rerank routes one rerank call.
func (r *Router) Rerank(ctx context.Context, org *models.Organization, req *models.RerankRequest) (*models.RerankResponse, error) {
	mc, err := r.resolve(ctx, org, req.Model, models.CapRerank)
	if err != nil {
		return nil, err
	}
	req.Model = mc.ID
	if err := r.billing.CheckQuota(org, models.ProductRerankerSearches, mc); err != nil {
		return nil, err
	}

	var resp *models.RerankResponse
	err = r.eachDeployment(ctx, org, mc, func(call providers.Call) error {
		adapter, err := r.adapters.Rerank(call.Deployment.Provider)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, mc.Timeout())
		defer cancel()
		resp, err = adapter.Rerank(cctx, call, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	billing.TabFrom(ctx).RecordRerank(ctx, mc, 1)
	return resp, nil
}

// ── Deployment selection ────────────────────────────────────

func (r *Router) resolve(ctx context.Context, org *models.Organization, id string, capability models.Capability) (*models.ModelConfig, error) {
	if id == "" {
		return r.registry.PickDefault(ctx, org, capability)
	}
	return r.registry.Resolve(ctx, org, id, capability)
}

// eachDeployment runs call against weighted-random deployments until one
// succeeds, a terminal error occurs, or every deployment has had a turn.
func (r *Router) eachDeployment(ctx context.Context, org *models.Organization, mc *models.ModelConfig, call func(providers.Call) error) error {
	if len(mc.Deployments) == 0 {
		return errs.New(errs.KindNoAvailableDeployment, "model %q has no deployments", mc.ID)
	}

	var lastErr error
	for attempt := 0; attempt < len(mc.Deployments); attempt++ {
		idx := pickDeployment(mc.Deployments, time.Now())
		d := mc.Deployments[idx]

		key, err := providers.RequireKey(org, d)
		if err != nil {
			return err
		}

		err = call(providers.Call{Model: mc, Deployment: d, APIKey: key})
		if err == nil {
			r.noteSuccess(mc.ID, idx)
			return nil
		}
		var aborted *streamAborted
		if errors.As(err, &aborted) {
			if errs.Retryable(aborted.cause) {
				r.cooldown(ctx, mc.ID, idx, aborted.cause)
			}
			return aborted.cause
		}
		if !errs.Retryable(err) {
			return err
		}
		lastErr = err
		// Cool the deployment down on our private copy too, so the next
		// iteration of this very call skips it.
		mc.Deployments[idx].CooldownUntil = r.cooldown(ctx, mc.ID, idx, err)
	}
	return lastErr
}

// pickDeployment samples among non-cooling deployments proportionally to
// weight. Zero-weight deployments are fallbacks: eligible only when no
// positive-weight deployment is healthy. With everything cooling, the
// least-cooled deployment takes the call.
func pickDeployment(ds []models.Deployment, now time.Time) int {
	healthy := make([]int, 0, len(ds))
	total := 0
	for i, d := range ds {
		if d.CooldownUntil.After(now) {
			continue
		}
		healthy = append(healthy, i)
		total += d.Weight
	}

	switch {
	case len(healthy) == 0:
		best := 0
		for i := 1; i < len(ds); i++ {
			if ds[i].CooldownUntil.Before(ds[best].CooldownUntil) {
				best = i
			}
		}
		return best
	case total == 0:
		return healthy[rand.Intn(len(healthy))]
	}

	n := rand.Intn(total)
	for _, i := range healthy {
		n -= ds[i].Weight
		if ds[i].Weight > 0 && n < 0 {
			return i
		}
	}
	return healthy[len(healthy)-1]
}

// cooldown advances the deployment's failure schedule and records the new
// cooldown in the registry. Returns the cooldown deadline.
func (r *Router) cooldown(ctx context.Context, modelID string, idx int, cause error) time.Time {
	key := fmt.Sprintf("%s#%d", modelID, idx)

	r.mu.Lock()
	bo, ok := r.backoffs[key]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = r.backoffBase
		bo.RandomizationFactor = 0.2
		bo.Multiplier = 2
		bo.MaxInterval = cooldownCap
		bo.MaxElapsedTime = 0
		bo.Reset()
		r.backoffs[key] = bo
	}
	wait := bo.NextBackOff()
	r.mu.Unlock()

	until := time.Now().Add(wait)
	if err := r.registry.Cooldown(ctx, modelID, idx, until); err != nil {
		log.Warn().Err(err).Str("model", modelID).Int("deployment", idx).Msg("Router: cooldown write failed")
	}
	log.Warn().
		Str("model", modelID).
		Int("deployment", idx).
		Dur("cooldown", wait).
		Err(cause).
		Msg("Router: deployment cooling down")
	return until
}

func (r *Router) noteSuccess(modelID string, idx int) {
	r.mu.Lock()
	if bo, ok := r.backoffs[fmt.Sprintf("%s#%d", modelID, idx)]; ok {
		bo.Reset()
	}
	r.mu.Unlock()
}
