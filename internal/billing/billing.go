// Package billing meters usage and gates work on quota and credit.
//
// Each request carries a Tab that accumulates usage events, quota deltas
// and dollar cost while the request runs; Commit hands the totals to the
// shared Manager. A background flusher applies the accumulated deltas to
// the store in one atomic statement per org and drains the event buffer
// to ClickHouse. With multiple replicas only the holder of the
// "billing:flusher" lock flushes.
//
// OSS deployments (IS_CLOUD=false) meter everything but refuse nothing.
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/embeddedllm/jamai/internal/lock"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

const (
	flusherLockKey = "billing:flusher"

	// maxEventBuffer bounds the in-memory event queue; beyond it the
	// producer flushes synchronously instead of growing the buffer.
	maxEventBuffer = 4096

	bytesPerGiB = float64(1 << 30)
	tokensPerM  = 1_000_000.0
)

// UsageEvent is one analytics row bound for the usage_events table.
type UsageEvent struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	ProjectID string         `json:"project_id,omitempty"`
	Product   models.Product `json:"product"`
	Model     string         `json:"model,omitempty"`
	// Amount is in the product's native unit: tokens, searches, or GiB.
	Amount    float64   `json:"amount"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink receives drained usage events. Implemented by ClickHouseSink.
type Sink interface {
	Write(ctx context.Context, events []UsageEvent) error
}

// Manager owns the cross-request accumulators and the flush machinery.
type Manager struct {
	store  store.Store
	locker lock.Locker
	sink   Sink // nil disables the analytics pipeline
	cloud  bool

	flushInterval time.Duration

	mu     sync.Mutex
	deltas map[string]*store.UsageDelta
	events []UsageEvent

	lease lock.Lease // held while this replica is the elected flusher

	llmTokens   metric.Int64Counter
	embedTokens metric.Int64Counter
	rerankCalls metric.Int64Counter
	bandwidth   metric.Float64Counter
	spent       metric.Float64Counter
}

// NewManager wires the billing manager. sink may be nil (no analytics
// store configured); locker must not be.
func NewManager(st store.Store, locker lock.Locker, sink Sink, cloud bool, flushInterval time.Duration) *Manager {
	meter := otel.Meter("jamai/billing")
	llm, _ := meter.Int64Counter("llm_token_usage", metric.WithUnit("{token}"))
	emb, _ := meter.Int64Counter("embedding_token_usage", metric.WithUnit("{token}"))
	rr, _ := meter.Int64Counter("reranker_search_usage", metric.WithUnit("{search}"))
	bw, _ := meter.Float64Counter("bandwidth_usage", metric.WithUnit("By"))
	sp, _ := meter.Float64Counter("spent", metric.WithUnit("{usd}"))

	return &Manager{
		store:         st,
		locker:        locker,
		sink:          sink,
		cloud:         cloud,
		flushInterval: flushInterval,
		deltas:        make(map[string]*store.UsageDelta),
		llmTokens:     llm,
		embedTokens:   emb,
		rerankCalls:   rr,
		bandwidth:     bw,
		spent:         sp,
	}
}

// ── Gates ───────────────────────────────────────────────────

// CheckQuota decides whether a model call may proceed. The call passes if
// any of these hold: OSS mode; no org scope (service requests); the org
// brought its own provider key; the model is first-party ellm and the
// product quota has headroom; the org still has credit to spend.
func (m *Manager) CheckQuota(org *models.Organization, product models.Product, mc *models.ModelConfig) error {
	if !m.cloud || org == nil {
		return nil
	}
	if orgHasProviderKey(org, mc) {
		return nil
	}
	if mc != nil && mc.IsEllm() && !org.Quotas[product].Exceeded() {
		return nil
	}
	if org.TotalCredit() > 0 {
		return nil
	}
	subject := string(product)
	if mc != nil {
		subject = mc.ID
	}
	return errs.InsufficientCredits(subject)
}

// CheckCredit gates operations that always spend dollars (storage, egress).
func (m *Manager) CheckCredit(org *models.Organization, feature string) error {
	if !m.cloud || org == nil {
		return nil
	}
	if org.TotalCredit() > 0 {
		return nil
	}
	return errs.InsufficientCredits(feature)
}

func orgHasProviderKey(org *models.Organization, mc *models.ModelConfig) bool {
	if mc == nil || len(org.ExternalKeys) == 0 {
		return false
	}
	for _, d := range mc.Deployments {
		if org.ExternalKeys[string(d.Provider)] != "" {
			return true
		}
	}
	return false
}

// ── Per-request tab ─────────────────────────────────────────

// Tab accumulates one request's usage. Columns of a row generate
// concurrently, so recording is mutex-guarded. A nil Tab no-ops, which
// lets callers meter unconditionally.
type Tab struct {
	m       *Manager
	org     *models.Organization
	project string

	mu     sync.Mutex
	events []UsageEvent
	usage  map[models.Product]float64
	cost   float64
}

// Begin opens a tab for the request. org may be nil for service requests.
func (m *Manager) Begin(org *models.Organization, projectID string) *Tab {
	return &Tab{m: m, org: org, project: projectID, usage: make(map[models.Product]float64)}
}

type tabKey struct{}

// WithTab attaches the request's tab to the context so lower layers
// (router, executor, retriever) can meter without extra plumbing.
func WithTab(ctx context.Context, t *Tab) context.Context {
	return context.WithValue(ctx, tabKey{}, t)
}

// TabFrom returns the request tab, or nil when none is attached.
func TabFrom(ctx context.Context) *Tab {
	t, _ := ctx.Value(tabKey{}).(*Tab)
	return t
}

// RecordLLM meters one chat/completion call.
func (t *Tab) RecordLLM(ctx context.Context, mc *models.ModelConfig, usage models.Usage) {
	if t == nil || mc == nil {
		return
	}
	cost := float64(usage.PromptTokens)/tokensPerM*mc.InputCostPerMtoken +
		float64(usage.CompletionTokens)/tokensPerM*mc.OutputCostPerMtoken
	t.record(ctx, models.ProductLLMTokens, mc, float64(usage.TotalTokens), cost)

	t.m.llmTokens.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(t.attrs(mc.ID, attribute.String("type", "input"))...))
	t.m.llmTokens.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(t.attrs(mc.ID, attribute.String("type", "output"))...))
}

// RecordEmbedding meters one embedding call.
func (t *Tab) RecordEmbedding(ctx context.Context, mc *models.ModelConfig, usage models.Usage) {
	if t == nil || mc == nil {
		return
	}
	cost := float64(usage.TotalTokens) / tokensPerM * mc.InputCostPerMtoken
	t.record(ctx, models.ProductEmbeddingTokens, mc, float64(usage.TotalTokens), cost)

	t.m.embedTokens.Add(ctx, int64(usage.TotalTokens), metric.WithAttributes(t.attrs(mc.ID)...))
}

// RecordRerank meters one rerank call as a single search.
func (t *Tab) RecordRerank(ctx context.Context, mc *models.ModelConfig, searches int) {
	if t == nil || mc == nil {
		return
	}
	cost := float64(searches) / 1000.0 * mc.CostPerKSearch
	t.record(ctx, models.ProductRerankerSearches, mc, float64(searches), cost)

	t.m.rerankCalls.Add(ctx, int64(searches), metric.WithAttributes(t.attrs(mc.ID)...))
}

// RecordEgress meters response bytes written to the client.
func (t *Tab) RecordEgress(ctx context.Context, bytes int64) {
	if t == nil || bytes <= 0 {
		return
	}
	t.record(ctx, models.ProductEgress, nil, float64(bytes)/bytesPerGiB, 0)

	t.m.bandwidth.Add(ctx, float64(bytes), metric.WithAttributes(t.attrs("")...))
}

func (t *Tab) record(ctx context.Context, product models.Product, mc *models.ModelConfig, amount, cost float64) {
	// First-party quota headroom is tokens-before-dollars: within quota an
	// ellm call spends allowance, not credit. BYOK calls never cost dollars.
	if mc != nil {
		if orgHasProviderKey(t.org, mc) {
			cost = 0
		} else if mc.IsEllm() && t.org != nil && !t.org.Quotas[product].Exceeded() {
			cost = 0
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage[product] += amount
	t.cost += cost
	t.events = append(t.events, UsageEvent{
		ID:        uuid.NewString(),
		OrgID:     t.orgID(),
		ProjectID: t.project,
		Product:   product,
		Model:     modelID(mc),
		Amount:    amount,
		Cost:      cost,
		CreatedAt: time.Now().UTC(),
	})
	if cost > 0 {
		t.m.spent.Add(ctx, cost, metric.WithAttributes(t.attrs(modelID(mc))...))
	}
}

// Commit folds the tab into the manager's accumulators. Call it once,
// after the response is written; it is cheap unless the event buffer is
// full, in which case it drains synchronously.
func (t *Tab) Commit(ctx context.Context) {
	if t == nil {
		return
	}
	t.mu.Lock()
	events := t.events
	usage := t.usage
	cost := t.cost
	t.events = nil
	t.usage = make(map[models.Product]float64)
	t.cost = 0
	t.mu.Unlock()

	if len(events) == 0 && cost == 0 {
		return
	}

	// credit_grant is consumed before credit; the split is computed against
	// the org snapshot and clamped by the store on apply.
	var grant, credit float64
	if t.org != nil {
		grant = min(cost, t.org.CreditGrant)
		credit = cost - grant
	}

	t.m.add(ctx, t.orgID(), usage, grant, credit, events)
}

func (t *Tab) orgID() string {
	if t.org == nil {
		return ""
	}
	return t.org.ID
}

func (t *Tab) attrs(model string, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, 3+len(extra))
	out = append(out, attribute.String("org_id", t.orgID()), attribute.String("project_id", t.project))
	if model != "" {
		out = append(out, attribute.String("model", model))
	}
	return append(out, extra...)
}

func modelID(mc *models.ModelConfig) string {
	if mc == nil {
		return ""
	}
	return mc.ID
}

// ── Accumulation and flush ──────────────────────────────────

func (m *Manager) add(ctx context.Context, orgID string, usage map[models.Product]float64, grant, credit float64, events []UsageEvent) {
	m.mu.Lock()
	if orgID != "" {
		d, ok := m.deltas[orgID]
		if !ok {
			d = &store.UsageDelta{OrgID: orgID, Usage: make(map[models.Product]float64)}
			m.deltas[orgID] = d
		}
		for p, v := range usage {
			d.Usage[p] += v
		}
		d.GrantSpend += grant
		d.CreditSpend += credit
	}
	var overflow []UsageEvent
	if m.sink != nil {
		m.events = append(m.events, events...)
		if len(m.events) > maxEventBuffer {
			overflow = m.events
			m.events = nil
		}
	}
	m.mu.Unlock()

	if len(overflow) > 0 {
		if err := m.sink.Write(ctx, overflow); err != nil {
			log.Warn().Err(err).Int("events", len(overflow)).Msg("Billing: synchronous event flush failed, dropping batch")
		}
	}
}

// Flush applies pending deltas to the store and drains events to the sink.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	deltas := m.deltas
	events := m.events
	m.deltas = make(map[string]*store.UsageDelta)
	m.events = nil
	m.mu.Unlock()

	if len(deltas) > 0 {
		batch := make([]store.UsageDelta, 0, len(deltas))
		for _, d := range deltas {
			batch = append(batch, *d)
		}
		if err := m.store.ApplyUsage(ctx, batch); err != nil {
			// Put the deltas back so the next cycle retries them.
			m.mu.Lock()
			for _, d := range deltas {
				cur, ok := m.deltas[d.OrgID]
				if !ok {
					m.deltas[d.OrgID] = d
					continue
				}
				for p, v := range d.Usage {
					cur.Usage[p] += v
				}
				cur.GrantSpend += d.GrantSpend
				cur.CreditSpend += d.CreditSpend
			}
			m.mu.Unlock()
			return err
		}
	}

	if m.sink != nil && len(events) > 0 {
		if err := m.sink.Write(ctx, events); err != nil {
			log.Warn().Err(err).Int("events", len(events)).Msg("Billing: event flush failed, dropping batch")
		}
	}
	return nil
}

// StartFlusher runs the periodic flush until ctx is done. It flushes only
// while holding the flusher lock, so with several replicas exactly one
// writes at a time.
func (m *Manager) StartFlusher(ctx context.Context) {
	log.Info().Dur("interval", m.flushInterval).Msg("Billing: flusher started")
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain on shutdown with a fresh context.
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Flush(fctx); err != nil {
				log.Warn().Err(err).Msg("Billing: final flush failed")
			}
			cancel()
			m.dropLease()
			log.Info().Msg("Billing: flusher stopped")
			return
		case <-ticker.C:
			if !m.elected(ctx) {
				continue
			}
			if err := m.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("Billing: flush failed")
			}
		}
	}
}

func (m *Manager) elected(ctx context.Context) bool {
	if m.lease != nil {
		if err := m.lease.Refresh(ctx); err == nil {
			return true
		}
		m.lease = nil
	}
	lease, ok, err := m.locker.TryAcquire(ctx, flusherLockKey, 3*m.flushInterval)
	if err != nil {
		log.Warn().Err(err).Msg("Billing: flusher election failed")
		return false
	}
	if !ok {
		return false
	}
	m.lease = lease
	return true
}

func (m *Manager) dropLease() {
	if m.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.lease.Release(ctx); err != nil {
		log.Debug().Err(err).Msg("Billing: lease release failed")
	}
	m.lease = nil
}

// ── Quota janitor ───────────────────────────────────────────

// StartJanitor rolls expired billing periods forward on the given
// interval: usage counters reset to zero and QuotaResetAt advances by
// whole months until it is in the future.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Billing: quota janitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.ResetDueQuotas(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Billing: quota janitor stopped")
			return
		case <-ticker.C:
			m.ResetDueQuotas(ctx)
		}
	}
}

// ResetDueQuotas performs one janitor sweep.
func (m *Manager) ResetDueQuotas(ctx context.Context) {
	orgs, err := m.store.ListOrganizations(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Billing: quota janitor list failed")
		return
	}
	now := time.Now().UTC()
	reset := 0
	for i := range orgs {
		org := &orgs[i]
		if org.QuotaResetAt.IsZero() || now.Before(org.QuotaResetAt) {
			continue
		}
		for p, q := range org.Quotas {
			q.Usage = 0
			org.Quotas[p] = q
		}
		next := org.QuotaResetAt
		for !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		org.QuotaResetAt = next
		if err := m.store.UpdateOrganization(ctx, org); err != nil {
			log.Warn().Err(err).Str("org_id", org.ID).Msg("Billing: quota reset failed")
			continue
		}
		reset++
	}
	if reset > 0 {
		log.Info().Int("orgs", reset).Msg("Billing: quota counters reset")
	}
}
