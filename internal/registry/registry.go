// Package registry is the model catalog of the serving layer. It answers
// "which models can this organization see" and "which config serves this
// model id", applying per-org allow/block lists and the ellm visibility
// rule on top of the persisted model configs.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// cacheTTL bounds how stale the in-memory model list may get. Mutations
// through this registry invalidate immediately; mutations by other replicas
// are picked up after the TTL.
const cacheTTL = 30 * time.Second

// Registry resolves model ids to configs. Reads hit an RW-mutex cache in
// front of the store; writes go through to the store and invalidate.
type Registry struct {
	store store.Store

	mu       sync.RWMutex
	cached   []models.ModelConfig
	cachedAt time.Time
}

func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// ── Lookup ──────────────────────────────────────────────────

// List returns the models visible to org that expose the capability.
// A zero capability means "any". idFilter, when non-empty, keeps only ids
// containing the substring. Entries are caller-owned copies.
func (r *Registry) List(ctx context.Context, org *models.Organization, capability models.Capability, idFilter string) ([]models.ModelConfig, error) {
	all, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ModelConfig, 0, len(all))
	for _, m := range all {
		if !visible(org, &m) {
			continue
		}
		if capability != "" && !m.HasCapability(capability) {
			continue
		}
		if idFilter != "" && !strings.Contains(m.ID, idFilter) {
			continue
		}
		out = append(out, *copyConfig(&m))
	}
	sortDefault(out)
	return out, nil
}

// Resolve returns the config serving id for org. Invisible models are
// indistinguishable from missing ones. A capability mismatch on an existing
// model is the caller's mistake, not a lookup miss.
func (r *Registry) Resolve(ctx context.Context, org *models.Organization, id string, capability models.Capability) (*models.ModelConfig, error) {
	all, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		m := &all[i]
		if m.ID != id {
			continue
		}
		if !visible(org, m) {
			return nil, errs.NotFound("model", id)
		}
		if capability != "" && !m.HasCapability(capability) {
			return nil, errs.BadInput("model %q does not support %q", id, capability)
		}
		return copyConfig(m), nil
	}
	return nil, errs.NotFound("model", id)
}

// PickDefault resolves the "auto model": the first preferred id that is
// visible and capable, else the best visible model ordered ellm-first, then
// priority descending, then id ascending.
func (r *Registry) PickDefault(ctx context.Context, org *models.Organization, capability models.Capability, preferred ...string) (*models.ModelConfig, error) {
	for _, id := range preferred {
		if id == "" {
			continue
		}
		if m, err := r.Resolve(ctx, org, id, capability); err == nil {
			return m, nil
		}
	}
	eligible, err := r.List(ctx, org, capability, "")
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, errs.NotFound("model", "default "+string(capability)+" model")
	}
	return copyConfig(&eligible[0]), nil
}

// copyConfig returns a config the caller may freely mutate; the router
// overlays cooldowns on its copy while retrying.
func copyConfig(m *models.ModelConfig) *models.ModelConfig {
	cp := *m
	cp.Deployments = append([]models.Deployment(nil), m.Deployments...)
	return &cp
}

// ── Admin writes ────────────────────────────────────────────

// Upsert validates and persists a model config.
func (r *Registry) Upsert(ctx context.Context, cfg *models.ModelConfig) error {
	if err := cfg.Validate(); err != nil {
		return errs.BadInput("%s", err)
	}
	if cfg.OwnedBy == models.EllmOwner && !cfg.IsEllm() {
		return errs.BadInput("model %q owned by %q must have an id starting with %q", cfg.ID, models.EllmOwner, models.EllmOwner+"/")
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if err := r.store.UpsertModelConfig(ctx, cfg); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// Delete removes a model config.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteModelConfig(ctx, id); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// DeploymentPatch updates routing attributes of one deployment without
// replacing the whole config. Nil fields are left untouched.
type DeploymentPatch struct {
	Weight  *int    `json:"weight,omitempty"`
	APIBase *string `json:"api_base,omitempty"`
	APIKey  *string `json:"api_key,omitempty"`
}

// PatchDeployment applies a patch to deployment index of model id.
func (r *Registry) PatchDeployment(ctx context.Context, id string, index int, patch DeploymentPatch) (*models.ModelConfig, error) {
	cfg, err := r.store.GetModelConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(cfg.Deployments) {
		return nil, errs.BadInput("model %q has no deployment %d", id, index)
	}
	d := &cfg.Deployments[index]
	if patch.Weight != nil {
		if *patch.Weight < 0 {
			return nil, errs.BadInput("deployment weight must be >= 0")
		}
		d.Weight = *patch.Weight
	}
	if patch.APIBase != nil {
		d.APIBase = *patch.APIBase
	}
	if patch.APIKey != nil {
		d.APIKey = *patch.APIKey
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := r.store.UpsertModelConfig(ctx, cfg); err != nil {
		return nil, err
	}
	r.invalidate()
	return cfg, nil
}

// Cooldown records that a deployment failed and must be skipped until the
// given time. The write is shared through the store so replicas agree.
func (r *Registry) Cooldown(ctx context.Context, id string, deployment int, until time.Time) error {
	if err := r.store.SetDeploymentCooldown(ctx, id, deployment, until); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// ── Boot loader ─────────────────────────────────────────────

// LoadFile upserts every model config from a JSON file (either a bare list
// or `{"models": [...]}`). Used at boot when OWL_MODELS_CONFIG is set.
func (r *Registry) LoadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var configs []models.ModelConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		var wrapped struct {
			Models []models.ModelConfig `json:"models"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return errs.BadInput("models config %s: %s", path, err)
		}
		configs = wrapped.Models
	}
	for i := range configs {
		if err := r.Upsert(ctx, &configs[i]); err != nil {
			return errs.BadInput("models config %s: model %q: %s", path, configs[i].ID, errs.AsError(err).Message)
		}
	}
	log.Info().Int("models", len(configs)).Str("path", path).Msg("Registry: loaded model configs")
	return nil
}

// ── Cache ───────────────────────────────────────────────────

func (r *Registry) snapshot(ctx context.Context) ([]models.ModelConfig, error) {
	r.mu.RLock()
	if r.cached != nil && time.Since(r.cachedAt) < cacheTTL {
		all := r.cached
		r.mu.RUnlock()
		return all, nil
	}
	r.mu.RUnlock()

	all, err := r.store.ListModelConfigs(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cached = all
	r.cachedAt = time.Now()
	r.mu.Unlock()
	return all, nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// ── Visibility ──────────────────────────────────────────────

// visible applies the org's model list. A nil org is the service account;
// it sees everything. Block always wins; internal-only models additionally
// require an explicit allow entry.
func visible(org *models.Organization, m *models.ModelConfig) bool {
	if org == nil {
		return true
	}
	for _, id := range org.Models.Block {
		if id == m.ID {
			return false
		}
	}
	if m.InternalOnly {
		for _, id := range org.Models.Allow {
			if id == m.ID {
				return true
			}
		}
		return false
	}
	return true
}

// sortDefault orders models the way the auto-model pick does: ellm-owned
// first, then priority descending, then id ascending.
func sortDefault(list []models.ModelConfig) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := &list[i], &list[j]
		if a.IsEllm() != b.IsEllm() {
			return a.IsEllm()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
}
