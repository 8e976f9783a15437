package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

func chatModel(id string, priority int) *models.ModelConfig {
	return &models.ModelConfig{
		ID:            id,
		Capabilities:  []models.Capability{models.CapChat},
		ContextLength: 8192,
		Priority:      priority,
		Deployments:   []models.Deployment{{Provider: models.ProviderOpenAI, Weight: 1}},
	}
}

func newRegistry(t *testing.T, configs ...*models.ModelConfig) *registry.Registry {
	t.Helper()
	reg := registry.New(store.NewMemoryStore())
	for _, cfg := range configs {
		if err := reg.Upsert(context.Background(), cfg); err != nil {
			t.Fatalf("Upsert(%s) error = %v", cfg.ID, err)
		}
	}
	return reg
}

func TestPickDefaultPrefersEllm(t *testing.T) {
	reg := newRegistry(t,
		chatModel("other/fallback", 99),
		chatModel("ellm/describe", 0),
	)
	org := &models.Organization{ID: "org1"}

	m, err := reg.PickDefault(context.Background(), org, models.CapChat)
	if err != nil {
		t.Fatalf("PickDefault() error = %v", err)
	}
	if m.ID != "ellm/describe" {
		t.Fatalf("PickDefault() = %q, want ellm/describe", m.ID)
	}
}

func TestPickDefaultTieBreak(t *testing.T) {
	reg := newRegistry(t,
		chatModel("zeta/low", 1),
		chatModel("alpha/high", 5),
		chatModel("beta/high", 5),
	)

	m, err := reg.PickDefault(context.Background(), &models.Organization{ID: "o"}, models.CapChat)
	if err != nil {
		t.Fatalf("PickDefault() error = %v", err)
	}
	// Highest priority wins; equal priority falls back to id order.
	if m.ID != "alpha/high" {
		t.Fatalf("PickDefault() = %q, want alpha/high", m.ID)
	}
}

func TestPickDefaultPreferred(t *testing.T) {
	reg := newRegistry(t,
		chatModel("ellm/describe", 0),
		chatModel("other/fallback", 0),
	)
	org := &models.Organization{ID: "o"}

	m, err := reg.PickDefault(context.Background(), org, models.CapChat, "other/fallback")
	if err != nil {
		t.Fatalf("PickDefault() error = %v", err)
	}
	if m.ID != "other/fallback" {
		t.Fatalf("PickDefault(preferred) = %q, want other/fallback", m.ID)
	}

	// A preferred id that does not exist falls through to the auto pick.
	m, err = reg.PickDefault(context.Background(), org, models.CapChat, "gone/model")
	if err != nil {
		t.Fatalf("PickDefault() error = %v", err)
	}
	if m.ID != "ellm/describe" {
		t.Fatalf("PickDefault(missing preferred) = %q, want ellm/describe", m.ID)
	}
}

func TestResolveBlockList(t *testing.T) {
	reg := newRegistry(t, chatModel("openai/gpt-4o-mini", 0))
	org := &models.Organization{
		ID:     "o",
		Models: models.ModelListConfig{Block: []string{"openai/gpt-4o-mini"}},
	}

	_, err := reg.Resolve(context.Background(), org, "openai/gpt-4o-mini", models.CapChat)
	if errs.KindOf(err) != errs.KindResourceNotFound {
		t.Fatalf("Resolve(blocked) error = %v, want resource_not_found", err)
	}
}

func TestResolveInternalOnly(t *testing.T) {
	internal := chatModel("ellm/internal", 0)
	internal.InternalOnly = true
	reg := newRegistry(t, internal)

	outsider := &models.Organization{ID: "outsider"}
	if _, err := reg.Resolve(context.Background(), outsider, "ellm/internal", models.CapChat); errs.KindOf(err) != errs.KindResourceNotFound {
		t.Fatalf("Resolve(internal, no allow) error = %v, want resource_not_found", err)
	}

	insider := &models.Organization{
		ID:     "insider",
		Models: models.ModelListConfig{Allow: []string{"ellm/internal"}},
	}
	if _, err := reg.Resolve(context.Background(), insider, "ellm/internal", models.CapChat); err != nil {
		t.Fatalf("Resolve(internal, allowed) error = %v", err)
	}
}

func TestResolveCapabilityMismatch(t *testing.T) {
	reg := newRegistry(t, chatModel("openai/gpt-4o-mini", 0))
	org := &models.Organization{ID: "o"}

	_, err := reg.Resolve(context.Background(), org, "openai/gpt-4o-mini", models.CapEmbed)
	if errs.KindOf(err) != errs.KindBadInput {
		t.Fatalf("Resolve(wrong capability) error = %v, want bad_input", err)
	}
}

func TestUpsertRejectsEllmIDMismatch(t *testing.T) {
	cfg := chatModel("openai/not-ellm", 0)
	cfg.OwnedBy = "ellm"
	reg := registry.New(store.NewMemoryStore())

	if err := reg.Upsert(context.Background(), cfg); errs.KindOf(err) != errs.KindBadInput {
		t.Fatalf("Upsert(owned_by=ellm, id=openai/...) error = %v, want bad_input", err)
	}
}

func TestPatchDeployment(t *testing.T) {
	reg := newRegistry(t, chatModel("openai/gpt-4o-mini", 0))
	weight := 7

	cfg, err := reg.PatchDeployment(context.Background(), "openai/gpt-4o-mini", 0, registry.DeploymentPatch{Weight: &weight})
	if err != nil {
		t.Fatalf("PatchDeployment() error = %v", err)
	}
	if cfg.Deployments[0].Weight != 7 {
		t.Fatalf("weight = %d, want 7", cfg.Deployments[0].Weight)
	}

	if _, err := reg.PatchDeployment(context.Background(), "openai/gpt-4o-mini", 3, registry.DeploymentPatch{Weight: &weight}); errs.KindOf(err) != errs.KindBadInput {
		t.Fatalf("PatchDeployment(bad index) error = %v, want bad_input", err)
	}
}

func TestCooldownRoundTrip(t *testing.T) {
	reg := newRegistry(t, chatModel("openai/gpt-4o-mini", 0))
	until := time.Now().Add(time.Minute).UTC()

	if err := reg.Cooldown(context.Background(), "openai/gpt-4o-mini", 0, until); err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	m, err := reg.Resolve(context.Background(), nil, "openai/gpt-4o-mini", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !m.Deployments[0].CooldownUntil.Equal(until) {
		t.Fatalf("cooldown_until = %v, want %v", m.Deployments[0].CooldownUntil, until)
	}
}

func TestListFilters(t *testing.T) {
	embed := &models.ModelConfig{
		ID:            "ellm/embedder",
		Capabilities:  []models.Capability{models.CapEmbed},
		EmbeddingSize: 768,
		Deployments:   []models.Deployment{{Provider: models.ProviderInfinity, Weight: 1}},
	}
	reg := newRegistry(t, chatModel("openai/gpt-4o-mini", 0), embed)
	org := &models.Organization{ID: "o"}

	got, err := reg.List(context.Background(), org, models.CapEmbed, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "ellm/embedder" {
		t.Fatalf("List(embed) = %v, want [ellm/embedder]", got)
	}

	got, err = reg.List(context.Background(), org, "", "gpt-4o")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "openai/gpt-4o-mini" {
		t.Fatalf("List(idFilter) = %v, want [openai/gpt-4o-mini]", got)
	}
}
