// Package models holds the shared domain types of the JamAI backend:
// organizations and projects, model configs with their deployments, the
// OpenAI-compatible wire types, and the generative-table schema types.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Providers and capabilities ──────────────────────────────

// Provider identifies the upstream inference vendor of a deployment.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderGemini      Provider = "gemini"
	ProviderCohere      Provider = "cohere"
	ProviderBedrock     Provider = "bedrock"
	ProviderAzureOpenAI Provider = "azure_openai"
	ProviderVLLM        Provider = "vllm"
	ProviderOllama      Provider = "ollama"
	ProviderInfinity    Provider = "infinity"
	ProviderCustom      Provider = "custom"
)

// Valid reports whether p is a known provider tag.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderCohere,
		ProviderBedrock, ProviderAzureOpenAI, ProviderVLLM, ProviderOllama,
		ProviderInfinity, ProviderCustom:
		return true
	}
	return false
}

// Capability describes what a model can do. A model config lists one or
// more; the registry filters on them when resolving requests.
type Capability string

const (
	CapChat   Capability = "chat"
	CapImage  Capability = "image"
	CapAudio  Capability = "audio"
	CapTool   Capability = "tool"
	CapEmbed  Capability = "embed"
	CapRerank Capability = "rerank"
)

// ── Model configs ───────────────────────────────────────────

// EllmOwner marks first-party models. IDs under "ellm/" sort first in
// the default-model pick.
const EllmOwner = "ellm"

// DefaultTimeoutSec is the per-request provider timeout applied when a
// model config does not set its own.
const DefaultTimeoutSec = 300

// Deployment is one routable backend for a model. A model with several
// deployments is load-balanced by weight; a deployment that fails is put
// on cooldown and skipped until the cooldown expires.
type Deployment struct {
	Provider Provider `json:"provider" db:"provider"`
	// APIBase overrides the provider's default endpoint (self-hosted vLLM,
	// Ollama, Azure resource URL, OpenAI-compatible gateways).
	APIBase string `json:"api_base,omitempty" db:"api_base"`
	// APIKey is an explicit key for this deployment. When empty the key is
	// resolved from the organization's external keys, then the process env.
	APIKey string `json:"api_key,omitempty" db:"api_key"`
	Weight int    `json:"weight,omitempty" db:"weight"`
	// CooldownUntil is runtime routing state, not configuration. Zero means
	// the deployment is healthy.
	CooldownUntil time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
}

// ModelConfig describes one servable model. ID is always "{provider}/{name}"
// where provider is the namespace the model is published under ("ellm" for
// first-party models), not necessarily the deployment's vendor.
type ModelConfig struct {
	ID           string       `json:"id" db:"id"`
	Name         string       `json:"name,omitempty" db:"name"` // display name
	OwnedBy      string       `json:"owned_by,omitempty" db:"owned_by"`
	Capabilities []Capability `json:"capabilities" db:"capabilities"`

	ContextLength      int      `json:"context_length" db:"context_length"`
	EmbeddingSize      int      `json:"embedding_size,omitempty" db:"embedding_size"`
	LanguagesSupported []string `json:"languages,omitempty" db:"languages"`

	// Costs are USD per million tokens; rerank models bill per thousand
	// searches instead.
	InputCostPerMtoken  float64 `json:"input_cost_per_mtoken,omitempty" db:"input_cost_per_mtoken"`
	OutputCostPerMtoken float64 `json:"output_cost_per_mtoken,omitempty" db:"output_cost_per_mtoken"`
	CostPerKSearch      float64 `json:"cost_per_k_search,omitempty" db:"cost_per_k_search"`

	// Priority breaks ties in the default-model pick; higher wins.
	Priority   int `json:"priority,omitempty" db:"priority"`
	TimeoutSec int `json:"timeout_sec,omitempty" db:"timeout_sec"`

	// InternalOnly hides the model from organizations that do not list it
	// explicitly in their allow list.
	InternalOnly bool `json:"internal_only,omitempty" db:"internal_only"`

	Deployments []Deployment `json:"deployments" db:"deployments"`

	CreatedAt time.Time `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// ParseModelID splits "{provider}/{name}". The provider segment is a
// namespace, so "ellm/my-model" is valid even though ellm is not a vendor.
func ParseModelID(id string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(id, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("model id %q must be of the form {provider}/{name}", id)
	}
	return owner, name, nil
}

// IsEllm reports whether the model is published under the first-party
// "ellm/" namespace.
func (m *ModelConfig) IsEllm() bool {
	return strings.HasPrefix(m.ID, EllmOwner+"/")
}

// HasCapability reports whether the model lists the capability.
func (m *ModelConfig) HasCapability(c Capability) bool {
	for _, got := range m.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}

// Timeout returns the per-request provider timeout.
func (m *ModelConfig) Timeout() time.Duration {
	if m.TimeoutSec <= 0 {
		return DefaultTimeoutSec * time.Second
	}
	return time.Duration(m.TimeoutSec) * time.Second
}

// Validate checks the invariants enforced on admin upserts.
func (m *ModelConfig) Validate() error {
	if _, _, err := ParseModelID(m.ID); err != nil {
		return err
	}
	if len(m.Capabilities) == 0 {
		return fmt.Errorf("model %q must declare at least one capability", m.ID)
	}
	if m.HasCapability(CapChat) && m.ContextLength <= 0 {
		return fmt.Errorf("model %q must have a positive context_length", m.ID)
	}
	if m.HasCapability(CapEmbed) && m.EmbeddingSize <= 0 {
		return fmt.Errorf("embedding model %q must have a positive embedding_size", m.ID)
	}
	if len(m.Deployments) == 0 {
		return fmt.Errorf("model %q must have at least one deployment", m.ID)
	}
	for i, d := range m.Deployments {
		if !d.Provider.Valid() {
			return fmt.Errorf("model %q deployment %d: unknown provider %q", m.ID, i, d.Provider)
		}
		if d.Weight < 0 {
			return fmt.Errorf("model %q deployment %d: weight must be >= 0", m.ID, i)
		}
	}
	return nil
}

// ── Organizations and projects ──────────────────────────────

// DefaultOrganizationID and DefaultProjectID name the tenant provisioned at
// boot for open-access deployments, where requests carry no API key.
const (
	DefaultOrganizationID = "default"
	DefaultProjectID      = "default"
)

// Product keys usage quotas and billing accumulators.
type Product string

const (
	ProductLLMTokens        Product = "llm_tokens"
	ProductEmbeddingTokens  Product = "embedding_tokens"
	ProductRerankerSearches Product = "reranker_searches"
	ProductDBStorage        Product = "db_storage_gb"
	ProductFileStorage      Product = "file_storage_gb"
	ProductEgress           Product = "egress_gb"
)

// Quota is a per-product allowance. Limit < 0 means unmetered.
type Quota struct {
	Limit float64 `json:"limit" db:"limit"`
	Usage float64 `json:"usage" db:"usage"`
}

// Exceeded reports whether usage has reached the limit.
func (q Quota) Exceeded() bool {
	return q.Limit >= 0 && q.Usage >= q.Limit
}

// ModelListConfig narrows which models an organization sees. Empty Allow
// means "all public models"; Block always wins over Allow.
type ModelListConfig struct {
	Allow []string `json:"allow,omitempty"`
	Block []string `json:"block,omitempty"`
}

// Organization is the billing and quota boundary. Projects belong to
// exactly one organization.
type Organization struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	// CreditGrant is promotional credit, consumed before purchased Credit.
	CreditGrant float64 `json:"credit_grant" db:"credit_grant"`
	Credit      float64 `json:"credit" db:"credit"`

	Quotas       map[Product]Quota `json:"quotas,omitempty" db:"quotas"`
	QuotaResetAt time.Time         `json:"quota_reset_at,omitempty" db:"quota_reset_at"`

	// ExternalKeys maps provider → API key supplied by the org (BYOK).
	// Stored encrypted when an encryption key is configured.
	ExternalKeys map[string]string `json:"external_keys,omitempty" db:"external_keys"`

	Models   ModelListConfig `json:"models,omitempty" db:"models"`
	Timezone string          `json:"timezone,omitempty" db:"timezone"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TotalCredit is what the org can still spend.
func (o *Organization) TotalCredit() float64 {
	return o.CreditGrant + o.Credit
}

type Project struct {
	ID             string `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	// APIKey is the bearer token that scopes requests to this project.
	APIKey string `json:"api_key,omitempty" db:"api_key"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Page is the standard list envelope.
type Page[T any] struct {
	Items  []T `json:"items"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}
