package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// Admin handlers manage organizations, projects and model configs. They sit
// behind the service-key gate and call the store and registry directly.

func translateStore(err error) error {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return errs.NotFound(nf.Entity, nf.Key)
	}
	var ex *store.ErrExists
	if errors.As(err, &ex) {
		return errs.Exists(ex.Entity, ex.Key)
	}
	return err
}

// ── Organizations ───────────────────────────────────────────

func (h *Handlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrganizations(r.Context())
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	for i := range orgs {
		maskExternalKeys(&orgs[i])
	}
	respondJSON(w, http.StatusOK, orgs)
}

func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var org models.Organization
	if !decodeJSON(w, r, &org) {
		return
	}
	if org.Name == "" {
		respondError(w, errs.BadInput("name must not be empty"))
		return
	}
	if org.ID == "" {
		org.ID = "org_" + shortID()
	}
	sealed, err := h.Cipher.EncryptKeys(org.ExternalKeys)
	if err != nil {
		respondError(w, err)
		return
	}
	org.ExternalKeys = sealed
	if err := h.Store.CreateOrganization(r.Context(), &org); err != nil {
		respondError(w, translateStore(err))
		return
	}
	log.Info().Str("org_id", org.ID).Msg("Admin: organization created")
	maskExternalKeys(&org)
	respondJSON(w, http.StatusCreated, org)
}

func (h *Handlers) GetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.Store.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	maskExternalKeys(org)
	respondJSON(w, http.StatusOK, org)
}

// orgPatch is the PATCH body for an organization. Nil fields stay.
type orgPatch struct {
	Name     *string                 `json:"name,omitempty"`
	Timezone *string                 `json:"timezone,omitempty"`
	Models   *models.ModelListConfig `json:"models,omitempty"`
}

func (h *Handlers) UpdateOrganization(w http.ResponseWriter, r *http.Request) {
	var patch orgPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	org, err := h.Store.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	if patch.Name != nil {
		org.Name = *patch.Name
	}
	if patch.Timezone != nil {
		org.Timezone = *patch.Timezone
	}
	if patch.Models != nil {
		org.Models = *patch.Models
	}
	if err := h.Store.UpdateOrganization(r.Context(), org); err != nil {
		respondError(w, translateStore(err))
		return
	}
	maskExternalKeys(org)
	respondJSON(w, http.StatusOK, org)
}

func (h *Handlers) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteOrganization(r.Context(), chi.URLParam(r, "orgID")); err != nil {
		respondError(w, translateStore(err))
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

// creditPatch sets credit balances. Nil fields stay.
type creditPatch struct {
	CreditGrant *float64 `json:"credit_grant,omitempty"`
	Credit      *float64 `json:"credit,omitempty"`
}

func (h *Handlers) PatchCredit(w http.ResponseWriter, r *http.Request) {
	var patch creditPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	org, err := h.Store.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	if patch.CreditGrant != nil {
		if *patch.CreditGrant < 0 {
			respondError(w, errs.BadInput("credit_grant must be >= 0"))
			return
		}
		org.CreditGrant = *patch.CreditGrant
	}
	if patch.Credit != nil {
		if *patch.Credit < 0 {
			respondError(w, errs.BadInput("credit must be >= 0"))
			return
		}
		org.Credit = *patch.Credit
	}
	if err := h.Store.UpdateOrganization(r.Context(), org); err != nil {
		respondError(w, translateStore(err))
		return
	}
	log.Info().Str("org_id", org.ID).Float64("credit_grant", org.CreditGrant).
		Float64("credit", org.Credit).Msg("Admin: credit updated")
	maskExternalKeys(org)
	respondJSON(w, http.StatusOK, org)
}

// quotaPatch merges per-product quotas and optionally moves the reset date.
type quotaPatch struct {
	Quotas       map[models.Product]models.Quota `json:"quotas"`
	QuotaResetAt *time.Time                      `json:"quota_reset_at,omitempty"`
}

func (h *Handlers) PatchQuotas(w http.ResponseWriter, r *http.Request) {
	var patch quotaPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	org, err := h.Store.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	if org.Quotas == nil {
		org.Quotas = make(map[models.Product]models.Quota, len(patch.Quotas))
	}
	for product, quota := range patch.Quotas {
		org.Quotas[product] = quota
	}
	if patch.QuotaResetAt != nil {
		org.QuotaResetAt = *patch.QuotaResetAt
	}
	if err := h.Store.UpdateOrganization(r.Context(), org); err != nil {
		respondError(w, translateStore(err))
		return
	}
	maskExternalKeys(org)
	respondJSON(w, http.StatusOK, org)
}

// PutExternalKeys replaces the organization's provider keys, sealing them
// when an encryption key is configured.
func (h *Handlers) PutExternalKeys(w http.ResponseWriter, r *http.Request) {
	var keys map[string]string
	if !decodeJSON(w, r, &keys) {
		return
	}
	org, err := h.Store.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	sealed, err := h.Cipher.EncryptKeys(keys)
	if err != nil {
		respondError(w, err)
		return
	}
	org.ExternalKeys = sealed
	if err := h.Store.UpdateOrganization(r.Context(), org); err != nil {
		respondError(w, translateStore(err))
		return
	}
	log.Info().Str("org_id", org.ID).Int("keys", len(keys)).Msg("Admin: external keys replaced")
	maskExternalKeys(org)
	respondJSON(w, http.StatusOK, org)
}

// ── Projects ────────────────────────────────────────────────

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context(), r.URL.Query().Get("organization_id"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	for i := range projects {
		projects[i].APIKey = maskSecret(projects[i].APIKey)
	}
	respondJSON(w, http.StatusOK, projects)
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var project models.Project
	if !decodeJSON(w, r, &project) {
		return
	}
	if project.Name == "" {
		respondError(w, errs.BadInput("name must not be empty"))
		return
	}
	if project.OrganizationID == "" {
		respondError(w, errs.BadInput("organization_id must not be empty"))
		return
	}
	if _, err := h.Store.GetOrganization(r.Context(), project.OrganizationID); err != nil {
		respondError(w, translateStore(err))
		return
	}
	if project.ID == "" {
		project.ID = "proj_" + shortID()
	}
	if project.APIKey == "" {
		project.APIKey = "jamai_sk_" + shortID()
	}
	if err := h.Store.CreateProject(r.Context(), &project); err != nil {
		respondError(w, translateStore(err))
		return
	}
	log.Info().Str("project_id", project.ID).Str("org_id", project.OrganizationID).
		Msg("Admin: project created")
	// The creation response is the only place the full key is shown.
	respondJSON(w, http.StatusCreated, project)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.Store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	project.APIKey = maskSecret(project.APIKey)
	respondJSON(w, http.StatusOK, project)
}

type projectPatch struct {
	Name *string `json:"name,omitempty"`
}

func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
	var patch projectPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	project, err := h.Store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	if patch.Name != nil {
		project.Name = *patch.Name
	}
	if err := h.Store.UpdateProject(r.Context(), project); err != nil {
		respondError(w, translateStore(err))
		return
	}
	project.APIKey = maskSecret(project.APIKey)
	respondJSON(w, http.StatusOK, project)
}

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteProject(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		respondError(w, translateStore(err))
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

// ── Model configs ───────────────────────────────────────────

func (h *Handlers) ListModelConfigs(w http.ResponseWriter, r *http.Request) {
	// nil org is the service scope: every config, internal ones included.
	list, err := h.Registry.List(r.Context(), nil, "", "")
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	for i := range list {
		maskDeploymentKeys(&list[i])
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) UpsertModelConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.ModelConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := h.Registry.Upsert(r.Context(), &cfg); err != nil {
		respondError(w, translateStore(err))
		return
	}
	log.Info().Str("model", cfg.ID).Int("deployments", len(cfg.Deployments)).
		Msg("Admin: model config upserted")
	maskDeploymentKeys(&cfg)
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) DeleteModelConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Delete(r.Context(), modelIDParam(r)); err != nil {
		respondError(w, translateStore(err))
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

func (h *Handlers) PatchDeployment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, errs.BadInput("deployment index must be an integer"))
		return
	}
	var patch registry.DeploymentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	cfg, err := h.Registry.PatchDeployment(r.Context(), modelIDParam(r), index, patch)
	if err != nil {
		respondError(w, translateStore(err))
		return
	}
	maskDeploymentKeys(cfg)
	respondJSON(w, http.StatusOK, cfg)
}

// modelIDParam reassembles the "{owner}/{name}" model id from its two path
// segments.
func modelIDParam(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
}

// ── Billing ─────────────────────────────────────────────────

// FlushBilling drains the usage accumulators immediately. Operational hook;
// the periodic flusher does this on its own.
func (h *Handlers) FlushBilling(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.Flush(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

// ── Redaction ───────────────────────────────────────────────

// maskSecret keeps a recognizable prefix and hides the rest.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 4)
}

func maskExternalKeys(org *models.Organization) {
	for provider, key := range org.ExternalKeys {
		org.ExternalKeys[provider] = maskSecret(key)
	}
}

func maskDeploymentKeys(cfg *models.ModelConfig) {
	for i := range cfg.Deployments {
		cfg.Deployments[i].APIKey = maskSecret(cfg.Deployments[i].APIKey)
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
