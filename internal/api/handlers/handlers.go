// Package handlers implements the HTTP handlers of the JamAI backend: the
// OpenAI-compatible model serving endpoints, the generative-table surface,
// the admin plane and file fetches. Handlers decode and validate wire
// shapes; behavior lives in the services they call.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/auth"
	"github.com/embeddedllm/jamai/internal/billing"
	"github.com/embeddedllm/jamai/internal/objectstore"
	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/router"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/internal/table"
	"github.com/embeddedllm/jamai/pkg/errs"
)

// Request body caps. Imports carry whole files; everything else is JSON.
const (
	maxJSONBody   = 4 << 20
	maxImportBody = 100 << 20
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Registry *registry.Registry
	Router   *router.Router
	Tables   *table.Service
	Billing  *billing.Manager
	Files    objectstore.Store
	Cipher   *auth.Cipher
	Version  string
}

// New creates a Handlers instance with all dependencies. cipher may be nil,
// in which case organization external keys are stored unsealed.
func New(st store.Store, reg *registry.Registry, rt *router.Router, tables *table.Service,
	bill *billing.Manager, files objectstore.Store, cipher *auth.Cipher, version string) *Handlers {
	return &Handlers{
		Store:    st,
		Registry: reg,
		Router:   rt,
		Tables:   tables,
		Billing:  bill,
		Files:    files,
		Cipher:   cipher,
		Version:  version,
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("API: response write failed")
	}
}

// errorBody is the wire shape of every error: the canonical error fields
// plus the OpenAI-style type tag browser SDKs switch on.
type errorBody struct {
	*errs.Error
	Type string `json:"type"`
}

// respondError renders err's kind as HTTP status and body. Unexpected
// errors are logged with their cause; the client sees only the kind.
func respondError(w http.ResponseWriter, err error) {
	e := errs.AsError(err)
	status := errs.HTTPStatus(e.Kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("API: request failed")
	}
	respondJSON(w, status, map[string]any{
		"error": errorBody{Error: e, Type: openaiErrorType(status)},
	})
}

// openaiErrorType maps a status to the error.type value OpenAI-compatible
// clients expect.
func openaiErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

// decodeJSON reads a capped JSON body into dst, answering the request
// itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, errs.BadInput("invalid request body: %v", err))
		return false
	}
	return true
}
