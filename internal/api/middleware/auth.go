package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/auth"
	"github.com/embeddedllm/jamai/internal/billing"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	pkgmw "github.com/embeddedllm/jamai/pkg/middleware"
	"github.com/embeddedllm/jamai/pkg/models"
)

// ProjectHeader lets service-key callers address a project explicitly, since
// the service key itself carries no tenant scope.
const ProjectHeader = "X-PROJECT-ID"

// Auth resolves the caller's tenant and opens the request's billing tab.
//
// Requests authenticate with Authorization: Bearer <token> (or X-API-Key),
// where the token is either a project API key or the deployment's service
// key. With no service key configured the deployment is open access: keyless
// requests act on the default project.
type Auth struct {
	store      store.Store
	billing    *billing.Manager
	serviceKey string
	cipher     *auth.Cipher
}

// NewAuth wires the auth middleware. cipher may be nil when external keys
// are stored unencrypted.
func NewAuth(st store.Store, bill *billing.Manager, serviceKey string, cipher *auth.Cipher) *Auth {
	return &Auth{store: st, billing: bill, serviceKey: serviceKey, cipher: cipher}
}

// Project authenticates a project-scoped request, stores the organization
// and project in the context, and meters the response as egress on the
// request's billing tab.
func (a *Auth) Project(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		project, err := a.resolveProject(r)
		if err != nil {
			respondAuthError(w, err)
			return
		}
		org, err := a.store.GetOrganization(ctx, project.OrganizationID)
		if err != nil {
			log.Error().Err(err).Str("project_id", project.ID).Msg("Auth: project org lookup failed")
			respondAuthError(w, errs.Unauthenticated("project %q has no organization", project.ID))
			return
		}
		org.ExternalKeys = a.cipher.DecryptKeys(org.ExternalKeys)

		ctx = pkgmw.SetOrg(ctx, org)
		ctx = pkgmw.SetProject(ctx, project)

		tab := a.billing.Begin(org, project.ID)
		ctx = billing.WithTab(ctx, tab)

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		tab.RecordEgress(ctx, int64(rw.bytes))
		tab.Commit(ctx)
	})
}

// resolveProject maps the request's credentials to a project.
func (a *Auth) resolveProject(r *http.Request) (*models.Project, error) {
	ctx := r.Context()
	token := bearerToken(r)

	if a.serviceKey != "" && token != "" && constantTimeEqual(token, a.serviceKey) {
		id := r.Header.Get(ProjectHeader)
		if id == "" {
			return nil, errs.BadInput("service key requests must set %s", ProjectHeader)
		}
		project, err := a.store.GetProject(ctx, id)
		if err != nil {
			return nil, errs.NotFound("project", id)
		}
		return project, nil
	}

	if token != "" {
		project, err := a.store.GetProjectByAPIKey(ctx, token)
		if err == nil {
			return project, nil
		}
		if a.serviceKey != "" {
			return nil, errs.Unauthenticated("invalid API key")
		}
		// Open access: a stale key degrades to the default project rather
		// than locking the single-user deployment out.
	}

	if a.serviceKey != "" {
		return nil, errs.Unauthenticated("authorization required")
	}
	project, err := a.store.GetProject(ctx, models.DefaultProjectID)
	if err != nil {
		return nil, errs.Unauthenticated("default project is not provisioned")
	}
	return project, nil
}

// Admin gates the admin surface behind the service key. With no service key
// configured the surface is open, matching the rest of the deployment.
func (a *Auth) Admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.serviceKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" || !constantTimeEqual(token, a.serviceKey) {
			respondAuthError(w, errs.Unauthenticated("service key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the credential from Authorization: Bearer, falling
// back to the X-API-Key header.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// respondAuthError renders an auth failure without importing the handlers
// package (which would cycle).
func respondAuthError(w http.ResponseWriter, err error) {
	e := errs.AsError(err)
	status := errs.HTTPStatus(e.Kind)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="jamai"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": e})
}
