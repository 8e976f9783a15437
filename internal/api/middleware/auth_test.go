package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/embeddedllm/jamai/internal/api/middleware"
	"github.com/embeddedllm/jamai/internal/billing"
	"github.com/embeddedllm/jamai/internal/lock"
	"github.com/embeddedllm/jamai/internal/store"
	pkgmw "github.com/embeddedllm/jamai/pkg/middleware"
	"github.com/embeddedllm/jamai/pkg/models"
)

func seededStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	org := &models.Organization{ID: "org_1", Name: "Acme", Credit: 10}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization() error = %v", err)
	}
	project := &models.Project{ID: "proj_1", Name: "Prod", OrganizationID: "org_1", APIKey: "jamai_sk_test"}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	def := &models.Organization{ID: models.DefaultOrganizationID, Name: "Default"}
	if err := st.CreateOrganization(ctx, def); err != nil {
		t.Fatalf("CreateOrganization(default) error = %v", err)
	}
	defProj := &models.Project{ID: models.DefaultProjectID, Name: "Default", OrganizationID: models.DefaultOrganizationID}
	if err := st.CreateProject(ctx, defProj); err != nil {
		t.Fatalf("CreateProject(default) error = %v", err)
	}
	return st
}

func newAuth(t *testing.T, st store.Store, serviceKey string) *middleware.Auth {
	t.Helper()
	bill := billing.NewManager(st, lock.NewLocal(), nil, false, time.Minute)
	return middleware.NewAuth(st, bill, serviceKey, nil)
}

// capture records the tenant the middleware resolved.
func capture(orgID, projectID *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if org := pkgmw.GetOrg(r.Context()); org != nil {
			*orgID = org.ID
		}
		if p := pkgmw.GetProject(r.Context()); p != nil {
			*projectID = p.ID
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestProjectAuthResolvesAPIKey(t *testing.T) {
	auth := newAuth(t, seededStore(t), "svc_secret")

	var orgID, projectID string
	h := auth.Project(capture(&orgID, &projectID))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer jamai_sk_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if orgID != "org_1" || projectID != "proj_1" {
		t.Fatalf("resolved tenant = %s/%s, want org_1/proj_1", orgID, projectID)
	}
}

func TestProjectAuthRejectsBadKey(t *testing.T) {
	auth := newAuth(t, seededStore(t), "svc_secret")

	h := auth.Project(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached with an invalid key")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestProjectAuthRejectsMissingToken(t *testing.T) {
	auth := newAuth(t, seededStore(t), "svc_secret")

	h := auth.Project(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without credentials")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestProjectAuthServiceKeyAddressesProject(t *testing.T) {
	auth := newAuth(t, seededStore(t), "svc_secret")

	var orgID, projectID string
	h := auth.Project(capture(&orgID, &projectID))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer svc_secret")
	req.Header.Set(middleware.ProjectHeader, "proj_1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if projectID != "proj_1" {
		t.Fatalf("resolved project = %s, want proj_1", projectID)
	}
}

func TestProjectAuthServiceKeyRequiresProjectHeader(t *testing.T) {
	auth := newAuth(t, seededStore(t), "svc_secret")

	h := auth.Project(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without a project header")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer svc_secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProjectAuthOpenAccessUsesDefaultProject(t *testing.T) {
	auth := newAuth(t, seededStore(t), "")

	var orgID, projectID string
	h := auth.Project(capture(&orgID, &projectID))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if orgID != models.DefaultOrganizationID || projectID != models.DefaultProjectID {
		t.Fatalf("resolved tenant = %s/%s, want defaults", orgID, projectID)
	}
}

func TestProjectAuthXAPIKeyHeader(t *testing.T) {
	auth := newAuth(t, seededStore(t), "svc_secret")

	var orgID, projectID string
	h := auth.Project(capture(&orgID, &projectID))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("X-API-Key", "jamai_sk_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || projectID != "proj_1" {
		t.Fatalf("status = %d project = %s, want 200 proj_1", rec.Code, projectID)
	}
}

func TestAdminRequiresServiceKey(t *testing.T) {
	auth := newAuth(t, seededStore(t), "svc_secret")

	reached := false
	h := auth.Admin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/organizations", nil)
	req.Header.Set("Authorization", "Bearer jamai_sk_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || reached {
		t.Fatalf("project key on admin: status = %d reached = %v, want 401 false", rec.Code, reached)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/organizations", nil)
	req.Header.Set("Authorization", "Bearer svc_secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !reached {
		t.Fatalf("service key on admin: status = %d reached = %v, want 200 true", rec.Code, reached)
	}
}

func TestAdminOpenWithoutServiceKey(t *testing.T) {
	auth := newAuth(t, seededStore(t), "")

	h := auth.Admin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/organizations", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
