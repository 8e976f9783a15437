// Package api assembles the JamAI HTTP route tree.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/embeddedllm/jamai/internal/api/handlers"
	"github.com/embeddedllm/jamai/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers, auth *middleware.Auth) http.Handler {
	r := chi.NewRouter()

	// Global middleware. Compression is limited to JSON so event streams
	// pass through unbuffered.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5, "application/json"))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-PROJECT-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Warning"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/v1", func(r chi.Router) {
			// OpenAI-compatible model serving.
			r.Group(func(r chi.Router) {
				r.Use(auth.Project)
				r.Post("/chat/completions", h.ChatCompletions)
				r.Post("/embeddings", h.Embeddings)
				r.Post("/rerank", h.Rerank)
				r.Get("/models", h.ListModels)
				r.Get("/files/{bucket}/*", h.GetFile)
			})

			// Legacy mount kept for older clients.
			r.Route("/gen_tables", func(r chi.Router) {
				r.Use(deprecated("/api/v2/gen_tables"))
				r.Use(auth.Project)
				genTableRoutes(r, h)
			})
		})

		r.Route("/v2/gen_tables", func(r chi.Router) {
			r.Use(auth.Project)
			genTableRoutes(r, h)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Admin)

			r.Route("/organizations", func(r chi.Router) {
				r.Get("/", h.ListOrganizations)
				r.Post("/", h.CreateOrganization)
				r.Route("/{orgID}", func(r chi.Router) {
					r.Get("/", h.GetOrganization)
					r.Patch("/", h.UpdateOrganization)
					r.Delete("/", h.DeleteOrganization)
					r.Patch("/credit", h.PatchCredit)
					r.Patch("/quotas", h.PatchQuotas)
					r.Put("/external-keys", h.PutExternalKeys)
				})
			})

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", h.ListProjects)
				r.Post("/", h.CreateProject)
				r.Route("/{projectID}", func(r chi.Router) {
					r.Get("/", h.GetProject)
					r.Patch("/", h.UpdateProject)
					r.Delete("/", h.DeleteProject)
				})
			})

			// Model ids are "{owner}/{name}", hence the two-segment params.
			r.Route("/models", func(r chi.Router) {
				r.Get("/", h.ListModelConfigs)
				r.Put("/", h.UpsertModelConfig)
				r.Route("/{owner}/{name}", func(r chi.Router) {
					r.Delete("/", h.DeleteModelConfig)
					r.Patch("/deployments/{index}", h.PatchDeployment)
				})
			})

			r.Post("/billing/flush", h.FlushBilling)
		})
	})

	return r
}

// genTableRoutes registers the generative-table tree. It is mounted twice:
// under /api/v2 and under the deprecated /api/v1 alias.
func genTableRoutes(r chi.Router, h *handlers.Handlers) {
	r.Route("/{tableType}", func(r chi.Router) {
		r.Post("/", h.CreateTable)
		r.Get("/", h.ListTables)
		r.Post("/duplicate/{tableID}", h.DuplicateTable)
		r.Post("/rename/{tableID}/{newTableID}", h.RenameTable)

		r.Route("/columns", func(r chi.Router) {
			r.Post("/add", h.AddColumns)
			r.Post("/drop", h.DropColumns)
			r.Post("/rename", h.RenameColumns)
			r.Post("/reorder", h.ReorderColumns)
		})
		r.Post("/gen_config/update", h.UpdateGenConfig)

		r.Route("/rows", func(r chi.Router) {
			r.Post("/add", h.AddRows)
			r.Post("/regen", h.RegenRows)
			r.Post("/update", h.UpdateRow)
			r.Post("/delete", h.DeleteRows)
		})

		r.Post("/hybrid_search", h.HybridSearch)
		r.Post("/import_data", h.ImportData)
		r.Post("/import", h.ImportTable)

		r.Get("/{tableID}", h.GetTable)
		r.Delete("/{tableID}", h.DeleteTable)
		r.Get("/{tableID}/rows", h.ListRows)
		r.Get("/{tableID}/rows/{rowID}", h.GetRow)
		r.Delete("/{tableID}/rows/{rowID}", h.DeleteRow)
		r.Get("/{tableID}/export_data", h.ExportData)
		r.Get("/{tableID}/export", h.ExportTable)
	})
}

// deprecated stamps responses from a legacy mount with a Warning header
// pointing at the replacement prefix.
func deprecated(replacement string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Warning", `299 - "deprecated, use `+replacement+`"`)
			next.ServeHTTP(w, r)
		})
	}
}
