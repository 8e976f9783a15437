// Package server wires the JamAI backend together: stores, locks, the model
// registry and router, billing, the generative-table engine and the HTTP
// surface.
//
// It lives in pkg/ (not internal/) so a hosted composition can import it and
// wrap the handler with its own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":6969", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/api"
	"github.com/embeddedllm/jamai/internal/api/handlers"
	"github.com/embeddedllm/jamai/internal/api/middleware"
	"github.com/embeddedllm/jamai/internal/auth"
	"github.com/embeddedllm/jamai/internal/billing"
	"github.com/embeddedllm/jamai/internal/config"
	"github.com/embeddedllm/jamai/internal/dag"
	"github.com/embeddedllm/jamai/internal/executor"
	"github.com/embeddedllm/jamai/internal/lock"
	"github.com/embeddedllm/jamai/internal/objectstore"
	"github.com/embeddedllm/jamai/internal/providers"
	"github.com/embeddedllm/jamai/internal/rag"
	"github.com/embeddedllm/jamai/internal/registry"
	modelrouter "github.com/embeddedllm/jamai/internal/router"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/internal/table"
	"github.com/embeddedllm/jamai/internal/telemetry"
	"github.com/embeddedllm/jamai/pkg/models"
)

// Server holds the initialized JamAI backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store. Exposed so a hosted composition can reach
	// it from its own middleware, and so main can Close it.
	Store store.Store

	// Config is the effective configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes billing and telemetry. Call it on graceful
	// shutdown, after the HTTP server has drained.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration. ctx bounds
// startup work and the background billing loops; cancel it to stop them.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the backend with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownOTEL, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	locks, err := lock.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect locks: %w", err)
	}

	var sink billing.Sink
	if cfg.ClickHouse.Addr != "" {
		ch, err := billing.NewClickHouseSink(ctx, cfg.ClickHouse.Addr,
			cfg.ClickHouse.Database, cfg.ClickHouse.Username, cfg.ClickHouse.Password)
		if err != nil {
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		sink = ch
		log.Info().Str("addr", cfg.ClickHouse.Addr).Msg("✅ ClickHouse usage sink connected")
	}

	bill := billing.NewManager(st, locks, sink, cfg.Cloud, cfg.Billing.FlushInterval)
	go bill.StartFlusher(ctx)
	go bill.StartJanitor(ctx, time.Hour)

	reg := registry.New(st)
	if cfg.Generation.ModelsConfigPath != "" {
		if err := reg.LoadFile(ctx, cfg.Generation.ModelsConfigPath); err != nil {
			return nil, fmt.Errorf("load models config: %w", err)
		}
		log.Info().Str("path", cfg.Generation.ModelsConfigPath).Msg("✅ Model registry seeded")
	}

	adapters := providers.NewSet(nil)
	rt := modelrouter.New(reg, adapters, bill, cfg.Generation.BackoffBase)

	files, err := objectstore.Open(ctx, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	plans := dag.NewCache()
	retriever := rag.New(st, rt)
	var code *executor.CodeRunner
	if cfg.Generation.CodeExecutorURL != "" {
		code = executor.NewCodeRunner(cfg.Generation.CodeExecutorURL, nil)
		log.Info().Str("url", cfg.Generation.CodeExecutorURL).Msg("✅ Code executor attached")
	}
	ex := executor.New(st, rt, reg, retriever, plans, files, code, cfg.Generation.MaxConcurrentCols)
	tables := table.New(st, reg, rt, ex, plans, locks)

	cipher, err := auth.NewCipher(cfg.Auth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	// Open access: no service key means single-tenant OSS, every request
	// lands in the default org and project.
	if cfg.Auth.ServiceKey == "" {
		provisionDefaults(ctx, st)
	}

	h := handlers.New(st, reg, rt, tables, bill, files, cipher, cfg.Version)
	authmw := middleware.NewAuth(st, bill, cfg.Auth.ServiceKey, cipher)
	router := api.NewRouter(h, authmw)

	shutdown := func(ctx context.Context) error {
		if err := bill.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("Final billing flush failed")
		}
		return shutdownOTEL(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        st,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(), nil
	}
	dsn, err := withPoolSize(cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	pg, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	log.Info().Msg("✅ PostgreSQL store initialized")
	return pg, nil
}

// withPoolSize sets pgx's pool_max_conns on the DSN unless the URL already
// carries one.
func withPoolSize(dsn string, maxConns int) (string, error) {
	if maxConns <= 0 {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("pool_max_conns") == "" {
		q.Set("pool_max_conns", strconv.Itoa(maxConns))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// provisionDefaults seeds the open-access tenant. The org is unmetered:
// zero-value quotas read as exhausted, so every product gets an explicit
// negative limit.
func provisionDefaults(ctx context.Context, st store.Store) {
	if _, err := st.GetOrganization(ctx, models.DefaultOrganizationID); err != nil {
		quotas := make(map[models.Product]models.Quota)
		for _, p := range []models.Product{
			models.ProductLLMTokens,
			models.ProductEmbeddingTokens,
			models.ProductRerankerSearches,
			models.ProductDBStorage,
			models.ProductFileStorage,
			models.ProductEgress,
		} {
			quotas[p] = models.Quota{Limit: -1}
		}
		org := &models.Organization{
			ID:     models.DefaultOrganizationID,
			Name:   "Default Organization",
			Quotas: quotas,
		}
		if err := st.CreateOrganization(ctx, org); err != nil {
			log.Warn().Err(err).Msg("Failed to seed default organization")
		} else {
			log.Info().Msg("✅ Default organization seeded")
		}
	}
	if _, err := st.GetProject(ctx, models.DefaultProjectID); err != nil {
		project := &models.Project{
			ID:             models.DefaultProjectID,
			Name:           "Default Project",
			OrganizationID: models.DefaultOrganizationID,
		}
		if err := st.CreateProject(ctx, project); err != nil {
			log.Warn().Err(err).Msg("Failed to seed default project")
		} else {
			log.Info().Msg("✅ Default project seeded")
		}
	}
}
