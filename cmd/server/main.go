// JamAI backend — multi-tenant LLM serving and generative tables.
//
// Single binary entry point. It provides:
//   - OpenAI-compatible chat, embedding and rerank endpoints with
//     weighted failover routing across provider deployments
//   - Generative tables: schema-driven row generation over a column DAG,
//     with RAG-backed knowledge retrieval and hybrid search
//   - Usage metering with credit and quota billing
//   - Zero-config OSS mode: in-memory store, open access

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/pkg/server"
)

func main() {
	// .env is optional; environment variables win.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if pretty, _ := strconv.ParseBool(os.Getenv("LOG_PRETTY")); pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().Msg("🫙 JamAI backend starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", srv.Port),
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: row generation streams are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	log.Info().
		Int("port", srv.Port).
		Str("version", srv.Config.Version).
		Msg("🔥 JamAI is hot and ready!")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}

	// Stop the billing loops, flush what they held, then drop telemetry
	// and the store.
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.ShutdownFunc(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown flush failed")
	}
	srv.Store.Close()
}
