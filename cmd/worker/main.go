// Package main provides the entry point for the extraction worker.
//
// The worker exposes a single job endpoint (POST /v1/jobs) that extracts
// entities and relationships from a text chunk and writes them back to the
// knowledge graph API, plus health and metrics endpoints for the host.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/emergent.extract/domain/extraction"
	"github.com/emergent-company/emergent.extract/domain/health"
	"github.com/emergent-company/emergent.extract/domain/tracing"
	"github.com/emergent-company/emergent.extract/internal/config"
	"github.com/emergent-company/emergent.extract/internal/server"
	"github.com/emergent-company/emergent.extract/pkg/logger"
)

func main() {
	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		server.Module,
		tracing.Module,

		// Domain modules
		health.Module,
		extraction.Module,
	).Run()
}
