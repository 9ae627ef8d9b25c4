/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration (.env honored)
  2. Parse command-line flags (flags override env)
  3. Initialize logging
  4. Initialize SQLite store
  5. Create billing service, API handler, router
  6. Start the overdue sweeper
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: env PORT or 8080)
  -db      SQLite database path (default: env DB_PATH)
           Use ":memory:" for in-memory database
  -seed    Load demo price book and orders on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the overdue sweeper
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run with in-memory database and demo data
  ./server -db=":memory:" -seed

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment keys
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dentalab/billing-engine/api"
	"github.com/dentalab/billing-engine/billing"
	"github.com/dentalab/billing-engine/config"
	"github.com/dentalab/billing-engine/logger"
	"github.com/dentalab/billing-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		lg := logger.GetLogger()
		lg.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Flags override env
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	seed := flag.Bool("seed", false, "load demo price book and orders")
	flag.Parse()

	if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
		lg := logger.GetLogger()
		lg.Fatal().Err(err).Msg("failed to configure logging")
	}
	log := logger.WithComponent("server")

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", *dbPath).Msg("failed to initialize database")
	}
	defer store.Close()

	// Initialize service and handler
	svc := billing.NewService(store, logger.WithComponent("billing"))
	svc.SetDueDays(cfg.DueDays)

	if *seed {
		if err := api.SeedDemoData(context.Background(), svc); err != nil {
			log.Fatal().Err(err).Msg("failed to seed demo data")
		}
		log.Info().Msg("demo data seeded")
	}

	handler := api.NewHandler(svc, logger.WithComponent("api"))
	router := api.NewRouter(handler)

	// Start the overdue sweeper
	sweeper := api.NewOverdueSweeper(svc, logger.WithComponent("sweeper"))
	sweeper.CheckInterval = cfg.SweepInterval
	sweeper.Enabled = cfg.SweepEnabled
	sweeper.Start()
	defer sweeper.Stop()

	// Create server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
