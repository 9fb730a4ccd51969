/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load TOML config if given
  2. Initialize SQLite store
  3. Create ledger engine and bonus gate
  4. Configure HTTP router, start expiry sweeper
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  TOML config file (optional; defaults apply without it)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the expiry sweeper, close the database
  4. Exit

EXAMPLES:
  ./server -config=./config.toml
  ./server -db=":memory:" -port=3000
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/bonus"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/store/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		dbPath     = flag.String("db", "", "SQLite database path (overrides config)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}

	store, err := sqlite.New(cfg.Server.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	engine := ledger.New(store)
	gate := bonus.NewGate(engine, store, cfg.Bonus)
	handler := api.NewHandler(engine, gate, store)

	sweeper := api.NewExpirySweeper(engine)
	sweeper.Enabled = cfg.Sweeper.Enabled
	if cfg.Sweeper.Interval.Duration > 0 {
		sweeper.Interval = cfg.Sweeper.Interval.Duration
	}
	sweeper.Start()
	defer sweeper.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: api.NewRouter(handler),
	}

	go func() {
		log.Printf("Credit ledger listening on %s (db: %s)", addr, cfg.Server.DBPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
}
