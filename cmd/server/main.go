/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the daily settlement server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize SQLite store
  3. Wire the settlement job and HTTP handler
  4. Start server with graceful shutdown

CONFIGURATION:
  -port     HTTP server port         (env PORT, default 8080)
  -db       SQLite database path     (env DB_PATH, default settlement.db)
            Use ":memory:" for an in-memory database
  -workers  Worker pool size per pass (env SETTLE_WORKERS, default 4)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active passes to complete (30s timeout)
  3. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - settle/job.go: Pass orchestration
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
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/settle"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	// Deploy targets configure via env; .env is a local-dev convenience.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envString("DB_PATH", "settlement.db"), "SQLite database path")
	workers := flag.Int("workers", envInt("SETTLE_WORKERS", 4), "worker pool size per settlement pass")
	flag.Parse()

	// The store client is built once here and injected everywhere; its
	// lifecycle is the process lifetime.
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	job := settle.NewJob(store)
	job.Workers = *workers

	handler := api.NewHandler(job)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // a full pass can take a while
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] Listening on http://localhost:%d", *port)
		log.Printf("[Server] Cron endpoints: /cron/daily-income /cron/referral-bonus")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Stopped")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
