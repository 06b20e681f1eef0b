/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Initialize SQLite store
  3. Wire the domain services (registry, ledger, rules, reconcile)
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: ledger.db)
              Use ":memory:" for an in-memory database
  -tolerance  Reconciliation tolerance as a decimal (default: 0)
  -demo       Enable the demo scenario loader (resets data on load)

ENVIRONMENT (flags win over environment):
  PORT            HTTP server port
  DATABASE_PATH   SQLite database path
  KAFKA_BROKERS   Comma-separated broker list; empty disables event publishing

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the event publisher and database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Publish posted-transaction events
  KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/allocation"
	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/events"
	"github.com/warp/ledger-engine/events/kafka"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DATABASE_PATH", "ledger.db"), "SQLite database path")
	toleranceStr := flag.String("tolerance", "0", "reconciliation tolerance (decimal)")
	demo := flag.Bool("demo", false, "enable the demo scenario loader (resets data on load)")
	flag.Parse()

	tolerance, err := decimal.NewFromString(*toleranceStr)
	if err != nil {
		log.Fatalf("Invalid tolerance %q: %v", *toleranceStr, err)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Event publisher
	var publisher events.Publisher = events.Noop{}
	var kafkaPublisher *kafka.Publisher
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaPublisher = kafka.NewPublisher(strings.Split(brokers, ","))
		publisher = kafkaPublisher
		log.Printf("Publishing events to %s", brokers)
	}

	// Wire the domain services
	registry := ledger.NewRegistry(store)
	led := ledger.NewLedger(store, allocation.NewEngine(), publisher)
	rules := allocation.NewService(store)
	rec := reconcile.NewEngine(store, led, tolerance)

	handler := api.NewHandler(registry, led, rules, rec, store)
	if *demo {
		handler.Demo = store
		log.Println("Demo scenario loader enabled")
	}
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Ledger engine listening on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			log.Printf("Failed to close event publisher: %v", err)
		}
	}

	log.Println("Server stopped")
}

func envStr(key, fallback string) string {
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
