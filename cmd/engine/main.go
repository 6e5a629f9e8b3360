package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/stepprotocol/step-engine/internal/api"
	"github.com/stepprotocol/step-engine/internal/config"
	"github.com/stepprotocol/step-engine/internal/proof"
	"github.com/stepprotocol/step-engine/internal/stats"
	"github.com/stepprotocol/step-engine/internal/store"
)

func main() {
	log.Println("Starting STEP Mesh & Proof-Validation Engine...")

	// ─── Configuration ──────────────────────────────────────────────────
	// All thresholds come from environment variables with documented
	// defaults. Use a .env file for local development:
	// cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}
	cfg := config.FromEnv()

	// DATABASE_URL selects the backend: PostgreSQL when set, otherwise an
	// in-memory store for API-only development.
	var dbStore store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pgStore, err := store.Connect(dbURL)
		if err != nil {
			log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.InitSchema(); err != nil {
			log.Fatalf("FATAL: DB schema init failed: %v", err)
		}
		dbStore = pgStore
	} else {
		log.Println("WARNING: DATABASE_URL not set — engine running on the in-memory store (state is lost on restart)")
		dbStore = store.NewMemoryStore()
	}

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	// Proof pipeline: mock attestation verifier unless a real one is
	// plugged in behind the same interface.
	pipeline := proof.New(cfg, dbStore, proof.MockAttestationVerifier{},
		proof.WithNotifier(wsHub.BroadcastEvent))

	// Background state-summary broadcast for connected explorers.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stats.NewPoller(dbStore, wsHub, 5*time.Second).Run(ctx)

	// Setup the Gin Router
	r := api.SetupRouter(cfg, dbStore, pipeline, wsHub)

	port := getEnvOrDefault("PORT", "5339")

	// Start the server
	log.Printf("Engine running on :%s (STEP mesh, %d base faces, %d levels)\n", port, 20, 21)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
