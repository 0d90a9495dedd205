package store

import (
	"fmt"
	"log"
	"os"
)

// BackendConfig selects and parameterizes the persistence backend.
type BackendConfig struct {
	Backend     string // "memory", "supabase" or "postgres"
	DatabaseURL string
	SupabaseURL string
	SupabaseKey string
}

// NewStore creates the appropriate store based on configuration.
func NewStore(config BackendConfig) (Store, error) {
	switch config.Backend {
	case "supabase":
		if config.SupabaseURL == "" || config.SupabaseKey == "" {
			return nil, fmt.Errorf("supabase configuration incomplete")
		}
		return NewSupabase(config.SupabaseURL, config.SupabaseKey)

	case "postgres":
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres configuration incomplete")
		}
		return NewPostgres(config.DatabaseURL)

	case "memory", "":
		// Default for local development
		log.Printf("[STORE] ⚠️ Using in-memory store, data is lost on restart")
		return NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown backend: %s", config.Backend)
	}
}

// NewStoreFromEnv creates a store from environment variables.
func NewStoreFromEnv() (Store, error) {
	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory" // Default
	}

	config := BackendConfig{
		Backend:     backend,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SupabaseURL: os.Getenv("SUPABASE_URL"),
		SupabaseKey: os.Getenv("SUPABASE_SERVICE_KEY"),
	}

	return NewStore(config)
}
