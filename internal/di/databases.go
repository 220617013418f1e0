package di

import (
	"fmt"
	"path/filepath"

	"github.com/quantdesk/rebalancer/internal/config"
	"github.com/quantdesk/rebalancer/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the rebalancer database and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// Trade orders are written here, so the ledger profile (synchronous FULL) applies
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "rebalancer.db"),
		Profile: database.ProfileLedger,
		Name:    "rebalancer",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rebalancer database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply rebalancer schema: %w", err)
	}
	container.DB = db

	log.Info().Str("path", db.Path()).Msg("Database initialized")
	return container, nil
}
