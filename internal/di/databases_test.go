package di

import (
	"path/filepath"
	"testing"

	"github.com/quantdesk/rebalancer/internal/config"
	"github.com/quantdesk/rebalancer/internal/database"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDatabases(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &config.Config{DataDir: tmpDir}

	container, err := InitializeDatabases(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, container.DB)
	defer container.Close()

	assert.FileExists(t, filepath.Join(tmpDir, "rebalancer.db"))
	assert.Equal(t, database.ProfileLedger, container.DB.Profile())

	// Schema is applied
	var n int
	err = container.DB.Conn().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('rebalance_requests', 'analysis_records', 'trade_orders', 'rebalance_tasks')",
	).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestInitializeRepositories_RequiresDatabase(t *testing.T) {
	err := InitializeRepositories(&Container{}, zerolog.Nop())
	assert.Error(t, err)

	err = InitializeRepositories(nil, zerolog.Nop())
	assert.Error(t, err)
}
