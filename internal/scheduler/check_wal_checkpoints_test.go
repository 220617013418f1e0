package scheduler

import (
	"testing"

	testutil "github.com/quantdesk/rebalancer/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCheckWALCheckpointsJob_Name(t *testing.T) {
	job := NewCheckWALCheckpointsJob(nil, zerolog.Nop())
	assert.Equal(t, "check_wal_checkpoints", job.Name())
}

func TestCheckWALCheckpointsJob_Run_NoDatabase(t *testing.T) {
	job := NewCheckWALCheckpointsJob(nil, zerolog.Nop())
	assert.NoError(t, job.Run())
}

func TestCheckWALCheckpointsJob_Run(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "rebalancer")
	defer cleanup()

	job := NewCheckWALCheckpointsJob(db, zerolog.Nop())
	assert.NoError(t, job.Run())

	job.threshold = -1
	assert.NoError(t, job.Run(), "forced checkpoint on an idle database")
}
