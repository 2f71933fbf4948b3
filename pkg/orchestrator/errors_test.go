package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpawnErrorUnwrapsToSentinel(t *testing.T) {
	err := NewSpawnError("proj-1", "global", 0)
	assert.True(t, errors.Is(err, ErrSpawnDenied))
	assert.Contains(t, err.Error(), "proj-1")
	assert.Contains(t, err.Error(), "global")
}

func TestValidationErrorUnwrapsToUnderlyingErr(t *testing.T) {
	underlying := errors.New("required field missing")
	err := NewValidationError("session", "issueId", underlying)
	assert.True(t, errors.Is(err, underlying))
	assert.Contains(t, err.Error(), "session")
	assert.Contains(t, err.Error(), "issueId")
}

func TestDefaultConfigPopulatesEveryComponent(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.WorkerPool.GlobalMax)
	assert.Equal(t, 5, cfg.WorkerPool.ProjectMaxDefault)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.MinResetFloor)
	assert.Equal(t, 50, cfg.Cycle.HistoryCapacity)
	assert.Equal(t, 3, cfg.Cycle.MaxCycleRepetitions)
	assert.Equal(t, 3, cfg.Phase.MaxReviewerSpawnFailures)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 30*time.Second, cfg.Reaction.BackoffBase)
}
