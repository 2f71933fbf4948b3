package workerpool

import (
	"testing"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(globalMax, projectMax int) *Pool {
	return New(orchestrator.WorkerPoolConfig{
		GlobalMax:         globalMax,
		ProjectMaxDefault: projectMax,
	}, nil, nil)
}

func TestCanSpawnAllowsUnderBothCaps(t *testing.T) {
	p := newTestPool(10, 5)
	admission := p.CanSpawn("proj-a")
	assert.True(t, admission.CanSpawn)
	assert.Equal(t, LimitNone, admission.LimitHit)
}

func TestCanSpawnDeniesAtProjectCap(t *testing.T) {
	p := newTestPool(10, 2)
	p.RecordSpawn("proj-a", "s1")
	p.RecordSpawn("proj-a", "s2")

	admission := p.CanSpawn("proj-a")
	assert.False(t, admission.CanSpawn)
	assert.Equal(t, LimitProject, admission.LimitHit)
}

func TestCanSpawnGlobalCapPrecedesProjectCap(t *testing.T) {
	// Global cap is exhausted by a different project; proj-a itself is
	// nowhere near its own (generous) per-project cap, so the admission
	// check must still report the global limit, not "none".
	p := newTestPool(2, 100)
	p.RecordSpawn("proj-other", "s1")
	p.RecordSpawn("proj-other", "s2")

	admission := p.CanSpawn("proj-a")
	assert.False(t, admission.CanSpawn)
	assert.Equal(t, LimitGlobal, admission.LimitHit)
}

func TestRecordSpawnIsIdempotent(t *testing.T) {
	p := newTestPool(10, 5)
	p.RecordSpawn("proj-a", "s1")
	p.RecordSpawn("proj-a", "s1")

	status := p.GetStatus()
	require.Contains(t, status.ProjectCounts, "proj-a")
	assert.Equal(t, 1, status.ProjectCounts["proj-a"].Active)
}

func TestRecordExitNeverGoesNegativeAndDropsEmptyProjects(t *testing.T) {
	p := newTestPool(10, 5)
	p.RecordExit("proj-a", "unknown")

	p.RecordSpawn("proj-a", "s1")
	p.RecordExit("proj-a", "s1")
	p.RecordExit("proj-a", "s1") // idempotent double-exit

	status := p.GetStatus()
	_, exists := status.ProjectCounts["proj-a"]
	assert.False(t, exists)
	assert.Equal(t, 0, status.GlobalActive)
}

func TestSyncFromSessionsReplacesStateWholesale(t *testing.T) {
	p := newTestPool(10, 5)
	p.RecordSpawn("proj-a", "stale-session")

	sessions := []*aotypes.Session{
		{ID: "s1", ProjectID: "proj-a", Status: aotypes.StatusWorking},
		{ID: "s2", ProjectID: "proj-a", Status: aotypes.StatusMerged}, // excluded
		{ID: "s3", ProjectID: "proj-b", Status: aotypes.StatusPROpen},
	}
	p.SyncFromSessions(sessions)

	status := p.GetStatus()
	assert.Equal(t, 1, status.ProjectCounts["proj-a"].Active)
	assert.Equal(t, 1, status.ProjectCounts["proj-b"].Active)
	assert.Equal(t, 2, status.GlobalActive)
}

func TestHealthReflectsUtilization(t *testing.T) {
	p := newTestPool(2, 2)
	p.RecordSpawn("proj-a", "s1")
	p.RecordSpawn("proj-a", "s2")

	health := p.Health(3)
	assert.False(t, health.IsHealthy)
	assert.Equal(t, 2, health.GlobalActive)
	assert.Equal(t, 3, health.OrphansRecovered)
}
