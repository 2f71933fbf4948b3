package phase

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpawner records SpawnReviewer calls and returns a fixed sub-session
// list, letting tests control dispatch idempotence without pkg/session.
type fakeSpawner struct {
	spawned    []aotypes.ReviewerRole
	spawnErr   error
	subSession []*aotypes.Session
}

func (f *fakeSpawner) SpawnReviewer(ctx context.Context, parent *aotypes.Session, role aotypes.ReviewerRole, reviewPhase aotypes.Phase, round int) error {
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.spawned = append(f.spawned, role)
	return nil
}

func (f *fakeSpawner) ListSubSessions(parentSessionID string, reviewPhase aotypes.Phase, round int) []*aotypes.Session {
	return f.subSession
}

func testConfig() orchestrator.PhaseConfig {
	return orchestrator.PhaseConfig{MaxReviewerSpawnFailures: 3}
}

func writeReviewArtifact(t *testing.T, workspace string, phase aotypes.Phase, round int, role aotypes.ReviewerRole, decision aotypes.ReviewDecision) {
	t.Helper()
	dir := filepath.Join(workspace, ".ao", "reviews")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, string(phase)+"-"+itoa(round)+"-"+string(role)+".md")
	content := "decision: " + string(decision) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func TestCheckPlanningAdvancesOnPlanArtifact(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".ao"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".ao", "plan.md"), []byte("plan"), 0o644))

	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanning, WorkspacePath: ws, Metadata: map[string]string{}}
	phase, round, escalate := m.Check(context.Background(), session, &fakeSpawner{})

	assert.Equal(t, aotypes.PhasePlanReview, phase)
	assert.Equal(t, 1, round)
	assert.False(t, escalate)
}

func TestCheckPlanningStaysWithoutArtifact(t *testing.T) {
	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanning, Metadata: map[string]string{}}
	phase, _, _ := m.Check(context.Background(), session, &fakeSpawner{})
	assert.Equal(t, aotypes.PhasePlanning, phase)
}

func TestCheckReviewPhaseDispatchesMissingReviewers(t *testing.T) {
	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanReview, Metadata: map[string]string{"reviewRound": "1"}}
	spawner := &fakeSpawner{}

	_, _, _ = m.Check(context.Background(), session, spawner)

	assert.ElementsMatch(t, ReviewerRoles, spawner.spawned)
}

func TestCheckReviewPhaseDoesNotRedispatchLiveReviewers(t *testing.T) {
	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanReview, Metadata: map[string]string{"reviewRound": "1"}}
	spawner := &fakeSpawner{
		subSession: []*aotypes.Session{
			{ID: "sub-1", SubSessionInfo: &aotypes.SubSessionInfo{Role: aotypes.RoleArchitect, Phase: aotypes.PhasePlanReview, Round: 1}},
		},
	}

	_, _, _ = m.Check(context.Background(), session, spawner)

	assert.NotContains(t, spawner.spawned, aotypes.RoleArchitect)
	assert.Contains(t, spawner.spawned, aotypes.RoleDeveloper)
	assert.Contains(t, spawner.spawned, aotypes.RoleProduct)
}

func TestCheckReviewPhaseAdvancesOnUnanimousApproval(t *testing.T) {
	ws := t.TempDir()
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleArchitect, aotypes.DecisionApproved)
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleDeveloper, aotypes.DecisionApproved)
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleProduct, aotypes.DecisionApproved)

	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanReview, WorkspacePath: ws, Metadata: map[string]string{"reviewRound": "1"}}
	spawner := &fakeSpawner{}

	phase, round, _ := m.Check(context.Background(), session, spawner)
	assert.Equal(t, aotypes.PhaseImplementing, phase)
	assert.Equal(t, 1, round)
}

func TestCheckReviewPhaseRegressesOnAnyChangesRequested(t *testing.T) {
	ws := t.TempDir()
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleArchitect, aotypes.DecisionApproved)
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleDeveloper, aotypes.DecisionChangesRequested)
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleProduct, aotypes.DecisionApproved)

	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanReview, WorkspacePath: ws, Metadata: map[string]string{"reviewRound": "1"}}
	spawner := &fakeSpawner{}

	phase, round, _ := m.Check(context.Background(), session, spawner)
	assert.Equal(t, aotypes.PhasePlanning, phase)
	assert.Equal(t, 2, round)
}

func TestCheckImplementingAdvancesOnCodeArtifact(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".ao"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".ao", "code-ready"), []byte(""), 0o644))

	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhaseImplementing, WorkspacePath: ws, Metadata: map[string]string{"reviewRound": "1"}}
	phase, _, _ := m.Check(context.Background(), session, &fakeSpawner{})
	assert.Equal(t, aotypes.PhaseCodeReview, phase)
}

func TestCheckDoneStaysDone(t *testing.T) {
	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhaseDone, Metadata: map[string]string{}}
	phase, _, _ := m.Check(context.Background(), session, &fakeSpawner{})
	assert.Equal(t, aotypes.PhaseDone, phase)
}

func TestSpawnFailuresTracksConsecutiveFailures(t *testing.T) {
	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanReview, Metadata: map[string]string{"reviewRound": "1"}}
	spawner := &fakeSpawner{spawnErr: assertErr("boom")}

	_, _, _ = m.Check(context.Background(), session, spawner)
	assert.Equal(t, 3, m.SpawnFailures("s1", aotypes.PhasePlanReview, 1))
}

func TestSpawnFailuresResetOnSubsequentApproval(t *testing.T) {
	ws := t.TempDir()
	m := New(testConfig(), nil)
	session := &aotypes.Session{ID: "s1", Phase: aotypes.PhasePlanReview, WorkspacePath: ws, Metadata: map[string]string{"reviewRound": "1"}}

	failingSpawner := &fakeSpawner{spawnErr: assertErr("boom")}
	_, _, _ = m.Check(context.Background(), session, failingSpawner)
	require.Equal(t, 3, m.SpawnFailures("s1", aotypes.PhasePlanReview, 1))

	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleArchitect, aotypes.DecisionApproved)
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleDeveloper, aotypes.DecisionApproved)
	writeReviewArtifact(t, ws, aotypes.PhasePlanReview, 1, aotypes.RoleProduct, aotypes.DecisionApproved)

	_, _, _ = m.Check(context.Background(), session, &fakeSpawner{})
	assert.Equal(t, 0, m.SpawnFailures("s1", aotypes.PhasePlanReview, 1))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
