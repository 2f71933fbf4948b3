package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIsDeterministic(t *testing.T) {
	a := Resolve("/home/u/.config", "/cfg/a.yaml", "/repos/a")
	b := Resolve("/home/u/.config", "/cfg/a.yaml", "/repos/a")
	assert.Equal(t, a, b)
}

func TestResolveDiffersByProjectPath(t *testing.T) {
	a := Resolve("/home/u/.config", "/cfg/a.yaml", "/repos/a")
	b := Resolve("/home/u/.config", "/cfg/a.yaml", "/repos/b")
	assert.NotEqual(t, a.ProjectBaseDir, b.ProjectBaseDir)
}

func TestResolveDiffersByConfigPathEvenWithSameProjectPath(t *testing.T) {
	// Two different configs referencing the same repo must not collide.
	a := Resolve("/home/u/.config", "/cfg/a.yaml", "/repos/shared")
	b := Resolve("/home/u/.config", "/cfg/b.yaml", "/repos/shared")
	assert.NotEqual(t, a.ProjectBaseDir, b.ProjectBaseDir)
}

func TestEnsureCreatesAllDirs(t *testing.T) {
	base := t.TempDir()
	pp := Resolve(base, "/cfg/a.yaml", "/repos/a")
	require.NoError(t, pp.Ensure())

	for _, dir := range []string{pp.ProjectBaseDir, pp.SessionsDir, pp.WorktreeDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWorktreePathIsKeyedBySession(t *testing.T) {
	pp := Resolve("/base", "/cfg/a.yaml", "/repos/a")
	assert.Equal(t, filepath.Join(pp.WorktreeDir, "sess-1"), pp.WorktreePath("sess-1"))
	assert.NotEqual(t, pp.WorktreePath("sess-1"), pp.WorktreePath("sess-2"))
}

func TestReviewArtifactPathEmbedsPhaseRoundRole(t *testing.T) {
	got := ReviewArtifactPath("/ws", "code_review", 2, "architect")
	assert.Equal(t, filepath.Join("/ws", ".ao", "reviews", "code_review-2-architect.md"), got)
}
