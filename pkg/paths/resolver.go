// Package paths resolves the deterministic on-disk layout for a project's
// orchestrator state (spec.md §4.3). It is a pure function package: no I/O
// beyond the directory-existence checks its callers explicitly ask for.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
)

// ProjectPaths is the resolved directory layout for one (configPath,
// projectPath) pair.
type ProjectPaths struct {
	ProjectBaseDir string
	SessionsDir    string
	WorktreeDir    string
}

// Resolve computes the deterministic project layout rooted at configDir.
// The hash of (configPath, projectPath) decouples the on-disk layout from
// human-friendly project names and prevents collisions when two configs
// reference the same repository (spec.md §4.3).
func Resolve(configDir, configPath, projectPath string) ProjectPaths {
	hash := stableHash(configPath, projectPath)
	base := filepath.Join(configDir, ".ao", "projects", hash)
	return ProjectPaths{
		ProjectBaseDir: base,
		SessionsDir:    filepath.Join(base, "sessions"),
		WorktreeDir:    filepath.Join(base, "worktrees"),
	}
}

// stableHash is deterministic across runs and platforms: inputs are
// joined with a separator byte that cannot appear in a filesystem path on
// either Unix or Windows, then hashed with SHA-256.
func stableHash(configPath, projectPath string) string {
	h := sha256.New()
	h.Write([]byte(configPath))
	h.Write([]byte{0})
	h.Write([]byte(projectPath))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Ensure creates every directory in p that does not yet exist.
func (p ProjectPaths) Ensure() error {
	for _, dir := range []string{p.ProjectBaseDir, p.SessionsDir, p.WorktreeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// WorktreePath returns the worktree directory for a single session.
func (p ProjectPaths) WorktreePath(sessionID string) string {
	return filepath.Join(p.WorktreeDir, sessionID)
}

// PlanArtifactPath returns the path to a session's plan artifact.
func PlanArtifactPath(workspacePath string) string {
	return filepath.Join(workspacePath, ".ao", "plan.md")
}

// ReviewArtifactPath returns the path to a review artifact for
// (phase, round, role).
func ReviewArtifactPath(workspacePath, phase string, round int, role string) string {
	return filepath.Join(workspacePath, ".ao", "reviews",
		phase+"-"+strconv.Itoa(round)+"-"+role+".md")
}
