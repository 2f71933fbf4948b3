// Package phase implements the session-phase state machine: planning →
// plan_review → implementing → code_review → done, spawning reviewer
// sub-sessions and aggregating their verdicts (spec.md §4.7). The
// idempotent-per-round dispatch is grounded on the
// teacher's sub-agent dispatcher, generalized from "dispatch a tool-call
// sub-agent" to "dispatch a reviewer sub-session for a phase round".
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
)

// Spawner is the subset of the Session Manager the Phase Manager needs to
// create reviewer sub-sessions, kept as a narrow interface so this package
// never depends on pkg/session directly (it would create an import
// cycle: Session Manager depends on Phase Manager, not the reverse).
type Spawner interface {
	SpawnReviewer(ctx context.Context, parent *aotypes.Session, role aotypes.ReviewerRole, phase aotypes.Phase, round int) error
	ListSubSessions(parentSessionID string, phase aotypes.Phase, round int) []*aotypes.Session
}

// ReviewerRoles is the fixed review panel spec.md §4.7 specifies.
var ReviewerRoles = []aotypes.ReviewerRole{aotypes.RoleArchitect, aotypes.RoleDeveloper, aotypes.RoleProduct}

// roundKey identifies a (session, phase, round); Manager.failures counts
// reviewer spawn failures per key so Check can escalate once the count
// reaches MaxReviewerSpawnFailures (Open Question 2 resolution, see
// DESIGN.md).
type roundKey struct {
	sessionID string
	phase     aotypes.Phase
	round     int
}

// Manager drives one session's phase transitions per tick.
type Manager struct {
	cfg    orchestrator.PhaseConfig
	logger *slog.Logger

	mu       sync.Mutex
	failures map[roundKey]int
}

// New builds a Manager from config.
func New(cfg orchestrator.PhaseConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "phase.Manager"),
		failures: make(map[roundKey]int),
	}
}

// Check runs one phase-manager tick for session, reading plan/review
// artifacts from the workspace and, via spawner, dispatching any missing
// reviewer sub-sessions for the current round. It returns the (possibly
// unchanged) phase and round, and whether an escalation should fire.
func (m *Manager) Check(ctx context.Context, session *aotypes.Session, spawner Spawner) (newPhase aotypes.Phase, newRound int, escalate bool) {
	if m.cfg.SimpleMode {
		return session.Phase, currentRound(session), false
	}

	round := currentRound(session)
	switch session.Phase {
	case "", aotypes.PhasePlanning:
		if planArtifactExists(session.WorkspacePath) {
			return aotypes.PhasePlanReview, 1, false
		}
		return aotypes.PhasePlanning, round, false

	case aotypes.PhasePlanReview:
		return m.checkReviewPhase(ctx, session, spawner, aotypes.PhasePlanReview, aotypes.PhaseImplementing, aotypes.PhasePlanning, round)

	case aotypes.PhaseImplementing:
		if codeArtifactExists(session.WorkspacePath) {
			return aotypes.PhaseCodeReview, round, false
		}
		return aotypes.PhaseImplementing, round, false

	case aotypes.PhaseCodeReview:
		return m.checkReviewPhase(ctx, session, spawner, aotypes.PhaseCodeReview, aotypes.PhaseDone, aotypes.PhaseImplementing, round)

	case aotypes.PhaseDone:
		return aotypes.PhaseDone, round, false
	}
	return session.Phase, round, false
}

func currentRound(session *aotypes.Session) int {
	raw := session.Metadata["reviewRound"]
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// checkReviewPhase handles the shared shape of plan_review and
// code_review: spawn missing reviewers for the round, and transition on
// unanimous approval or any changes_requested.
func (m *Manager) checkReviewPhase(
	ctx context.Context,
	session *aotypes.Session,
	spawner Spawner,
	reviewPhase, onApproved, onChangesRequested aotypes.Phase,
	round int,
) (aotypes.Phase, int, bool) {
	decisions, err := readReviewDecisions(session.WorkspacePath, reviewPhase, round)
	if err != nil {
		m.logger.Warn("failed reading review artifacts", "session", session.ID, "phase", reviewPhase, "round", round, "error", err)
	}

	present := m.dispatchMissingReviewers(ctx, session, spawner, reviewPhase, round, decisions)

	for role, decision := range decisions {
		_ = role
		if decision == aotypes.DecisionChangesRequested {
			m.resetFailures(session.ID, reviewPhase, round)
			return onChangesRequested, round + 1, false
		}
	}

	if present == len(ReviewerRoles) && allApproved(decisions) {
		m.resetFailures(session.ID, reviewPhase, round)
		return onApproved, round, false
	}

	limit := m.cfg.MaxReviewerSpawnFailures
	escalate := limit > 0 && m.SpawnFailures(session.ID, reviewPhase, round) >= limit
	return reviewPhase, round, escalate
}

func allApproved(decisions map[aotypes.ReviewerRole]aotypes.ReviewDecision) bool {
	if len(decisions) != len(ReviewerRoles) {
		return false
	}
	for _, d := range decisions {
		if d != aotypes.DecisionApproved {
			return false
		}
	}
	return true
}

// dispatchMissingReviewers queries live sub-sessions for the current round
// and spawns only the roles that are missing, per spec.md §4.7's
// idempotence requirement. It returns the count of roles already present
// (live sub-session or decided artifact).
func (m *Manager) dispatchMissingReviewers(
	ctx context.Context,
	session *aotypes.Session,
	spawner Spawner,
	reviewPhase aotypes.Phase,
	round int,
	decisions map[aotypes.ReviewerRole]aotypes.ReviewDecision,
) int {
	live := spawner.ListSubSessions(session.ID, reviewPhase, round)
	liveRoles := make(map[aotypes.ReviewerRole]bool, len(live))
	for _, s := range live {
		if s.SubSessionInfo != nil {
			liveRoles[s.SubSessionInfo.Role] = true
		}
	}

	present := 0
	for _, role := range ReviewerRoles {
		if liveRoles[role] {
			present++
			continue
		}
		if _, decided := decisions[role]; decided {
			present++
			continue
		}
		key := roundKey{sessionID: session.ID, phase: reviewPhase, round: round}
		if err := spawner.SpawnReviewer(ctx, session, role, reviewPhase, round); err != nil {
			m.mu.Lock()
			m.failures[key]++
			failures := m.failures[key]
			m.mu.Unlock()
			m.logger.Error("failed to spawn reviewer sub-session", "session", session.ID, "role", role, "phase", reviewPhase, "round", round, "error", err, "consecutive_failures", failures)
			continue
		}
		present++
	}
	return present
}

func (m *Manager) resetFailures(sessionID string, reviewPhase aotypes.Phase, round int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, roundKey{sessionID: sessionID, phase: reviewPhase, round: round})
}

// SpawnFailures returns the spawn-failure count for (session, phase,
// round); Check reports escalate once it reaches
// PhaseConfig.MaxReviewerSpawnFailures, and the Session Manager then
// emits escalation.required (Open Question 2).
func (m *Manager) SpawnFailures(sessionID string, reviewPhase aotypes.Phase, round int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[roundKey{sessionID: sessionID, phase: reviewPhase, round: round}]
}

func planArtifactExists(workspacePath string) bool {
	if workspacePath == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(workspacePath, ".ao", "plan.md"))
	return err == nil
}

// codeArtifactExists reports whether the review-trigger marker file
// .ao/code-ready exists in the workspace, the signal that code has been
// written; it does not inspect the worktree diff. Checking only a marker
// file keeps the core plugin-agnostic.
func codeArtifactExists(workspacePath string) bool {
	if workspacePath == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(workspacePath, ".ao", "code-ready"))
	return err == nil
}

// readReviewDecisions reads every review artifact for (phase, round) and
// returns each present role's decision. Artifacts are keyed by
// (phase, round, role); a stale file from a prior round never satisfies
// the current one because the filename embeds the round.
func readReviewDecisions(workspacePath string, reviewPhase aotypes.Phase, round int) (map[aotypes.ReviewerRole]aotypes.ReviewDecision, error) {
	decisions := make(map[aotypes.ReviewerRole]aotypes.ReviewDecision)
	if workspacePath == "" {
		return decisions, nil
	}
	dir := filepath.Join(workspacePath, ".ao", "reviews")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return decisions, nil
		}
		return decisions, fmt.Errorf("phase: read reviews dir: %w", err)
	}

	prefix := fmt.Sprintf("%s-%d-", reviewPhase, round)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		role := aotypes.ReviewerRole(strings.TrimSuffix(strings.TrimPrefix(e.Name(), prefix), ".md"))
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		decision := parseDecision(string(content))
		if decision != "" {
			decisions[role] = decision
		}
	}
	return decisions, nil
}

func parseDecision(content string) aotypes.ReviewDecision {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "decision:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(lower, "decision:"))
		switch value {
		case string(aotypes.DecisionApproved):
			return aotypes.DecisionApproved
		case string(aotypes.DecisionChangesRequested):
			return aotypes.DecisionChangesRequested
		}
	}
	return ""
}
