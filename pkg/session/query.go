package session

import (
	"context"
	"fmt"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/agentorchestrator/ao/pkg/plugin"
)

// rehydrate loads every on-disk session for a project into the in-memory
// cache. Called once per project by RehydrateAll at startup; List and
// ListAll read only the in-memory cache. Restart is recovery:
// this is the mechanism by which non-terminal sessions come back after a
// crash (spec.md §3 "Lifecycle").
func (m *Manager) rehydrate(projectID string) error {
	store, err := m.storeFor(projectID)
	if err != nil {
		return err
	}
	ids, err := store.List()
	if err != nil {
		return fmt.Errorf("session: rehydrate list: %w", err)
	}
	var sessions []*aotypes.Session
	for _, id := range ids {
		record, err := store.ReadRaw(id)
		if err != nil {
			m.logger.Warn("skipping corrupt metadata record", "session", id, "error", err)
			continue
		}
		if record == nil {
			continue
		}
		sessions = append(sessions, fromRecord(id, record))
	}

	m.mu.Lock()
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	m.mu.Unlock()
	return nil
}

// RehydrateAll rehydrates every registered project and resyncs the Worker
// Pool from the full rehydrated session set, then sweeps startup orphans:
// any session left status=working whose runtime no longer reports alive
// is marked errored rather than left stuck forever.
func (m *Manager) RehydrateAll(ctx context.Context) error {
	m.mu.RLock()
	projectIDs := make([]string, 0, len(m.projects))
	for id := range m.projects {
		projectIDs = append(projectIDs, id)
	}
	m.mu.RUnlock()

	for _, id := range projectIDs {
		if err := m.rehydrate(id); err != nil {
			return err
		}
	}

	m.mu.RLock()
	all := make([]*aotypes.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	m.pool.SyncFromSessions(all)

	m.sweepStartupOrphans(ctx, all)
	return nil
}

// sweepStartupOrphans marks non-terminal sessions errored if their
// runtime is no longer alive, per DESIGN.md's supplemented
// "startup orphan sweep" feature.
func (m *Manager) sweepStartupOrphans(ctx context.Context, sessions []*aotypes.Session) {
	for _, s := range sessions {
		if s.Status.IsTerminal() || !s.IsAlive() {
			continue
		}
		runtime, _, _, _, err := m.plugins(s.ProjectID)
		if err != nil || runtime == nil {
			continue
		}
		alive, err := runtime.IsAlive(ctx, s.RuntimeHandle)
		if err == nil && alive {
			continue
		}
		s.RuntimeHandle = nil
		s.Activity = aotypes.ActivityExited
		s.Status = aotypes.StatusErrored
		if err := m.persist(s); err != nil {
			m.logger.Error("failed persisting startup orphan", "session", s.ID, "error", err)
			continue
		}
		m.mu.Lock()
		m.orphansRecovered++
		m.mu.Unlock()
		m.logger.Warn("recovered startup orphan", "session", s.ID)
	}
}

// List enumerates active (non-terminal) sessions for projectID (or every
// project if empty), enriched with live activity and, best-effort,
// PR/CI/review data.
func (m *Manager) List(ctx context.Context, projectID string) ([]*aotypes.Session, error) {
	sessions := m.snapshot(projectID, false)
	for _, s := range sessions {
		if s.Status.IsTerminal() {
			continue
		}
		m.enrich(ctx, s)
	}
	return sessions, nil
}

// ListAll is like List but includes terminal/archived sessions, without
// re-enriching them (terminal sessions short-circuit enrichment per
// spec.md §4.8).
func (m *Manager) ListAll(ctx context.Context, projectID string) ([]*aotypes.Session, error) {
	sessions := m.snapshot(projectID, true)
	for _, s := range sessions {
		if s.Status.IsTerminal() {
			continue
		}
		m.enrich(ctx, s)
	}
	return sessions, nil
}

func (m *Manager) snapshot(projectID string, includeTerminal bool) []*aotypes.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*aotypes.Session
	for _, s := range m.sessions {
		if projectID != "" && s.ProjectID != projectID {
			continue
		}
		if !includeTerminal && s.Status.IsTerminal() {
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}

// enrich folds live activity and (best-effort) PR/CI/review state into
// session in place, mirroring the poll loop's per-session enrichment
// steps (spec.md §4.8, steps 2-4) but without the cycle/phase/event
// machinery that only runs on the reconciliation tick.
func (m *Manager) enrich(ctx context.Context, s *aotypes.Session) {
	runtime, agentPlugin, _, _, err := m.plugins(s.ProjectID)
	if err != nil {
		return
	}
	if runtime != nil && s.IsAlive() {
		alive, err := runtime.IsAlive(ctx, s.RuntimeHandle)
		if err == nil && !alive {
			s.RuntimeHandle = nil
			s.Activity = aotypes.ActivityExited
		}
	}
	if agentPlugin != nil && s.IsAlive() {
		obs, err := agentPlugin.GetActivityState(ctx, s, 0)
		if err == nil && obs != nil {
			s.Activity = obs.State
		}
	}
	m.enrichPR(ctx, s)
}

func (m *Manager) enrichPR(ctx context.Context, s *aotypes.Session) {
	if s.Branch == "" {
		return
	}
	p, ok := m.projectFor(s.ProjectID)
	if !ok {
		return
	}
	scm, _ := m.registry.Get(plugin.SlotSCM, p.SCMName).(plugin.SCM)
	if scm == nil {
		return
	}
	scmCtx, cancel := context.WithTimeout(ctx, m.cfg.Poll.SCMTimeout)
	defer cancel()

	pr, err := scm.DetectPR(scmCtx, s, nil)
	if err != nil {
		// scm_transient: swallowed here, retried next tick (spec.md §7).
		m.logger.Debug("scm detectPR failed, degrading gracefully", "session", s.ID, "error", err)
		return
	}
	if pr == nil {
		return
	}
	s.Metadata["pr"] = fmt.Sprintf("%d", pr.Number)
}

// Cleanup tears down sessions whose PR is merged or whose issue is
// closed, for projectID (or every project if empty).
func (m *Manager) Cleanup(ctx context.Context, projectID string) error {
	sessions := m.snapshot(projectID, false)
	for _, s := range sessions {
		if !m.eligibleForCleanup(ctx, s) {
			continue
		}
		if err := m.Kill(ctx, s.ID, "cleanup: pr merged or issue closed"); err != nil {
			m.logger.Error("cleanup kill failed", "session", s.ID, "error", err)
			continue
		}
		_, _, workspace, _, err := m.plugins(s.ProjectID)
		if err == nil && workspace != nil && s.WorkspacePath != "" {
			if err := workspace.Destroy(ctx, s.WorkspacePath); err != nil {
				m.logger.Error("cleanup workspace destroy failed", "session", s.ID, "error", err)
			}
		}
		lock := m.sessionLock(s.ID)
		lock.Lock()
		if cached, ok := m.getCached(s.ID); ok {
			cached.Status = aotypes.StatusCleanup
			_ = m.persist(cached)
		}
		lock.Unlock()
	}
	return nil
}

func (m *Manager) eligibleForCleanup(ctx context.Context, s *aotypes.Session) bool {
	safeStatuses := map[aotypes.Status]bool{
		aotypes.StatusMerged: true, aotypes.StatusMergeable: true,
		aotypes.StatusApproved: true, aotypes.StatusPROpen: true,
	}
	if !safeStatuses[s.Status] {
		return false
	}
	p, ok := m.projectFor(s.ProjectID)
	if !ok {
		return false
	}
	if s.IssueID != "" {
		if tracker, _ := m.registry.Get(plugin.SlotTracker, p.TrackerName).(plugin.Tracker); tracker != nil {
			if done, err := tracker.IsCompleted(ctx, s.IssueID, s.ProjectID); err == nil && done {
				return true
			}
		}
	}
	return s.Status == aotypes.StatusMerged
}

// Restore re-creates a runtime around an exited session's existing
// workspace, preferring the agent's getRestoreCommand when available.
func (m *Manager) Restore(ctx context.Context, sessionID string) (*aotypes.Session, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, ok := m.getCached(sessionID)
	if !ok {
		return nil, orchestrator.ErrSessionNotFound
	}
	if s.Activity != aotypes.ActivityExited {
		return nil, fmt.Errorf("session: %s is not exited, cannot restore", sessionID)
	}
	runtime, agentPlugin, _, _, err := m.plugins(s.ProjectID)
	if err != nil {
		return nil, err
	}
	if runtime == nil || agentPlugin == nil {
		return nil, fmt.Errorf("%w: runtime or agent", orchestrator.ErrPluginMissing)
	}

	launchCmd := ""
	if hooked, ok := agentPlugin.(plugin.AgentWithHooks); ok {
		if cmd, ok := hooked.GetRestoreCommand(s, map[string]any{"projectId": s.ProjectID}); ok {
			launchCmd = cmd
		}
	}
	if launchCmd == "" {
		launchCmd, err = agentPlugin.GetLaunchCommand(map[string]any{"agent": agentPlugin.Name()})
		if err != nil {
			return nil, fmt.Errorf("session: get launch command for restore: %w", err)
		}
	}
	env, err := agentPlugin.GetEnvironment(map[string]any{"agent": agentPlugin.Name()})
	if err != nil {
		return nil, fmt.Errorf("session: get environment for restore: %w", err)
	}

	handle, err := runtime.Create(ctx, map[string]any{
		"command": launchCmd, "env": env, "cwd": s.WorkspacePath,
	})
	if err != nil {
		return nil, fmt.Errorf("session: restore runtime create: %w", err)
	}
	s.RuntimeHandle = handle
	s.Activity = aotypes.ActivityActive
	s.Status = aotypes.StatusWorking
	if err := m.persist(s); err != nil {
		return nil, err
	}
	m.pool.RecordSpawn(s.ProjectID, s.ID)
	return s.Clone(), nil
}
