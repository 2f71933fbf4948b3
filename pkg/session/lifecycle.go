package session

import (
	"context"
	"fmt"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/agentorchestrator/ao/pkg/plugin"
)

// SpawnParams are spawn's inbound parameters (spec.md §4.8).
type SpawnParams struct {
	ProjectID      string `validate:"required"`
	IssueID        string
	Agent          string
	Prompt         string
	Phase          aotypes.Phase
	SubSessionInfo *aotypes.SubSessionInfo
	Metadata       map[string]string
}

func (m *Manager) plugins(projectID string) (plugin.Runtime, plugin.Agent, plugin.Workspace, plugin.Tracker, error) {
	p, ok := m.projectFor(projectID)
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("session: unknown project %q", projectID)
	}
	runtime, _ := m.registry.Get(plugin.SlotRuntime, p.RuntimeName).(plugin.Runtime)
	agentPlugin, _ := m.registry.Get(plugin.SlotAgent, p.AgentName).(plugin.Agent)
	workspace, _ := m.registry.Get(plugin.SlotWorkspace, p.WorkspaceName).(plugin.Workspace)
	tracker, _ := m.registry.Get(plugin.SlotTracker, p.TrackerName).(plugin.Tracker)
	return runtime, agentPlugin, workspace, tracker, nil
}

// Spawn allocates a fresh session: admission via Worker Pool, rate-limit
// resolution, workspace creation, runtime launch, early metadata write
// (so a crash mid-spawn leaves recoverable state), then agent hooks and
// event emission (spec.md §4.8).
func (m *Manager) Spawn(ctx context.Context, params SpawnParams) (*aotypes.Session, error) {
	admission := m.pool.CanSpawn(params.ProjectID)
	if !admission.CanSpawn {
		return nil, orchestrator.NewSpawnError(params.ProjectID, string(admission.LimitHit), admission.SlotsRemaining)
	}

	runtime, agentPlugin, workspace, tracker, err := m.plugins(params.ProjectID)
	if err != nil {
		return nil, err
	}
	if runtime == nil {
		return nil, fmt.Errorf("%w: runtime", orchestrator.ErrPluginMissing)
	}
	if agentPlugin == nil {
		return nil, fmt.Errorf("%w: agent", orchestrator.ErrPluginMissing)
	}

	preferredExec := params.Agent
	if preferredExec == "" {
		preferredExec = agentPlugin.Name()
	}
	resolvedExec := m.rateLimit.GetAvailableExecutable(preferredExec)

	sessionID := m.nextID(params.ProjectID)
	now := time.Now()

	session := &aotypes.Session{
		ID:             sessionID,
		ProjectID:      params.ProjectID,
		IssueID:        params.IssueID,
		Status:         aotypes.StatusSpawning,
		Activity:       aotypes.ActivityStarting,
		Phase:          params.Phase,
		SubSessionInfo: params.SubSessionInfo,
		Metadata:       cloneMetadata(params.Metadata),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if session.Phase == "" {
		session.Phase = aotypes.PhasePlanning
	}
	session.Metadata["executable"] = resolvedExec

	prompt := params.Prompt
	if tracker != nil && params.IssueID != "" {
		session.Branch = tracker.BranchName(params.IssueID, params.ProjectID)
		if prompt == "" {
			prompt, _ = tracker.GeneratePrompt(ctx, params.IssueID, params.ProjectID)
		}
	}

	if workspace != nil {
		worktreePath := sessionID
		if pp, ok := m.pathsFor(params.ProjectID); ok {
			worktreePath = pp.WorktreePath(sessionID)
		}
		exists, _ := workspace.Exists(ctx, worktreePath)
		if exists {
			return nil, orchestrator.ErrWorkspaceExists
		}
		info, err := workspace.Create(ctx, map[string]any{
			"projectId": params.ProjectID,
			"sessionId": sessionID,
			"branch":    session.Branch,
			"path":      worktreePath,
		})
		if err != nil {
			return nil, fmt.Errorf("session: create workspace: %w", err)
		}
		session.WorkspacePath = info.Path
	}

	// Write metadata early: a crash between here and runtime creation
	// still leaves a recoverable spawning-status session on disk.
	if err := m.persist(session); err != nil {
		return nil, err
	}

	if hooked, ok := agentPlugin.(plugin.AgentWithHooks); ok && session.WorkspacePath != "" {
		if err := hooked.SetupWorkspaceHooks(ctx, session.WorkspacePath, map[string]any{"agent": resolvedExec}); err != nil {
			m.logger.Warn("setupWorkspaceHooks failed", "session", sessionID, "error", err)
		}
	}

	launchCmd, err := agentPlugin.GetLaunchCommand(map[string]any{"agent": resolvedExec, "prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("session: get launch command: %w", err)
	}
	env, err := agentPlugin.GetEnvironment(map[string]any{"agent": resolvedExec})
	if err != nil {
		return nil, fmt.Errorf("session: get environment: %w", err)
	}

	handle, err := runtime.Create(ctx, map[string]any{
		"command": launchCmd,
		"env":     env,
		"cwd":     session.WorkspacePath,
	})
	if err != nil {
		return nil, fmt.Errorf("session: create runtime: %w", err)
	}
	session.RuntimeHandle = handle
	session.Status = aotypes.StatusWorking
	session.Activity = aotypes.ActivityActive

	if err := m.persist(session); err != nil {
		return nil, err
	}

	if hooked, ok := agentPlugin.(plugin.AgentWithHooks); ok {
		if err := hooked.PostLaunchSetup(ctx, session); err != nil {
			m.logger.Warn("postLaunchSetup failed", "session", sessionID, "error", err)
		}
	}

	m.pool.RecordSpawn(params.ProjectID, sessionID)
	m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
		Type:      aotypes.EventSessionSpawned,
		Priority:  aotypes.PriorityInfo,
		ProjectID: params.ProjectID,
		SessionID: sessionID,
		Message:   fmt.Sprintf("session %s spawned for issue %s", sessionID, params.IssueID),
	})
	return session.Clone(), nil
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Send resolves sessionID and forwards message to its runtime.
func (m *Manager) Send(ctx context.Context, sessionID, message string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, ok := m.getCached(sessionID)
	if !ok {
		return orchestrator.ErrSessionNotFound
	}
	if !s.IsAlive() {
		return orchestrator.ErrRuntimeDead
	}
	runtime, _, _, _, err := m.plugins(s.ProjectID)
	if err != nil {
		return err
	}
	if runtime == nil {
		return fmt.Errorf("%w: runtime", orchestrator.ErrPluginMissing)
	}
	if err := runtime.SendMessage(ctx, s.RuntimeHandle, message); err != nil {
		return fmt.Errorf("session: send message: %w", err)
	}
	s.LastActivityAt = time.Now()
	if err := m.persist(s); err != nil {
		return err
	}
	m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
		Type: aotypes.EventMessageSent, Priority: aotypes.PriorityInfo,
		ProjectID: s.ProjectID, SessionID: sessionID, Message: message,
	})
	return nil
}

// Kill destroys sessionID's runtime and marks it killed. Idempotent.
func (m *Manager) Kill(ctx context.Context, sessionID, reason string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, ok := m.getCached(sessionID)
	if !ok {
		return orchestrator.ErrSessionNotFound
	}
	if s.Status.IsTerminal() {
		return nil
	}

	if s.IsAlive() {
		runtime, _, _, _, err := m.plugins(s.ProjectID)
		if err == nil && runtime != nil {
			if err := runtime.Destroy(ctx, s.RuntimeHandle); err != nil {
				m.logger.Warn("runtime destroy failed during kill", "session", sessionID, "error", err)
			}
		}
	}
	s.RuntimeHandle = nil
	s.Activity = aotypes.ActivityExited
	s.Status = aotypes.StatusKilled
	if reason != "" {
		s.Metadata["killReason"] = reason
	}
	if err := m.persist(s); err != nil {
		return err
	}
	m.pool.RecordExit(s.ProjectID, sessionID)
	m.cycles.Forget(sessionID)
	m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
		Type: aotypes.EventSessionKilled, Priority: aotypes.PriorityWarning,
		ProjectID: s.ProjectID, SessionID: sessionID, Message: reason,
	})
	return nil
}

// SpawnReviewer spawns a reviewer sub-session for parent, satisfying
// phase.Spawner.
func (m *Manager) SpawnReviewer(ctx context.Context, parent *aotypes.Session, role aotypes.ReviewerRole, reviewPhase aotypes.Phase, round int) error {
	_, err := m.Spawn(ctx, SpawnParams{
		ProjectID: parent.ProjectID,
		IssueID:   parent.IssueID,
		Phase:     reviewPhase,
		SubSessionInfo: &aotypes.SubSessionInfo{
			ParentSessionID: parent.ID,
			Role:            role,
			Phase:           reviewPhase,
			Round:           round,
		},
		Metadata: map[string]string{"reviewRound": fmt.Sprintf("%d", round)},
	})
	if err == nil {
		m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
			Type: aotypes.EventReviewRequested, Priority: aotypes.PriorityInfo,
			ProjectID: parent.ProjectID, SessionID: parent.ID,
			Message: fmt.Sprintf("%s reviewer requested for round %d", role, round),
		})
	}
	return err
}

// ListSubSessions returns live (non-terminal) sub-sessions of parentSessionID
// for (phase, round), satisfying phase.Spawner.
func (m *Manager) ListSubSessions(parentSessionID string, reviewPhase aotypes.Phase, round int) []*aotypes.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*aotypes.Session
	for _, s := range m.sessions {
		if s.Status.IsTerminal() {
			continue
		}
		if s.SubSessionInfo == nil || s.SubSessionInfo.ParentSessionID != parentSessionID {
			continue
		}
		if s.SubSessionInfo.Phase != reviewPhase || s.SubSessionInfo.Round != round {
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}
