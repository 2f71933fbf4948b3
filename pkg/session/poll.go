package session

import (
	"context"
	"fmt"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/cycle"
	"github.com/agentorchestrator/ao/pkg/plugin"
	"golang.org/x/sync/errgroup"
)

// Start begins the reconciliation poll loop on its own goroutine, ticking
// every cfg.Poll.Interval until ctx is cancelled or Stop is called. Safe to
// call once; a second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.pollCancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	m.pollCancel = cancel
	m.pollDone = make(chan struct{})

	go func() {
		defer close(m.pollDone)
		ticker := time.NewTicker(m.cfg.Poll.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				m.tick(pollCtx)
			}
		}
	}()
}

// Stop cancels the poll loop and waits for the current tick to finish.
func (m *Manager) Stop() {
	if m.pollCancel == nil {
		return
	}
	m.pollCancel()
	<-m.pollDone
	m.pollCancel = nil
}

// tick runs one reconciliation pass over every non-terminal session:
// runtime liveness, activity/PR enrichment (bounded concurrency), status
// derivation, cycle detection, phase advancement, and event publication
// (spec.md §4.8).
func (m *Manager) tick(ctx context.Context) {
	start := time.Now()
	defer func() { m.tickHistogram.Observe(time.Since(start).Seconds()) }()

	sessions := m.snapshot("", false)
	if len(sessions) == 0 {
		return
	}

	sem := m.enrichmentSemaphore()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil // context cancelled; let the loop wind down quietly
			}
			defer sem.Release(1)
			m.reconcileOne(gctx, s)
			return nil
		})
	}
	_ = g.Wait()
}

// reconcileOne enriches and reconciles a single non-terminal session. It
// holds the session's own lock for the duration, matching the ordering
// guarantee Spawn/Send/Kill already rely on.
func (m *Manager) reconcileOne(ctx context.Context, s *aotypes.Session) {
	lock := m.sessionLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	current, ok := m.getCached(s.ID)
	if !ok || current.Status.IsTerminal() {
		return
	}
	s = current

	runtime, agentPlugin, _, _, err := m.plugins(s.ProjectID)
	if err != nil {
		m.logger.Warn("reconcile: unknown project", "session", s.ID, "error", err)
		return
	}

	if runtime != nil && s.IsAlive() {
		alive, err := runtime.IsAlive(ctx, s.RuntimeHandle)
		if err != nil {
			m.logger.Debug("runtime liveness check failed", "session", s.ID, "error", err)
		} else if !alive {
			m.checkRapidExitRateLimit(ctx, runtime, s)
			s.RuntimeHandle = nil
			s.Activity = aotypes.ActivityExited
			m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
				Type: aotypes.EventSessionExited, Priority: aotypes.PriorityWarning,
				ProjectID: s.ProjectID, SessionID: s.ID, Message: "runtime process exited",
			})
		}
	}

	if agentPlugin != nil && s.IsAlive() {
		obs, err := agentPlugin.GetActivityState(ctx, s, 0)
		if err != nil {
			m.logger.Debug("activity probe failed", "session", s.ID, "error", err)
		} else if obs != nil {
			s.Activity = obs.State
		}

		if sessionInfo, err := agentPlugin.GetSessionInfo(ctx, s); err == nil && sessionInfo != nil {
			s.AgentInfo = sessionInfo
		}
	}

	var pr *aotypes.PRInfo
	if s.Branch != "" {
		pr = m.fetchPR(ctx, s)
	}

	newStatus := deriveStatus(s.Activity, pr)
	statusChanged := newStatus != s.Status
	s.Status = newStatus
	s.LastActivityAt = time.Now()

	if rl, limited := m.rateLimit.GetEntry(resolvedExecutableFor(s)); limited {
		m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
			Type: aotypes.EventSessionRateLimited, Priority: aotypes.PriorityWarning,
			ProjectID: s.ProjectID, SessionID: s.ID, Message: rl.Reason,
		})
	}

	m.cycles.Record(s.ID, s.Status)
	judgment, fresh := m.cycles.Judge(s.ID)
	if fresh && judgment.Recommendation != cycle.RecommendContinue {
		m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
			Type: aotypes.EventCycleDetected, Priority: aotypes.PriorityAction,
			ProjectID: s.ProjectID, SessionID: s.ID, Message: judgment.Reason,
			Data: map[string]any{"recommendation": judgment.Recommendation, "suggested_action": judgment.SuggestedAction},
		})
	}

	if m.phases != nil {
		newPhase, newRound, escalate := m.phases.Check(ctx, s, m)
		if newPhase != s.Phase || fmt.Sprint(newRound) != s.Metadata["reviewRound"] {
			s.Phase = newPhase
			s.Metadata["reviewRound"] = fmt.Sprint(newRound)
			m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
				Type: aotypes.EventPhaseTransitioned, Priority: aotypes.PriorityInfo,
				ProjectID: s.ProjectID, SessionID: s.ID,
				Message: fmt.Sprintf("phase -> %s (round %d)", newPhase, newRound),
			})
		}
		if escalate {
			m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
				Type: aotypes.EventEscalationRequired, Priority: aotypes.PriorityUrgent,
				ProjectID: s.ProjectID, SessionID: s.ID,
				Message: "phase manager could not dispatch reviewers after repeated attempts",
			})
		}
	}

	if err := m.persist(s); err != nil {
		m.logger.Error("reconcile persist failed", "session", s.ID, "error", err)
		return
	}

	if statusChanged {
		m.bus.Publish(ctx, &aotypes.OrchestratorEvent{
			Type: statusEventFor(newStatus), Priority: priorityForStatus(newStatus),
			ProjectID: s.ProjectID, SessionID: s.ID,
			Message: fmt.Sprintf("status -> %s", newStatus),
		})
	}

	if m.reactions != nil {
		m.reactions.React(ctx, m, &aotypes.OrchestratorEvent{
			Type: statusEventFor(newStatus), Priority: priorityForStatus(newStatus),
			ProjectID: s.ProjectID, SessionID: s.ID,
		}, string(newStatus))
	}
}

// checkRapidExitRateLimit implements poll-loop step 2 (spec.md §4.8): an
// exit within the rapid-exit window whose recent output matches a
// rate-limit pattern gets recorded in the Rate-Limit Tracker so later
// ticks (and GetAvailableExecutable's fallback walk) see it. Must run
// before the caller clears s.RuntimeHandle.
func (m *Manager) checkRapidExitRateLimit(ctx context.Context, runtime plugin.Runtime, s *aotypes.Session) {
	if !m.rateLimit.DetectRapidExit(s.CreatedAt, time.Now()) {
		return
	}
	output, err := runtime.GetOutput(ctx, s.RuntimeHandle, 50)
	if err != nil {
		m.logger.Debug("get output for rapid-exit check failed", "session", s.ID, "error", err)
		return
	}
	det := m.rateLimit.DetectFromOutput(output)
	if !det.Detected {
		return
	}
	m.rateLimit.RecordRateLimit(resolvedExecutableFor(s), det.ResetAt, det.Reason)
}

func (m *Manager) fetchPR(ctx context.Context, s *aotypes.Session) *aotypes.PRInfo {
	p, ok := m.projectFor(s.ProjectID)
	if !ok {
		return nil
	}
	scm, _ := m.registry.Get(plugin.SlotSCM, p.SCMName).(plugin.SCM)
	if scm == nil {
		return nil
	}
	scmCtx, cancel := context.WithTimeout(ctx, m.cfg.Poll.SCMTimeout)
	defer cancel()

	pr, err := scm.DetectPR(scmCtx, s, nil)
	if err != nil {
		// SCM errors are transient by policy (spec.md §7): log and retry
		// next tick rather than treat as session failure.
		m.logger.Debug("scm detectPR failed", "session", s.ID, "error", err)
		return nil
	}
	return pr
}

func resolvedExecutableFor(s *aotypes.Session) string {
	return s.Metadata["executable"]
}

func statusEventFor(status aotypes.Status) aotypes.EventType {
	switch status {
	case aotypes.StatusPROpen:
		return aotypes.EventPROpened
	case aotypes.StatusCIFailed:
		return aotypes.EventPRCIFailed
	case aotypes.StatusChangesRequested:
		return aotypes.EventPRChangesRequested
	case aotypes.StatusMergeable:
		return aotypes.EventPRMergeable
	case aotypes.StatusMerged:
		return aotypes.EventPRMerged
	default:
		return aotypes.EventSessionExited
	}
}

func priorityForStatus(status aotypes.Status) aotypes.EventPriority {
	switch status {
	case aotypes.StatusCIFailed, aotypes.StatusChangesRequested, aotypes.StatusStuck, aotypes.StatusErrored:
		return aotypes.PriorityWarning
	case aotypes.StatusMergeable, aotypes.StatusApproved:
		return aotypes.PriorityAction
	default:
		return aotypes.PriorityInfo
	}
}
