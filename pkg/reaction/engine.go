// Package reaction maps enriched-session state transitions to
// send-to-agent or notify actions, with retry/backoff and escalation
// (spec.md §4.9). Reactions are edge-triggered: each (sessionID,
// event.type) fires at most once per status/activity transition, guarded
// by a debounce map. The nil-safe, fail-open call-the-notifier discipline
// is grounded on the teacher's Slack service (every method a no-op on a
// nil receiver, errors logged and swallowed, never propagated).
package reaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/agentorchestrator/ao/pkg/plugin"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Sender is the subset of the Session Manager the engine needs to act on
// a send-to-agent reaction, kept narrow to avoid an import cycle.
type Sender interface {
	Send(ctx context.Context, sessionID, message string) error
}

// Engine evaluates configured reactions against enriched session state.
type Engine struct {
	cfg    orchestrator.ReactionConfig
	logger *slog.Logger

	mu       sync.Mutex
	fired    map[string]string // debounce key -> last-seen state value
	limiters map[string]*rate.Limiter

	notifiers func(priority aotypes.EventPriority) []plugin.Notifier
}

// New builds an Engine from config. notifiers resolves the live Notifier
// plugins to fan a "notify" action out to for a given priority.
func New(cfg orchestrator.ReactionConfig, logger *slog.Logger, notifiers func(aotypes.EventPriority) []plugin.Notifier) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifiers == nil {
		notifiers = func(aotypes.EventPriority) []plugin.Notifier { return nil }
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "reaction.Engine"),
		fired:     make(map[string]string),
		limiters:  make(map[string]*rate.Limiter),
		notifiers: notifiers,
	}
}

func debounceKey(sessionID string, eventType aotypes.EventType) string {
	return sessionID + "|" + string(eventType)
}

// shouldFire reports whether (sessionID, eventType) has already fired for
// the current state value, and records it as fired if not — the
// edge-triggered debounce spec.md §4.9 requires.
func (e *Engine) shouldFire(sessionID string, eventType aotypes.EventType, stateValue string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := debounceKey(sessionID, eventType)
	if e.fired[key] == stateValue {
		return false
	}
	e.fired[key] = stateValue

	limiter, ok := e.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Second), 5)
		e.limiters[key] = limiter
	}
	return limiter.Allow()
}

func (e *Engine) matchRule(eventType aotypes.EventType, priority aotypes.EventPriority) (orchestrator.ReactionRule, bool) {
	for _, r := range e.cfg.Rules {
		if r.EventType == string(eventType) && r.Priority == string(priority) {
			return r, true
		}
	}
	return orchestrator.ReactionRule{}, false
}

// React evaluates event against the configured rules and, if an
// edge-triggering condition is met, executes the matching action.
// stateValue is the new status/activity value that triggered this
// evaluation — used for the debounce key.
func (e *Engine) React(ctx context.Context, sender Sender, event *aotypes.OrchestratorEvent, stateValue string) {
	rule, ok := e.matchRule(event.Type, event.Priority)
	if !ok {
		return
	}
	if !e.shouldFire(event.SessionID, event.Type, stateValue) {
		return
	}

	switch rule.Action {
	case "send-to-agent":
		e.sendToAgent(ctx, sender, event, rule)
	case "notify":
		e.notify(ctx, event, rule)
	default:
		e.logger.Warn("unknown reaction action", "action", rule.Action, "event_type", event.Type)
	}
}

func (e *Engine) sendToAgent(ctx context.Context, sender Sender, event *aotypes.OrchestratorEvent, rule orchestrator.ReactionRule) {
	instruction := canonicalInstruction(event)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase
	bo.MaxInterval = e.cfg.BackoffCap
	bo.MaxElapsedTime = 0 // bounded by rule.Retries instead of elapsed time

	var lastErr error
	attempts := 0
	operation := func() error {
		attempts++
		err := sender.Send(ctx, event.SessionID, instruction)
		if err != nil {
			lastErr = err
		}
		return err
	}

	maxRetries := rule.Retries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	err := backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(maxRetries)))
	if err != nil {
		e.logger.Error("send-to-agent reaction exhausted retries", "session", event.SessionID, "attempts", attempts, "error", lastErr)
		if rule.EscalateAfter > 0 && attempts >= rule.EscalateAfter {
			e.escalate(ctx, event, fmt.Sprintf("send-to-agent failed after %d attempts: %v", attempts, lastErr))
		}
	}
}

func (e *Engine) notify(ctx context.Context, event *aotypes.OrchestratorEvent, rule orchestrator.ReactionRule) {
	actions := actionsForEventType(event.Type)
	for _, n := range e.notifiers(event.Priority) {
		if n == nil {
			continue
		}
		if err := n.NotifyWithActions(ctx, event, actions); err != nil {
			e.logger.Warn("notifier failed", "event_type", event.Type, "error", err)
		}
	}
}

func (e *Engine) escalate(ctx context.Context, event *aotypes.OrchestratorEvent, reason string) {
	escalation := &aotypes.OrchestratorEvent{
		Type:      aotypes.EventEscalationRequired,
		Priority:  aotypes.PriorityUrgent,
		ProjectID: event.ProjectID,
		SessionID: event.SessionID,
		Message:   reason,
	}
	for _, n := range e.notifiers(aotypes.PriorityUrgent) {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, escalation); err != nil {
			e.logger.Warn("escalation notifier failed", "session", event.SessionID, "error", err)
		}
	}
}

func canonicalInstruction(event *aotypes.OrchestratorEvent) string {
	switch event.Type {
	case aotypes.EventPRCIFailed:
		return fmt.Sprintf("CI failed on %v; please fix.", event.Data["run_url"])
	case aotypes.EventPRChangesRequested:
		return "Reviewer requested changes; please address the feedback."
	case aotypes.EventCycleDetected:
		return fmt.Sprintf("You appear stuck: %v. Please try a different approach.", event.Message)
	default:
		return event.Message
	}
}

func actionsForEventType(eventType aotypes.EventType) []plugin.NotifyAction {
	switch eventType {
	case aotypes.EventPRMergeable:
		return []plugin.NotifyAction{{Label: "Merge", Action: "merge"}}
	case aotypes.EventPROpened:
		return []plugin.NotifyAction{{Label: "Open PR", Action: "open_pr"}}
	case aotypes.EventEscalationRequired:
		return []plugin.NotifyAction{{Label: "Attach", Action: "attach"}, {Label: "Kill", Action: "kill"}}
	default:
		return nil
	}
}
