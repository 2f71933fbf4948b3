package reaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/agentorchestrator/ao/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	failN    int // number of leading calls that return an error
	messages []string
}

func (f *fakeSender) Send(ctx context.Context, sessionID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = append(f.messages, message)
	if f.calls <= f.failN {
		return errors.New("send failed")
	}
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	notified  []*aotypes.OrchestratorEvent
	withAct   int
	postCalls int
}

func (f *fakeNotifier) Notify(ctx context.Context, event *aotypes.OrchestratorEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, event)
	return nil
}

func (f *fakeNotifier) NotifyWithActions(ctx context.Context, event *aotypes.OrchestratorEvent, actions []plugin.NotifyAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withAct++
	f.notified = append(f.notified, event)
	return nil
}

func (f *fakeNotifier) Post(ctx context.Context, message string, context map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	return "ts", nil
}

func sendRule() orchestrator.ReactionConfig {
	return orchestrator.ReactionConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Rules: []orchestrator.ReactionRule{
			{EventType: string(aotypes.EventPRCIFailed), Priority: string(aotypes.PriorityWarning), Action: "send-to-agent", Retries: 3, EscalateAfter: 2},
			{EventType: string(aotypes.EventPROpened), Priority: string(aotypes.PriorityWarning), Action: "notify"},
		},
	}
}

func TestReactSendsToAgentOnMatchingRule(t *testing.T) {
	n := &fakeNotifier{}
	e := New(sendRule(), nil, func(aotypes.EventPriority) []plugin.Notifier { return []plugin.Notifier{n} })
	sender := &fakeSender{}

	event := &aotypes.OrchestratorEvent{
		Type:      aotypes.EventPRCIFailed,
		Priority:  aotypes.PriorityWarning,
		SessionID: "s1",
	}
	e.React(context.Background(), sender, event, "ci_failed")

	assert.Equal(t, 1, sender.calls)
}

func TestReactIsEdgeTriggeredNotRefiringOnSameState(t *testing.T) {
	e := New(sendRule(), nil, nil)
	sender := &fakeSender{}
	event := &aotypes.OrchestratorEvent{Type: aotypes.EventPRCIFailed, Priority: aotypes.PriorityWarning, SessionID: "s1"}

	e.React(context.Background(), sender, event, "ci_failed")
	e.React(context.Background(), sender, event, "ci_failed")

	assert.Equal(t, 1, sender.calls, "identical state must not re-fire the reaction")
}

func TestReactFiresAgainOnStateChange(t *testing.T) {
	e := New(sendRule(), nil, nil)
	sender := &fakeSender{}
	event := &aotypes.OrchestratorEvent{Type: aotypes.EventPRCIFailed, Priority: aotypes.PriorityWarning, SessionID: "s1"}

	e.React(context.Background(), sender, event, "ci_failed")
	e.React(context.Background(), sender, event, "ci_failed_again")

	assert.Equal(t, 2, sender.calls)
}

func TestReactNoRuleMatchIsNoop(t *testing.T) {
	e := New(orchestrator.ReactionConfig{}, nil, nil)
	sender := &fakeSender{}
	event := &aotypes.OrchestratorEvent{Type: aotypes.EventPRCIFailed, Priority: aotypes.PriorityWarning, SessionID: "s1"}

	e.React(context.Background(), sender, event, "ci_failed")
	assert.Equal(t, 0, sender.calls)
}

func TestReactRetriesThenSucceeds(t *testing.T) {
	e := New(sendRule(), nil, nil)
	sender := &fakeSender{failN: 2}
	event := &aotypes.OrchestratorEvent{Type: aotypes.EventPRCIFailed, Priority: aotypes.PriorityWarning, SessionID: "s1"}

	e.React(context.Background(), sender, event, "ci_failed")

	require.GreaterOrEqual(t, sender.calls, 3)
}

func TestReactEscalatesAfterExhaustingRetries(t *testing.T) {
	n := &fakeNotifier{}
	e := New(sendRule(), nil, func(aotypes.EventPriority) []plugin.Notifier { return []plugin.Notifier{n} })
	sender := &fakeSender{failN: 100}
	event := &aotypes.OrchestratorEvent{Type: aotypes.EventPRCIFailed, Priority: aotypes.PriorityWarning, SessionID: "s1"}

	e.React(context.Background(), sender, event, "ci_failed")

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.notified, 1)
	assert.Equal(t, aotypes.EventEscalationRequired, n.notified[0].Type)
}

func TestReactNotifyDispatchesToAllNotifiers(t *testing.T) {
	n1 := &fakeNotifier{}
	n2 := &fakeNotifier{}
	e := New(sendRule(), nil, func(aotypes.EventPriority) []plugin.Notifier { return []plugin.Notifier{n1, n2} })

	event := &aotypes.OrchestratorEvent{Type: aotypes.EventPROpened, Priority: aotypes.PriorityWarning, SessionID: "s1"}
	e.React(context.Background(), nil, event, "pr_opened")

	assert.Equal(t, 1, n1.withAct)
	assert.Equal(t, 1, n2.withAct)
}

func TestReactNotifierNilInSliceIsSkipped(t *testing.T) {
	e := New(sendRule(), nil, func(aotypes.EventPriority) []plugin.Notifier { return []plugin.Notifier{nil} })
	event := &aotypes.OrchestratorEvent{Type: aotypes.EventPROpened, Priority: aotypes.PriorityWarning, SessionID: "s1"}

	assert.NotPanics(t, func() {
		e.React(context.Background(), nil, event, "pr_opened")
	})
}
