// Package plugin defines the seven typed extension points the orchestrator
// core consumes (spec.md §6) and the Registry that discovers, instantiates,
// and looks them up by (slot, name). Concrete plugin bodies are external
// collaborators; this package specifies only what the core expects of one.
package plugin

import (
	"context"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
)

// Slot names the seven plugin extension points.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
	SlotTerminal  Slot = "terminal"
)

// RuntimeMetrics is the optional liveness/resource snapshot a Runtime
// plugin may report.
type RuntimeMetrics struct {
	UptimeMs     int64
	MemoryMB     *float64
	CPUPercent   *float64
}

// Runtime hosts an agent process (tmux, subprocess, container, ...).
type Runtime interface {
	Create(ctx context.Context, cfg map[string]any) (*aotypes.RuntimeHandle, error)
	Destroy(ctx context.Context, handle *aotypes.RuntimeHandle) error
	SendMessage(ctx context.Context, handle *aotypes.RuntimeHandle, msg string) error
	GetOutput(ctx context.Context, handle *aotypes.RuntimeHandle, lines int) (string, error)
	IsAlive(ctx context.Context, handle *aotypes.RuntimeHandle) (bool, error)
}

// RuntimeWithMetrics is implemented by runtimes that can report resource
// usage and an attachment descriptor; both are optional per spec.md §6.
type RuntimeWithMetrics interface {
	Runtime
	GetMetrics(ctx context.Context, handle *aotypes.RuntimeHandle) (*RuntimeMetrics, error)
	GetAttachInfo(ctx context.Context, handle *aotypes.RuntimeHandle) (*aotypes.AttachmentInfo, error)
}

// ActivityObservation is the Agent plugin's read of a session's current
// activity at a point in time.
type ActivityObservation struct {
	State     aotypes.Activity
	Timestamp time.Time
}

// Agent knows how to launch, observe, and (optionally) restore one coding
// agent's process inside a Runtime.
type Agent interface {
	Name() string
	ProcessName() string
	GetLaunchCommand(cfg map[string]any) (string, error)
	GetEnvironment(cfg map[string]any) (map[string]string, error)
	DetectActivity(terminalOutput string) aotypes.Activity
	IsProcessRunning(ctx context.Context, handle *aotypes.RuntimeHandle) (bool, error)
	GetActivityState(ctx context.Context, session *aotypes.Session, threshold time.Duration) (*ActivityObservation, error)
	GetSessionInfo(ctx context.Context, session *aotypes.Session) (*aotypes.AgentSessionInfo, error)
}

// AgentWithHooks is implemented by agents that need workspace setup,
// post-launch hooks, or a restore command; all optional per spec.md §6.
type AgentWithHooks interface {
	Agent
	GetRestoreCommand(session *aotypes.Session, project map[string]any) (string, bool)
	SetupWorkspaceHooks(ctx context.Context, path string, cfg map[string]any) error
	PostLaunchSetup(ctx context.Context, session *aotypes.Session) error
}

// Workspace provisions and tears down the on-disk working copy an agent
// edits.
type Workspace interface {
	Create(ctx context.Context, cfg map[string]any) (*aotypes.WorkspaceInfo, error)
	Destroy(ctx context.Context, path string) error
	List(ctx context.Context, projectID string) ([]*aotypes.WorkspaceInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// WorkspaceWithRestore is implemented by workspaces that support a
// post-create hook or restoring an existing path; both optional.
type WorkspaceWithRestore interface {
	Workspace
	PostCreate(ctx context.Context, info *aotypes.WorkspaceInfo, project map[string]any) error
	Restore(ctx context.Context, cfg map[string]any, path string) (*aotypes.WorkspaceInfo, error)
}

// Tracker integrates an external issue tracker.
type Tracker interface {
	GetIssue(ctx context.Context, id, projectID string) (*aotypes.Issue, error)
	IsCompleted(ctx context.Context, id, projectID string) (bool, error)
	IssueURL(id, projectID string) string
	IssueLabel(url, projectID string) string
	BranchName(id, projectID string) string
	GeneratePrompt(ctx context.Context, id, projectID string) (string, error)
}

// SCM integrates an external source-control host.
type SCM interface {
	DetectPR(ctx context.Context, session *aotypes.Session, project map[string]any) (*aotypes.PRInfo, error)
	GetPRState(ctx context.Context, pr *aotypes.PRInfo) (string, error)
	GetPRSummary(ctx context.Context, pr *aotypes.PRInfo) (string, error)
	MergePR(ctx context.Context, pr *aotypes.PRInfo, method string) error
	ClosePR(ctx context.Context, pr *aotypes.PRInfo) error
	GetCIChecks(ctx context.Context, pr *aotypes.PRInfo) ([]aotypes.CICheck, error)
	GetReviews(ctx context.Context, pr *aotypes.PRInfo) ([]string, error)
	GetReviewDecision(ctx context.Context, pr *aotypes.PRInfo) (string, error)
	GetPendingComments(ctx context.Context, pr *aotypes.PRInfo) (int, error)
	GetMergeability(ctx context.Context, pr *aotypes.PRInfo) (*bool, error)
}

// NotifyAction is a suggested button a Notifier may render alongside an
// event (e.g. "Merge", "Open PR").
type NotifyAction struct {
	Label  string
	Action string
}

// Notifier fans an event out to a human-facing channel. Implementations
// should be nil-safe/fail-open the way this module's Reaction Engine calls
// them (a notifier failure is logged, never fatal to the poll loop).
type Notifier interface {
	Notify(ctx context.Context, event *aotypes.OrchestratorEvent) error
	NotifyWithActions(ctx context.Context, event *aotypes.OrchestratorEvent, actions []NotifyAction) error
	Post(ctx context.Context, message string, context map[string]any) (string, error)
}

// Terminal lets a human operator attach to one or all live sessions.
type Terminal interface {
	OpenSession(ctx context.Context, session *aotypes.Session) error
	OpenAll(ctx context.Context, sessions []*aotypes.Session) error
	IsSessionOpen(ctx context.Context, session *aotypes.Session) (bool, error)
}
