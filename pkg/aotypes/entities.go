package aotypes

import "time"

// PRInfo is an SCM-agnostic pull request descriptor.
type PRInfo struct {
	Number   int
	URL      string
	Owner    string
	Repo     string
	Head     string
	Base     string
	Draft    bool
	Additions int
	Deletions int

	CIChecks       []CICheck
	ReviewDecision string // e.g. "approved", "changes_requested", "review_required"
	Mergeable      *bool
	UnresolvedComments int
}

// CICheck is one named CI status check attached to a PR.
type CICheck struct {
	Name       string
	Status     string // "queued", "in_progress", "completed"
	Conclusion string // "success", "failure", "cancelled", ...
	URL        string
}

// Issue is a tracker-agnostic work item.
type Issue struct {
	ID          string
	Title       string
	Description string
	State       string // tracker-defined, e.g. "open", "closed"
	Labels      []string
	Assignee    string
	Priority    string
}

// RateLimitEntry records that an executable hit a rate limit and when it
// is expected to recover.
type RateLimitEntry struct {
	Executable  string
	RateLimitedAt time.Time
	ResetAt     time.Time
	Reason      string
}

// EventPriority ranks an OrchestratorEvent for notifier routing.
type EventPriority string

const (
	PriorityUrgent  EventPriority = "urgent"
	PriorityAction  EventPriority = "action"
	PriorityWarning EventPriority = "warning"
	PriorityInfo    EventPriority = "info"
)

// EventType enumerates the orchestrator's event taxonomy (spec.md §6).
type EventType string

const (
	EventSessionSpawned     EventType = "session.spawned"
	EventMessageSent        EventType = "session.message_sent"
	EventSessionKilled      EventType = "session.killed"
	EventSessionExited      EventType = "session.exited"
	EventSessionRateLimited EventType = "session.rate_limited"
	EventCycleDetected      EventType = "session.cycle_detected"
	EventPhaseTransitioned  EventType = "phase.transitioned"
	EventReviewRequested    EventType = "review.requested"
	EventReviewCompleted    EventType = "review.completed"
	EventPROpened           EventType = "pr.opened"
	EventPRCIFailed         EventType = "pr.ci_failed"
	EventPRChangesRequested EventType = "pr.changes_requested"
	EventPRMergeable        EventType = "pr.mergeable"
	EventPRMerged           EventType = "pr.merged"
	EventEscalationRequired EventType = "escalation.required"
)

// OrchestratorEvent is the unit the Event Bus fans out to subscribers.
type OrchestratorEvent struct {
	ID        string
	Type      EventType
	Priority  EventPriority
	ProjectID string
	SessionID string
	Timestamp time.Time
	Message   string
	Data      map[string]any
}

// AttachmentTarget is the kind of interactive handle a Runtime plugin
// exposes for a human to attach to a live session.
type AttachmentTarget string

const (
	AttachTmux    AttachmentTarget = "tmux"
	AttachSSH     AttachmentTarget = "ssh"
	AttachDocker  AttachmentTarget = "docker"
	AttachLXC     AttachmentTarget = "lxc"
	AttachProcess AttachmentTarget = "process"
)

// AttachmentInfo describes how a human operator can attach to a session's
// runtime for interactive inspection.
type AttachmentInfo struct {
	Type    AttachmentTarget
	Target  string
	Command string
}

// WorkspaceInfo describes an on-disk working copy created by a Workspace
// plugin.
type WorkspaceInfo struct {
	Path      string
	Branch    string
	ProjectID string
	SessionID string
}

// PoolHealth is the Worker Pool's operator-facing health snapshot.
// Supplemented relative to the distilled spec: a fleet operator watching
// many projects wants one glance at "are we near a cap, and did the last
// startup sweep find anything broken", the way the teacher's queue
// reports pod-level health.
type PoolHealth struct {
	IsHealthy        bool
	GlobalActive     int
	GlobalMax        int
	ProjectCounts    map[string]ProjectHealth
	OrphansRecovered int
}

// ProjectHealth is one project's row in PoolHealth.ProjectCounts.
type ProjectHealth struct {
	Active int
	Max    int
}
