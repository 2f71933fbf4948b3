// Package aotypes holds the value records shared across the orchestrator
// core: sessions, pull requests, issues, rate-limit entries, events, and
// attachment descriptors. None of these types own behavior beyond small
// validation and cloning helpers — mutation and persistence are owned by
// the components in pkg/session, pkg/phase, and pkg/metadatastore.
package aotypes

import "time"

// Status is the instantaneous operational state of a Session.
type Status string

const (
	StatusSpawning          Status = "spawning"
	StatusWorking           Status = "working"
	StatusPROpen            Status = "pr_open"
	StatusCIFailed          Status = "ci_failed"
	StatusReviewPending     Status = "review_pending"
	StatusChangesRequested  Status = "changes_requested"
	StatusApproved          Status = "approved"
	StatusMergeable         Status = "mergeable"
	StatusMerged            Status = "merged"
	StatusCleanup           Status = "cleanup"
	StatusNeedsInput        Status = "needs_input"
	StatusStuck             Status = "stuck"
	StatusErrored           Status = "errored"
	StatusKilled            Status = "killed"
	StatusTerminated        Status = "terminated"
	StatusDone              Status = "done"
)

// TerminalStatuses forbid any further state change once reached.
var TerminalStatuses = map[Status]bool{
	StatusMerged:     true,
	StatusKilled:     true,
	StatusCleanup:    true,
	StatusTerminated: true,
	StatusDone:       true,
}

// WorkerPoolExcludedStatuses additionally excludes errored sessions from
// Worker Pool accounting (spec.md §4.4 syncFromSessions).
var WorkerPoolExcludedStatuses = map[Status]bool{
	StatusMerged:     true,
	StatusKilled:     true,
	StatusCleanup:    true,
	StatusTerminated: true,
	StatusDone:       true,
	StatusErrored:    true,
}

// IsTerminal reports whether status forbids further state changes.
func (s Status) IsTerminal() bool { return TerminalStatuses[s] }

// Activity reflects live, runtime-observed process/terminal state.
type Activity string

const (
	ActivityStarting     Activity = "starting"
	ActivityThinking     Activity = "thinking"
	ActivityActive       Activity = "active"
	ActivityWaitingInput Activity = "waiting_input"
	ActivityBlocked      Activity = "blocked"
	ActivityIdle         Activity = "idle"
	ActivityExited       Activity = "exited"
)

// Phase is the high-level workflow stage, distinct from Status.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhasePlanReview   Phase = "plan_review"
	PhaseImplementing Phase = "implementing"
	PhaseCodeReview   Phase = "code_review"
	PhaseDone         Phase = "done"
)

// ReviewerRole is a reviewer sub-session's stance.
type ReviewerRole string

const (
	RoleArchitect ReviewerRole = "architect"
	RoleDeveloper ReviewerRole = "developer"
	RoleProduct   ReviewerRole = "product"
)

// ReviewDecision is a reviewer sub-session's verdict for a round.
type ReviewDecision string

const (
	DecisionApproved         ReviewDecision = "approved"
	DecisionChangesRequested ReviewDecision = "changes_requested"
)

// RuntimeHandle is opaque to the core; only the owning runtime plugin
// interprets Data.
type RuntimeHandle struct {
	ID          string
	RuntimeName string
	Data        map[string]any
}

// AgentSessionInfo mirrors the Agent plugin's introspection of a live
// agent process.
type AgentSessionInfo struct {
	Summary           string
	SummaryIsFallback bool
	AgentSessionID    string
	Cost              *CostSummary
}

// CostSummary tracks token/dollar spend for an agent session. Supplemented
// relative to the distilled spec: rolled up for list/listAll the way a
// fleet operator needs to see spend per session and per project.
type CostSummary struct {
	InputTokens  int64
	OutputTokens int64
	USD          float64
}

// SubSessionInfo marks a Session as a reviewer sub-session spawned by the
// Phase Manager.
type SubSessionInfo struct {
	ParentSessionID string
	Role            ReviewerRole
	Phase           Phase
	Round           int
}

// ReviewRoundSummary is one (phase, round, role, decision, timestamp)
// entry of Session.ReviewRounds. No package in this module populates
// ReviewRounds, and it is not part of the persisted metadata record.
type ReviewRoundSummary struct {
	Phase     Phase
	Round     int
	Role      ReviewerRole
	Decision  ReviewDecision
	Timestamp time.Time
}

// Session is the central entity: one agent working one issue inside one
// isolated workspace.
type Session struct {
	ID            string
	ProjectID     string
	Branch        string
	IssueID       string
	WorkspacePath string

	Status   Status
	Activity Activity
	Phase    Phase

	RuntimeHandle  *RuntimeHandle
	AgentInfo      *AgentSessionInfo
	SubSessionInfo *SubSessionInfo

	// Metadata is the flat string->string source of truth; Branch, Status,
	// Phase, IssueID and friends are denormalized from it for convenience
	// and must agree (spec invariant: divergence is corruption, and the
	// on-disk metadata value wins on reload).
	Metadata map[string]string

	ReviewRounds []ReviewRoundSummary

	CreatedAt      time.Time
	LastActivityAt time.Time
}

// IsAlive reports whether the session still has a runtime handle. A nil
// handle implies the runtime is dead and Activity must be ActivityExited.
func (s *Session) IsAlive() bool { return s.RuntimeHandle != nil }

// Clone returns a deep copy safe to hand to a caller outside the lock that
// protects the original — mirrors the defensive-copy idiom used throughout
// the registry and session types this module is grounded on.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.RuntimeHandle != nil {
		rh := *s.RuntimeHandle
		rh.Data = make(map[string]any, len(s.RuntimeHandle.Data))
		for k, v := range s.RuntimeHandle.Data {
			rh.Data[k] = v
		}
		clone.RuntimeHandle = &rh
	}
	if s.AgentInfo != nil {
		ai := *s.AgentInfo
		if s.AgentInfo.Cost != nil {
			cost := *s.AgentInfo.Cost
			ai.Cost = &cost
		}
		clone.AgentInfo = &ai
	}
	if s.SubSessionInfo != nil {
		ssi := *s.SubSessionInfo
		clone.SubSessionInfo = &ssi
	}
	clone.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	clone.ReviewRounds = append([]ReviewRoundSummary(nil), s.ReviewRounds...)
	return &clone
}
