package session

import "github.com/agentorchestrator/ao/pkg/aotypes"

// deriveStatus computes a session's next Status from its live Activity and
// (if fetched this tick) PR/CI state. This is poll step 5's mapping table:
// PR/CI signals take precedence over raw activity once a PR exists, since
// a human waiting on a PR cares about review state more than whether the
// agent process is "thinking" or "idle". A nil pr falls back to an
// activity-only mapping. The derivation never downgrades a session out of
// a terminal status — callers only call this for non-terminal sessions.
func deriveStatus(activity aotypes.Activity, pr *aotypes.PRInfo) aotypes.Status {
	if pr != nil {
		if s, ok := statusFromPR(pr); ok {
			return s
		}
	}
	return statusFromActivity(activity)
}

func statusFromPR(pr *aotypes.PRInfo) (aotypes.Status, bool) {
	for _, c := range pr.CIChecks {
		if c.Conclusion == "failure" {
			return aotypes.StatusCIFailed, true
		}
	}
	switch pr.ReviewDecision {
	case "changes_requested":
		return aotypes.StatusChangesRequested, true
	case "approved":
		if pr.Mergeable != nil && *pr.Mergeable {
			return aotypes.StatusMergeable, true
		}
		return aotypes.StatusApproved, true
	}
	if pr.UnresolvedComments > 0 {
		return aotypes.StatusReviewPending, true
	}
	return aotypes.StatusPROpen, true
}

func statusFromActivity(activity aotypes.Activity) aotypes.Status {
	switch activity {
	case aotypes.ActivityWaitingInput:
		return aotypes.StatusNeedsInput
	case aotypes.ActivityBlocked:
		return aotypes.StatusStuck
	case aotypes.ActivityExited:
		return aotypes.StatusErrored
	default:
		return aotypes.StatusWorking
	}
}
