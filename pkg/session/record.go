package session

import (
	"strconv"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
)

// toRecord flattens a Session into the KEY=VALUE record the Metadata
// Store persists (spec.md §4.2's reserved key set), folding Metadata's
// freeform keys in first and then overwriting the reserved keys from the
// struct fields that denormalize them, so the struct fields win on a
// key clash.
func toRecord(s *aotypes.Session) map[string]string {
	record := make(map[string]string, len(s.Metadata)+16)
	for k, v := range s.Metadata {
		record[k] = v
	}

	record["project"] = s.ProjectID
	record["branch"] = s.Branch
	record["issue"] = s.IssueID
	record["worktree"] = s.WorkspacePath
	record["status"] = string(s.Status)
	record["activity"] = string(s.Activity)
	record["phase"] = string(s.Phase)
	record["createdAt"] = s.CreatedAt.Format(time.RFC3339Nano)
	record["lastActivityAt"] = s.LastActivityAt.Format(time.RFC3339Nano)

	if s.AgentInfo != nil {
		record["agentSessionId"] = s.AgentInfo.AgentSessionID
		if s.AgentInfo.Cost != nil {
			record["cost.inputTokens"] = strconv.FormatInt(s.AgentInfo.Cost.InputTokens, 10)
			record["cost.outputTokens"] = strconv.FormatInt(s.AgentInfo.Cost.OutputTokens, 10)
			record["cost.usd"] = strconv.FormatFloat(s.AgentInfo.Cost.USD, 'f', -1, 64)
		}
	}
	if s.SubSessionInfo != nil {
		record["subSessionInfo.role"] = string(s.SubSessionInfo.Role)
		record["subSessionInfo.parentSessionId"] = s.SubSessionInfo.ParentSessionID
		record["subSessionInfo.round"] = strconv.Itoa(s.SubSessionInfo.Round)
	}
	if round, ok := s.Metadata["reviewRound"]; ok {
		record["reviewRound"] = round
	}
	return record
}

// fromRecord rehydrates a Session from a Metadata Store record. The
// on-disk metadata value wins on reload, per spec.md §3's invariant that
// divergence between denormalized fields and metadata is corruption.
func fromRecord(sessionID string, record map[string]string) *aotypes.Session {
	s := &aotypes.Session{
		ID:            sessionID,
		ProjectID:     record["project"],
		Branch:        record["branch"],
		IssueID:       record["issue"],
		WorkspacePath: record["worktree"],
		Status:        aotypes.Status(record["status"]),
		Activity:      aotypes.Activity(record["activity"]),
		Phase:         aotypes.Phase(record["phase"]),
		Metadata:      make(map[string]string, len(record)),
	}
	for k, v := range record {
		s.Metadata[k] = v
	}
	s.CreatedAt = parseTimeOrZero(record["createdAt"])
	s.LastActivityAt = parseTimeOrZero(record["lastActivityAt"])

	if agentSessionID := record["agentSessionId"]; agentSessionID != "" {
		s.AgentInfo = &aotypes.AgentSessionInfo{AgentSessionID: agentSessionID}
		if in, out, usd, ok := parseCost(record); ok {
			s.AgentInfo.Cost = &aotypes.CostSummary{InputTokens: in, OutputTokens: out, USD: usd}
		}
	}
	if role := record["subSessionInfo.role"]; role != "" {
		round, _ := strconv.Atoi(record["subSessionInfo.round"])
		s.SubSessionInfo = &aotypes.SubSessionInfo{
			ParentSessionID: record["subSessionInfo.parentSessionId"],
			Role:            aotypes.ReviewerRole(role),
			Phase:           s.Phase,
			Round:           round,
		}
	}
	return s
}

func parseCost(record map[string]string) (in, out int64, usd float64, ok bool) {
	if record["cost.inputTokens"] == "" {
		return 0, 0, 0, false
	}
	in, _ = strconv.ParseInt(record["cost.inputTokens"], 10, 64)
	out, _ = strconv.ParseInt(record["cost.outputTokens"], 10, 64)
	usd, _ = strconv.ParseFloat(record["cost.usd"], 64)
	return in, out, usd, true
}

func parseTimeOrZero(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
