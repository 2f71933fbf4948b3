// Package cycle detects per-session status loops and repeating cycles and
// renders a rule-based verdict, no LLM involved (spec.md §4.6). The
// scan-then-judge shape is grounded on the same orphan-sweep idiom as
// pkg/ratelimit, here applied to a ring buffer of recent statuses instead
// of a single staleness timestamp.
package cycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"golang.org/x/time/rate"
)

// Verdict is a judgment's classification.
type Verdict string

const (
	VerdictProductive Verdict = "productive"
	VerdictStuck      Verdict = "stuck"
	VerdictUncertain  Verdict = "uncertain"
)

// Recommendation is the action the judge suggests.
type Recommendation string

const (
	RecommendContinue Recommendation = "continue"
	RecommendBreak    Recommendation = "break"
	RecommendEscalate Recommendation = "escalate"
)

// Judgment is a Cycle Detector verdict for one session.
type Judgment struct {
	Verdict         Verdict
	Recommendation  Recommendation
	Reason          string
	SuggestedAction string

	Loop  *LoopFinding
	Cycle *CycleFinding
}

// LoopFinding is a same-status-repeated-N-times detection.
type LoopFinding struct {
	Status aotypes.Status
	Count  int
}

// CycleFinding is a repeating-pattern detection.
type CycleFinding struct {
	Pattern     []aotypes.Status
	Repetitions int
}

// debounceInterval caps how often an unchanged "stuck" verdict re-fires,
// preventing a session wedged for many ticks from storming
// session.cycle_detected every poll.
const debounceInterval = 2 * time.Minute

// sessionHistory is a fixed-capacity ring buffer of recent statuses.
type sessionHistory struct {
	buf         []aotypes.Status
	cap         int
	debounce    *rate.Limiter
	lastVerdict Verdict
}

// Detector tracks per-session status history and renders judgments.
type Detector struct {
	mu       sync.Mutex
	sessions map[string]*sessionHistory

	cfg orchestrator.CycleConfig
}

// New builds a Detector from config.
func New(cfg orchestrator.CycleConfig) *Detector {
	return &Detector{
		sessions: make(map[string]*sessionHistory),
		cfg:      cfg,
	}
}

func (d *Detector) historyFor(sessionID string) *sessionHistory {
	h, ok := d.sessions[sessionID]
	if !ok {
		h = &sessionHistory{
			cap:      d.cfg.HistoryCapacity,
			debounce: rate.NewLimiter(rate.Every(debounceInterval), 1),
		}
		d.sessions[sessionID] = h
	}
	return h
}

// Record appends status to sessionID's history, evicting the oldest entry
// once at capacity.
func (d *Detector) Record(sessionID string, status aotypes.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.historyFor(sessionID)
	h.buf = append(h.buf, status)
	if len(h.buf) > h.cap {
		h.buf = h.buf[len(h.buf)-h.cap:]
	}
}

// Forget drops history for a session (call on session cleanup).
func (d *Detector) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// DetectLoop reports whether the last N entries are identical with
// N >= maxConsecutiveSameStatus.
func DetectLoop(history []aotypes.Status, maxConsecutiveSameStatus int) *LoopFinding {
	if len(history) < maxConsecutiveSameStatus {
		return nil
	}
	last := history[len(history)-1]
	count := 0
	for i := len(history) - 1; i >= 0 && history[i] == last; i-- {
		count++
	}
	if count < maxConsecutiveSameStatus {
		return nil
	}
	return &LoopFinding{Status: last, Count: count}
}

// DetectCycle finds, among pattern lengths 2..len/2, the shortest pattern
// whose characters are not all equal and that repeats at least
// maxCycleRepetitions times at the tail.
func DetectCycle(history []aotypes.Status, maxCycleRepetitions int) *CycleFinding {
	n := len(history)
	for patLen := 2; patLen <= n/2; patLen++ {
		pattern := history[n-patLen:]
		if allEqual(pattern) {
			continue
		}
		reps := 1
		for start := n - patLen*2; start >= 0; start -= patLen {
			if !equalSlices(history[start:start+patLen], pattern) {
				break
			}
			reps++
		}
		if reps >= maxCycleRepetitions {
			return &CycleFinding{Pattern: append([]aotypes.Status(nil), pattern...), Repetitions: reps}
		}
	}
	return nil
}

func allEqual(s []aotypes.Status) bool {
	for _, v := range s {
		if v != s[0] {
			return false
		}
	}
	return true
}

func equalSlices(a, b []aotypes.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Judge renders a rule-based verdict for sessionID's current history.
// Repeated identical verdicts for a still-stuck session are debounced so
// a session stuck for many ticks doesn't re-fire session.cycle_detected
// every tick — the caller is told whether this judgment is "new" via the
// Fresh return.
func (d *Detector) Judge(sessionID string) (judgment Judgment, fresh bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.historyFor(sessionID)
	history := h.buf

	if loop := DetectLoop(history, d.cfg.MaxConsecutiveSameStatus); loop != nil {
		j := Judgment{
			Verdict:        VerdictStuck,
			Recommendation: RecommendBreak,
			Reason:         fmt.Sprintf("status %q repeated %d times", loop.Status, loop.Count),
			Loop:           loop,
		}
		return d.debounced(h, j)
	}

	if cyc := DetectCycle(history, d.cfg.MaxCycleRepetitions); cyc != nil {
		j := judgeCyclePattern(cyc, d.cfg.MaxCycleRepetitions)
		return d.debounced(h, j)
	}

	j := Judgment{Verdict: VerdictProductive, Recommendation: RecommendContinue, Reason: "no loop or cycle detected"}
	return d.debounced(h, j)
}

// judgeCyclePattern classifies a detected repeating pattern. maxCycleRepetitions
// is the configured detection threshold (orchestrator.CycleConfig.MaxCycleRepetitions);
// a pattern that only just cleared it (cyc.Repetitions == maxCycleRepetitions) is
// still "productive below / stuck at-or-above threshold" per spec.md §4.6.
func judgeCyclePattern(cyc *CycleFinding, maxCycleRepetitions int) Judgment {
	set := map[aotypes.Status]bool{}
	for _, s := range cyc.Pattern {
		set[s] = true
	}

	isPair := func(a, b aotypes.Status) bool {
		return len(set) == 2 && set[a] && set[b]
	}

	switch {
	case isPair(aotypes.StatusSpawning, aotypes.StatusKilled):
		return Judgment{
			Verdict: VerdictStuck, Recommendation: RecommendBreak,
			Reason: "session repeatedly fails to start", Cycle: cyc,
			SuggestedAction: "Inspect runtime launch logs; the session cannot get past spawning.",
		}
	case isPair(aotypes.StatusWorking, aotypes.StatusCIFailed):
		if cyc.Repetitions < maxCycleRepetitions {
			return Judgment{Verdict: VerdictProductive, Recommendation: RecommendContinue, Reason: "agent is iterating on CI failures", Cycle: cyc}
		}
		return Judgment{
			Verdict: VerdictStuck, Recommendation: RecommendBreak,
			Reason: "agent repeatedly fails the same CI checks", Cycle: cyc,
			SuggestedAction: "Review CI logs manually; the automated fix loop is not converging.",
		}
	case isPair(aotypes.StatusWorking, aotypes.StatusChangesRequested):
		if cyc.Repetitions < maxCycleRepetitions {
			return Judgment{Verdict: VerdictProductive, Recommendation: RecommendContinue, Reason: "agent is responding to review feedback", Cycle: cyc}
		}
		return Judgment{
			Verdict: VerdictStuck, Recommendation: RecommendBreak,
			Reason: "agent repeatedly fails to satisfy reviewer feedback", Cycle: cyc,
			SuggestedAction: "A human reviewer should intervene directly with the agent.",
		}
	default:
		return Judgment{Verdict: VerdictUncertain, Recommendation: RecommendEscalate, Reason: "unrecognized repeating pattern", Cycle: cyc}
	}
}

func (d *Detector) debounced(h *sessionHistory, j Judgment) (Judgment, bool) {
	verdictChanged := j.Verdict != h.lastVerdict
	h.lastVerdict = j.Verdict
	if verdictChanged {
		// A fresh verdict spends the debounce token, so an identical verdict
		// on a later tick waits a full debounce interval before re-firing.
		h.debounce.Allow()
		return j, true
	}
	if j.Recommendation != RecommendBreak {
		return j, false
	}
	// Same "stuck" verdict as last tick: only re-fire at the debounce rate.
	return j, h.debounce.Allow()
}
