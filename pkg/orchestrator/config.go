package orchestrator

import "time"

// Config aggregates every component's configuration, the way the
// teacher's umbrella config struct hands each subsystem a typed slice of
// the whole. Config-file parsing is an external collaborator's concern;
// this module only defines the typed, defaulted shape callers populate.
type Config struct {
	WorkerPool WorkerPoolConfig
	RateLimit  RateLimitConfig
	Cycle      CycleConfig
	Phase      PhaseConfig
	Poll       PollConfig
	Reaction   ReactionConfig
}

// DefaultConfig returns a Config with every component defaulted per
// spec.md.
func DefaultConfig() Config {
	return Config{
		WorkerPool: DefaultWorkerPoolConfig(),
		RateLimit:  DefaultRateLimitConfig(),
		Cycle:      DefaultCycleConfig(),
		Phase:      DefaultPhaseConfig(),
		Poll:       DefaultPollConfig(),
		Reaction:   DefaultReactionConfig(),
	}
}

// WorkerPoolConfig holds Worker Pool admission caps (spec.md §4.4).
type WorkerPoolConfig struct {
	GlobalMax        int
	ProjectMaxDefault int
	ProjectMaxOverrides map[string]int
}

func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		GlobalMax:         10,
		ProjectMaxDefault: 5,
	}
}

// RateLimitConfig holds Rate-Limit Tracker tuning (spec.md §4.5).
type RateLimitConfig struct {
	MinResetFloor       time.Duration
	RapidExitThreshold  time.Duration
	FallbackChains      map[string][]string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MinResetFloor:      15 * time.Minute,
		RapidExitThreshold: 10 * time.Second,
	}
}

// CycleConfig holds Cycle Detector tuning (spec.md §4.6).
type CycleConfig struct {
	HistoryCapacity          int
	MaxConsecutiveSameStatus int
	MaxCycleRepetitions      int
}

func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		HistoryCapacity:          50,
		MaxConsecutiveSameStatus: 5,
		MaxCycleRepetitions:      3,
	}
}

// PhaseConfig holds Phase Manager tuning.
type PhaseConfig struct {
	// SimpleMode skips the phase state machine entirely when
	// project.workflow.mode == "simple" (spec.md §4.7).
	SimpleMode bool
	// MaxReviewerSpawnFailures bounds retries before a round escalates
	// (Open Question 2, resolved in DESIGN.md).
	MaxReviewerSpawnFailures int
}

func DefaultPhaseConfig() PhaseConfig {
	return PhaseConfig{MaxReviewerSpawnFailures: 3}
}

// PollConfig holds the reconciliation loop's tick duration (Open Question
// 1, resolved in DESIGN.md) and enrichment timeouts.
type PollConfig struct {
	Interval        time.Duration
	SCMTimeout      time.Duration
	SubprocessTimeout time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:          5 * time.Second,
		SCMTimeout:        10 * time.Second,
		SubprocessTimeout: 30 * time.Second,
	}
}

// ReactionConfig holds Reaction Engine retry/escalation tuning.
type ReactionConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Rules       []ReactionRule
}

// ReactionRule maps an (event type, priority) pair to an action.
type ReactionRule struct {
	EventType     string
	Priority      string
	Action        string // "send-to-agent" | "notify"
	Retries       int
	EscalateAfter int
	Target        string
}

func DefaultReactionConfig() ReactionConfig {
	return ReactionConfig{
		BackoffBase: 30 * time.Second,
		BackoffCap:  10 * time.Minute,
	}
}
