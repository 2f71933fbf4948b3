// Package workerpool is the in-memory concurrency accountant: global and
// per-project active-session caps with an atomic admission check
// (spec.md §4.4). Unlike the ent-backed capacity queries it is grounded
// on, there is no database here — state is process-private, protected by
// one mutex, exactly as spec.md §5 requires ("canSpawn + recordSpawn must
// be one atomic step to prevent overbooking").
package workerpool

import (
	"log/slog"
	"sync"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
)

// LimitHit names which cap an admission check failed against.
type LimitHit string

const (
	LimitNone    LimitHit = ""
	LimitGlobal  LimitHit = "global"
	LimitProject LimitHit = "project"
)

// Admission is the result of a canSpawn check.
type Admission struct {
	CanSpawn       bool
	LimitHit       LimitHit
	Reason         string
	SlotsRemaining int
}

// ProjectStatus is one row of getStatus()'s per-project breakdown.
type ProjectStatus struct {
	Active int
	Max    int
}

// PoolStatus is the Worker Pool's full status snapshot.
type PoolStatus struct {
	GlobalActive  int
	GlobalMax     int
	ProjectCounts map[string]ProjectStatus
}

// Pool is the single-owner concurrency accountant.
type Pool struct {
	mu sync.Mutex

	globalMax         int
	projectMaxDefault int
	projectMaxOverride map[string]int

	activeByProject map[string]map[string]struct{}

	logger *slog.Logger

	activeGauge *prometheus.GaugeVec
}

// New builds a Pool from config. Passing a nil Registerer skips metrics
// registration (useful in tests).
func New(cfg orchestrator.WorkerPoolConfig, logger *slog.Logger, reg prometheus.Registerer) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	overrides := make(map[string]int, len(cfg.ProjectMaxOverrides))
	for k, v := range cfg.ProjectMaxOverrides {
		overrides[k] = v
	}
	p := &Pool{
		globalMax:          cfg.GlobalMax,
		projectMaxDefault:  cfg.ProjectMaxDefault,
		projectMaxOverride: overrides,
		activeByProject:    make(map[string]map[string]struct{}),
		logger:             logger.With("component", "workerpool.Pool"),
		activeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ao_workerpool_active_sessions",
			Help: "Active sessions counted against the worker pool, by project.",
		}, []string{"project"}),
	}
	if reg != nil {
		reg.MustRegister(p.activeGauge)
	}
	return p
}

func (p *Pool) projectMax(projectID string) int {
	if m, ok := p.projectMaxOverride[projectID]; ok {
		return m
	}
	return p.projectMaxDefault
}

func (p *Pool) globalActiveLocked() int {
	total := 0
	for _, set := range p.activeByProject {
		total += len(set)
	}
	return total
}

// CanSpawn reports whether projectID may admit one more session. The
// global check precedes the project check, so exhausting the global
// budget always reports "global" even if the project override would
// allow more (spec.md §4.4 invariant).
func (p *Pool) CanSpawn(projectID string) Admission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canSpawnLocked(projectID)
}

func (p *Pool) canSpawnLocked(projectID string) Admission {
	globalActive := p.globalActiveLocked()
	projectActive := len(p.activeByProject[projectID])
	projectMax := p.projectMax(projectID)

	globalRemaining := p.globalMax - globalActive - 1
	projectRemaining := projectMax - projectActive - 1
	slotsRemaining := min(globalRemaining, projectRemaining)

	if globalActive >= p.globalMax {
		return Admission{CanSpawn: false, LimitHit: LimitGlobal, Reason: "global concurrency cap reached", SlotsRemaining: max(slotsRemaining, 0)}
	}
	if projectActive >= projectMax {
		return Admission{CanSpawn: false, LimitHit: LimitProject, Reason: "project concurrency cap reached", SlotsRemaining: max(slotsRemaining, 0)}
	}
	return Admission{CanSpawn: true, SlotsRemaining: slotsRemaining}
}

// RecordSpawn admits sessionID into projectID's active set. Idempotent
// for the same (project, session) pair.
func (p *Pool) RecordSpawn(projectID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.activeByProject[projectID]
	if !ok {
		set = make(map[string]struct{})
		p.activeByProject[projectID] = set
	}
	set[sessionID] = struct{}{}
	p.activeGauge.WithLabelValues(projectID).Set(float64(len(set)))
}

// RecordExit removes sessionID from projectID's active set. Idempotent;
// never goes negative; removes empty project entries; a no-op for an
// unknown session.
func (p *Pool) RecordExit(projectID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.activeByProject[projectID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(p.activeByProject, projectID)
		p.activeGauge.DeleteLabelValues(projectID)
		return
	}
	p.activeGauge.WithLabelValues(projectID).Set(float64(len(set)))
}

// SyncFromSessions rebuilds the pool's entire state from a fresh session
// list — used at startup to resync from rehydrated sessions, and safe to
// call at any time since it wholly replaces prior state (spec.md §4.4,
// property 4).
func (p *Pool) SyncFromSessions(sessions []*aotypes.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for project := range p.activeByProject {
		p.activeGauge.DeleteLabelValues(project)
	}
	p.activeByProject = make(map[string]map[string]struct{})

	for _, s := range sessions {
		if aotypes.WorkerPoolExcludedStatuses[s.Status] {
			continue
		}
		set, ok := p.activeByProject[s.ProjectID]
		if !ok {
			set = make(map[string]struct{})
			p.activeByProject[s.ProjectID] = set
		}
		set[s.ID] = struct{}{}
	}
	for project, set := range p.activeByProject {
		p.activeGauge.WithLabelValues(project).Set(float64(len(set)))
	}
	p.logger.Info("resynced worker pool from session list", "sessions", len(sessions), "projects", len(p.activeByProject))
}

// GetStatus returns a full snapshot. Projects with a configured override
// are always listed even at zero active sessions.
func (p *Pool) GetStatus() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[string]ProjectStatus)
	for project := range p.projectMaxOverride {
		counts[project] = ProjectStatus{Active: 0, Max: p.projectMax(project)}
	}
	for project, set := range p.activeByProject {
		counts[project] = ProjectStatus{Active: len(set), Max: p.projectMax(project)}
	}
	return PoolStatus{
		GlobalActive:  p.globalActiveLocked(),
		GlobalMax:     p.globalMax,
		ProjectCounts: counts,
	}
}

// Health renders GetStatus as an operator-facing PoolHealth snapshot,
// flagging unhealthy once global utilization is at or past its cap.
// orphansRecovered is passed in by the caller (Session Manager owns the
// startup orphan sweep count; the pool itself never scans sessions).
func (p *Pool) Health(orphansRecovered int) aotypes.PoolHealth {
	status := p.GetStatus()
	counts := make(map[string]aotypes.ProjectHealth, len(status.ProjectCounts))
	for project, c := range status.ProjectCounts {
		counts[project] = aotypes.ProjectHealth{Active: c.Active, Max: c.Max}
	}
	return aotypes.PoolHealth{
		IsHealthy:        status.GlobalActive < status.GlobalMax,
		GlobalActive:     status.GlobalActive,
		GlobalMax:        status.GlobalMax,
		ProjectCounts:    counts,
		OrphansRecovered: orphansRecovered,
	}
}

// Clear drops all accounted state.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for project := range p.activeByProject {
		p.activeGauge.DeleteLabelValues(project)
	}
	p.activeByProject = make(map[string]map[string]struct{})
}
