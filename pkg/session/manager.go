// Package session implements the Session Manager, the orchestrator's
// nucleus (spec.md §4.8): spawn/send/kill/list/listAll/restore/cleanup/poll.
// It owns enrichment (live activity, PR/CI/review fetch), reaction
// dispatch, notifier fan-out, and event publication. Grounded on the
// teacher's pkg/session/manager.go (in-memory CRUD skeleton), expanded
// using pkg/queue/worker.go's poll/claim/execute/heartbeat idiom and
// pkg/cleanup/service.go's Start/Stop/ticker-loop skeleton for the
// reconciliation tick.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/cycle"
	"github.com/agentorchestrator/ao/pkg/events"
	"github.com/agentorchestrator/ao/pkg/metadatastore"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/agentorchestrator/ao/pkg/paths"
	"github.com/agentorchestrator/ao/pkg/phase"
	"github.com/agentorchestrator/ao/pkg/plugin"
	"github.com/agentorchestrator/ao/pkg/ratelimit"
	"github.com/agentorchestrator/ao/pkg/reaction"
	"github.com/agentorchestrator/ao/pkg/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Project is the per-project context the Manager needs to resolve paths
// and plugin instances. Config-file parsing that produces this value is
// an external collaborator's concern.
type Project struct {
	ID          string
	ConfigPath  string
	ProjectPath string
	RuntimeName string
	AgentName   string
	SCMName     string
	TrackerName string
	WorkspaceName string
}

// Manager is the Session Manager: the single owner of session state,
// metadata persistence, and the reconciliation poll loop.
type Manager struct {
	configDir string
	registry  *plugin.Registry
	pool      *workerpool.Pool
	rateLimit *ratelimit.Tracker
	cycles    *cycle.Detector
	phases    *phase.Manager
	bus       *events.Bus
	reactions *reaction.Engine
	cfg       orchestrator.Config
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*aotypes.Session
	projects map[string]Project
	stores   map[string]*metadatastore.Store
	paths    map[string]paths.ProjectPaths
	counters map[string]int // monotonic per-project id counter

	sessionLocks sync.Map // sessionID -> *sync.Mutex, serializes send/kill/update per session

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	tickHistogram    prometheus.Histogram
	orphansRecovered int
}

// New builds a Manager. Callers register projects with AddProject before
// calling Spawn/Poll for them.
func New(
	configDir string,
	registry *plugin.Registry,
	pool *workerpool.Pool,
	rateLimit *ratelimit.Tracker,
	cycles *cycle.Detector,
	phases *phase.Manager,
	bus *events.Bus,
	reactions *reaction.Engine,
	cfg orchestrator.Config,
	logger *slog.Logger,
	reg prometheus.Registerer,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		configDir: configDir,
		registry:  registry,
		pool:      pool,
		rateLimit: rateLimit,
		cycles:    cycles,
		phases:    phases,
		bus:       bus,
		reactions: reactions,
		cfg:       cfg,
		logger:    logger.With("component", "session.Manager"),
		sessions:  make(map[string]*aotypes.Session),
		projects:  make(map[string]Project),
		stores:    make(map[string]*metadatastore.Store),
		paths:     make(map[string]paths.ProjectPaths),
		counters:  make(map[string]int),
		tickHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ao_session_poll_tick_seconds",
			Help:    "Duration of one Session Manager reconciliation tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tickHistogram)
	}
	return m
}

// AddProject registers a project's paths and plugin bindings, creating
// its on-disk layout if absent.
func (m *Manager) AddProject(p Project) error {
	pp := paths.Resolve(m.configDir, p.ConfigPath, p.ProjectPath)
	if err := pp.Ensure(); err != nil {
		return fmt.Errorf("session: ensure project dirs: %w", err)
	}
	store, err := metadatastore.New(pp.SessionsDir)
	if err != nil {
		return fmt.Errorf("session: open metadata store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	m.paths[p.ID] = pp
	m.stores[p.ID] = store
	return nil
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	v, _ := m.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Manager) nextID(projectID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[projectID]++
	return fmt.Sprintf("%s-%d", projectID, m.counters[projectID])
}

func (m *Manager) storeFor(projectID string) (*metadatastore.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	store, ok := m.stores[projectID]
	if !ok {
		return nil, fmt.Errorf("session: unknown project %q", projectID)
	}
	return store, nil
}

func (m *Manager) projectFor(projectID string) (Project, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	return p, ok
}

func (m *Manager) pathsFor(projectID string) (paths.ProjectPaths, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pp, ok := m.paths[projectID]
	return pp, ok
}

// persist writes session's current in-memory state to its metadata store
// and updates the in-memory cache. Callers must hold the session's lock.
func (m *Manager) persist(session *aotypes.Session) error {
	store, err := m.storeFor(session.ProjectID)
	if err != nil {
		return err
	}
	record := toRecord(session)
	if err := store.Write(session.ID, record); err != nil {
		return fmt.Errorf("session: persist %s: %w", session.ID, err)
	}
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	return nil
}

// Health returns a fleet-wide Worker Pool health snapshot.
func (m *Manager) Health() aotypes.PoolHealth {
	m.mu.RLock()
	orphans := m.orphansRecovered
	m.mu.RUnlock()
	return m.pool.Health(orphans)
}

func (m *Manager) getCached(sessionID string) (*aotypes.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// enrichmentSemaphore bounds per-tick parallel enrichment at
// globalMax*2, per spec.md §4.8.
func (m *Manager) enrichmentSemaphore() *semaphore.Weighted {
	status := m.pool.GetStatus()
	n := status.GlobalMax * 2
	if n < 1 {
		n = 1
	}
	return semaphore.NewWeighted(int64(n))
}
