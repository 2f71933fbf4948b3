package plugin

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Manifest describes one registered plugin, independent of its concrete
// instance.
type Manifest struct {
	Name        string `validate:"required"`
	Slot        Slot   `validate:"required"`
	Version     string `validate:"required"`
	Description string
	PackageRef  string `validate:"required"`
}

// Factory builds a plugin instance from optional config. An error (or a
// panic) from a Factory is not fatal: LoadMissing logs it and skips that
// plugin; a Factory that simply can't find a dependency should instead be
// omitted from the built-in table entirely.
type Factory func(config map[string]any) (any, error)

// entry pairs a manifest with the factory that instantiates it.
type entry struct {
	manifest Manifest
	factory  Factory
	instance any
}

// Registry discovers, instantiates, and looks up plugins by (slot, name),
// mirroring the teacher's MCPServerRegistry / SubAgentRegistry: a
// map+mutex store with defensive-copy reads; a lookup miss returns nil.
type Registry struct {
	mu       sync.RWMutex
	entries  map[Slot]map[string]*entry
	logger   *slog.Logger
	validate *validator.Validate
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[Slot]map[string]*entry),
		logger:   logger.With("component", "plugin.Registry"),
		validate: validator.New(),
	}
}

// normalizeName resolves a bare plugin name to the built-in package
// pattern ao-plugin-<slot>-<name>, per spec.md §4.1. Names that already
// look like a package path or filesystem path are left untouched.
func normalizeName(slot Slot, name string) string {
	if strings.Contains(name, "/") || strings.Contains(name, ".") {
		return name
	}
	return fmt.Sprintf("ao-plugin-%s-%s", slot, name)
}

// Register adds a built-in or config-referenced plugin manifest and its
// factory. A malformed manifest (failing struct validation) returns an
// error — the only load-time failure spec.md treats as fatal.
func (r *Registry) Register(m Manifest, factory Factory) error {
	if m.PackageRef == "" {
		m.PackageRef = normalizeName(m.Slot, m.Name)
	}
	if err := r.validate.Struct(m); err != nil {
		return fmt.Errorf("malformed plugin manifest for %s/%s: %w", m.Slot, m.Name, err)
	}
	if factory == nil {
		return fmt.Errorf("malformed plugin manifest for %s/%s: nil factory", m.Slot, m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[m.Slot]; !ok {
		r.entries[m.Slot] = make(map[string]*entry)
	}
	r.entries[m.Slot][m.Name] = &entry{manifest: m, factory: factory}
	return nil
}

// LoadMissing attempts to instantiate every registered-but-not-yet-created
// plugin for slot. A plugin whose factory errors or panics is logged and
// skipped — never fatal to startup (spec.md §4.1 "Contract failure").
func (r *Registry) LoadMissing(slot Slot, config map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries[slot] {
		if e.instance != nil {
			continue
		}
		instance, err := func() (inst any, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("plugin factory panicked: %v", rec)
				}
			}()
			return e.factory(config)
		}()
		if err != nil {
			r.logger.Warn("plugin failed to load, skipping",
				"slot", slot, "name", name, "error", err)
			continue
		}
		e.instance = instance
	}
}

// Get returns the live instance for (slot, name), or nil if no such
// plugin is registered or it has not been loaded yet.
func (r *Registry) Get(slot Slot, name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[slot][name]
	if !ok {
		return nil
	}
	return e.instance
}

// Has reports whether a plugin is registered for (slot, name), regardless
// of whether it has been successfully loaded.
func (r *Registry) Has(slot Slot, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[slot][name]
	return ok
}

// List returns a defensive copy of every registered manifest for slot.
func (r *Registry) List(slot Slot) []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.entries[slot]))
	for _, e := range r.entries[slot] {
		out = append(out, e.manifest)
	}
	return out
}
