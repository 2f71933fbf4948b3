// Package metadatastore persists one flat KEY=VALUE record per session to
// disk, atomically, so a crash mid-write never leaves a reader with a
// half-written file (spec.md §4.2).
package metadatastore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ReservedKeys is the key set spec.md §4.2 reserves; plugins may add
// further keys, and unknown keys are preserved on round-trip.
var ReservedKeys = []string{
	"worktree", "branch", "status", "phase", "reviewRound", "issue", "pr",
	"project", "activity", "agentSessionId",
	"cost.inputTokens", "cost.outputTokens", "cost.usd",
	"subSessionInfo.role", "subSessionInfo.parentSessionId", "subSessionInfo.round",
}

// Store is a single-owner, per-session-mutex-protected file store under
// sessionsDir. Only the Session Manager writes through a Store; other
// components read via Session Manager's API (spec.md §5).
type Store struct {
	sessionsDir string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Store rooted at sessionsDir. The directory is created if
// absent.
func New(sessionsDir string) (*Store, error) {
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("metadatastore: create sessions dir: %w", err)
	}
	return &Store{
		sessionsDir: sessionsDir,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID)
}

// Write writes a full record, atomically: the new content is written to a
// temp file in the same directory (so the subsequent rename stays within
// one filesystem) and then renamed over the destination. POSIX rename is
// atomic, so a reader either sees the old file or the new one, never a
// partial write.
func (s *Store) Write(sessionID string, record map[string]string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLocked(sessionID, record)
}

func (s *Store) writeLocked(sessionID string, record map[string]string) error {
	keys := make([]string, 0, len(record))
	for k, v := range record {
		if strings.Contains(v, "\n") {
			return fmt.Errorf("metadatastore: value for key %q contains a newline", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, record[k])
	}

	dest := s.path(sessionID)
	tmp := filepath.Join(s.sessionsDir, fmt.Sprintf(".%s.%s.tmp", sessionID, uuid.NewString()))
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("metadatastore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("metadatastore: rename into place: %w", err)
	}
	return nil
}

// ReadRaw returns the full key-value map for sessionID, or nil if absent.
// A corrupt (unparseable) file returns an error wrapping ErrCorrupt;
// callers such as session rehydration log it and skip the record rather
// than crash (spec.md §7's metadata_corrupt policy).
func (s *Store) ReadRaw(sessionID string) (map[string]string, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(sessionID)
}

func (s *Store) readLocked(sessionID string) (map[string]string, error) {
	f, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("metadatastore: open: %w", err)
	}
	defer f.Close()

	record := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("metadatastore: %w: malformed line %q", ErrCorrupt, line)
		}
		record[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("metadatastore: scan: %w", err)
	}
	return record, nil
}

// Update performs a read-modify-write under the per-session mutex,
// merging partial into the existing record (or creating one if absent).
func (s *Store) Update(sessionID string, partial map[string]string) (map[string]string, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.readLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = make(map[string]string)
	}
	for k, v := range partial {
		current[k] = v
	}
	if err := s.writeLocked(sessionID, current); err != nil {
		return nil, err
	}
	return current, nil
}

// Delete removes a session's metadata file. Missing files are not an
// error (delete is idempotent).
func (s *Store) Delete(sessionID string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("metadatastore: delete: %w", err)
	}
	return nil
}

// List returns every session id with a metadata file in sessionsDir,
// ignoring non-regular files (temp files, directories).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}
