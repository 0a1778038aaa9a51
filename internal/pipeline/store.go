package pipeline

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when mutating a session in a terminal status.
	ErrSessionClosed = errors.New("session is closed")
	// ErrInvalidTransition is returned when an update moves status off the DAG.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// entry guards one session. writeMu serializes updates; readers load snap
// without taking it. A published snapshot is never modified.
type entry struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[Session]
}

func newEntry(s *Session) *entry {
	e := &entry{}
	e.snap.Store(s)
	return e
}

// Store holds lab sessions in memory, optionally mirroring every published
// snapshot to <baseDir>/<id>.json.
type Store struct {
	mu       sync.RWMutex // guards sessions map membership only
	sessions map[string]*entry
	baseDir  string
}

// NewStore creates a Store. An empty baseDir keeps sessions in memory only.
func NewStore(baseDir string) *Store {
	return &Store{sessions: make(map[string]*entry), baseDir: baseDir}
}

// DefaultDir returns ~/.labforge/sessions, creating it if needed.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".labforge", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// BaseDir returns the snapshot directory, or "" for a memory-only store.
func (st *Store) BaseDir() string {
	return st.baseDir
}

func (st *Store) sessionPath(id string) string {
	return filepath.Join(st.baseDir, id+".json")
}

// Create registers a new interactive session and returns its snapshot.
func (st *Store) Create(prompt string, dryRun bool) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		Status:       StatusInteractive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Prompt:       prompt,
		DryRun:       dryRun,
		Conversation: []Message{},
	}

	st.mu.Lock()
	if _, ok := st.sessions[s.ID]; ok {
		st.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", s.ID)
	}
	st.sessions[s.ID] = newEntry(s)
	st.mu.Unlock()

	st.persist(s)
	return s.clone(), nil
}

func (st *Store) lookup(id string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Get returns a copy of the latest published snapshot of a session.
func (st *Store) Get(id string) (*Session, error) {
	e, err := st.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.snap.Load().clone(), nil
}

// Update performs an atomic read-modify-write of a session. fn works on a
// private copy; if it returns an error nothing is published. Updates to the
// same session are serialized, updates to different sessions are not, and
// readers keep seeing the previous snapshot until the new one is swapped in.
func (st *Store) Update(id string, fn func(*Session) error) error {
	e, err := st.lookup(id)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.snap.Load()
	if cur.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", id, cur.Status, ErrSessionClosed)
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return err
	}
	if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
		return fmt.Errorf("%s -> %s: %w", cur.Status, next.Status, ErrInvalidTransition)
	}
	if len(next.Conversation) < len(cur.Conversation) {
		return fmt.Errorf("session %s: conversation entries cannot be removed", id)
	}
	next.ID = cur.ID
	next.Prompt = cur.Prompt
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	e.snap.Store(next)

	// Still under writeMu so snapshots reach disk in publish order.
	st.persist(next)
	return nil
}

// List returns all sessions newest first, optionally filtered by status.
// Pass "" for statusFilter to return every session.
func (st *Store) List(statusFilter Status) []Session {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	var out []Session
	for _, e := range entries {
		snap := e.snap.Load()
		if statusFilter == "" || snap.Status == statusFilter {
			out = append(out, *snap.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// persist mirrors a snapshot to disk. Persistence is best effort: the
// in-memory snapshot is authoritative while the process runs.
func (st *Store) persist(s *Session) {
	if st.baseDir == "" {
		return
	}
	if err := WriteJSON(st.sessionPath(s.ID), s); err != nil {
		log.Printf("pipeline: persist session %s: %v", s.ID, err)
	}
}

// Load reads every snapshot under baseDir into the store and returns the
// number loaded. Sessions caught mid-stage by a restart are failed as
// interrupted; sessions in requirements_ready have their in-flight flag
// cleared and are returned in resume so the caller can re-trigger them.
func (st *Store) Load() (loaded int, resume []string, err error) {
	if st.baseDir == "" {
		return 0, nil, nil
	}
	sessions, err := ReadSnapshots(st.baseDir)
	if err != nil {
		return 0, nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range sessions {
		s := &sessions[i]
		if _, ok := st.sessions[s.ID]; ok {
			continue
		}
		switch s.Status {
		case StatusDesigning, StatusGuideWriting, StatusValidating:
			s.Error = &ErrorRecord{
				Stage:   string(s.Status),
				Kind:    ErrInterrupted,
				Message: "the service restarted while this stage was running",
			}
			s.AppendProgress(interruptedNotice)
			s.Status = StatusFailed
			s.GenerationInFlight = false
			s.UpdatedAt = time.Now().UTC()
			st.persist(s)
		case StatusRequirementsReady:
			s.GenerationInFlight = false
			resume = append(resume, s.ID)
		}
		if s.Conversation == nil {
			s.Conversation = []Message{}
		}
		st.sessions[s.ID] = newEntry(s)
		loaded++
	}
	return loaded, resume, nil
}

const interruptedNotice = "Generation was interrupted by a service restart. Please start a new lab."

// ReadSnapshots reads all session snapshots in dir without loading them
// into a store. Unreadable files are skipped.
func ReadSnapshots(dir string) ([]Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var sessions []Session
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		var s Session
		if err := ReadJSON(filepath.Join(dir, name), &s); err != nil {
			continue // skip broken entries
		}
		if s.ID == "" {
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}
