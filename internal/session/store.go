package session

import (
	"sync"
	"time"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionLimitReached = "SESSION_LIMIT_REACHED"
	CodeHashlockInUse       = "VALIDATION_ERROR"
)

// StoreParams configures eviction and capacity behavior.
type StoreParams struct {
	MaxActive      int
	TerminalGrace  time.Duration
}

func (p StoreParams) withDefaults() StoreParams {
	if p.MaxActive <= 0 {
		p.MaxActive = 1000
	}
	if p.TerminalGrace <= 0 {
		p.TerminalGrace = 2 * time.Hour
	}
	return p
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// Store is the single mutation point for session state (spec §3 "Session
// Store"), guarding each record with its own lock so unrelated sessions
// never contend.
type Store struct {
	params StoreParams

	mu       sync.RWMutex
	entries  map[string]*entry
	hashlock map[[32]byte]string // hashlock -> session id, enforces uniqueness
}

// NewStore constructs an empty Store.
func NewStore(params StoreParams) *Store {
	return &Store{
		params:   params.withDefaults(),
		entries:  make(map[string]*entry),
		hashlock: make(map[[32]byte]string),
	}
}

// Put inserts a new session. Returns SESSION_LIMIT_REACHED if the active
// (non-terminal) count is already at capacity, or VALIDATION_ERROR if
// another session already holds the same hashlock (spec §3 "exactly one
// session holds a given hashlock at a time").
func (s *Store) Put(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.hashlock[sess.Hashlock]; ok && existing != sess.ID {
		return utils.NewCodedError(CodeHashlockInUse, "hashlock already in use by another session")
	}

	if _, ok := s.entries[sess.ID]; !ok {
		active := 0
		for _, e := range s.entries {
			if !e.session.Status.Terminal() {
				active++
			}
		}
		if active >= s.params.MaxActive {
			return utils.NewCodedError(CodeSessionLimitReached, "maximum active sessions reached")
		}
	}

	s.entries[sess.ID] = &entry{session: sess}
	s.hashlock[sess.Hashlock] = sess.ID
	return nil
}

// Get returns a copy of the session record, or SESSION_NOT_FOUND.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, utils.NewCodedError(CodeSessionNotFound, "session not found: "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.session, nil
}

// Mutate applies fn to the session under its per-session lock, the only
// sanctioned way to change a stored session's fields.
func (s *Store) Mutate(id string, fn func(*Session) error) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return utils.NewCodedError(CodeSessionNotFound, "session not found: "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Delete removes a session unconditionally.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		delete(s.hashlock, e.session.Hashlock)
		delete(s.entries, id)
	}
}

// IterateActive calls fn for every non-terminal session. fn must not call
// back into the Store.
func (s *Store) IterateActive(fn func(*Session)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		e.mu.Lock()
		if !e.session.Status.Terminal() {
			fn(e.session)
		}
		e.mu.Unlock()
	}
}

// ReapExpired deletes terminal sessions whose UpdatedAt is older than
// params.TerminalGrace, returning the count removed.
func (s *Store) ReapExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		expired := e.session.Status.Terminal() && now.Sub(e.session.UpdatedAt) > s.params.TerminalGrace
		e.mu.Unlock()
		if expired {
			delete(s.hashlock, e.session.Hashlock)
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// ActiveCount reports the current number of non-terminal sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.session.Status.Terminal() {
			n++
		}
	}
	return n
}
