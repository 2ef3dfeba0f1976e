package server

import (
	"sync"
	"time"

	"github.com/alexjbarnes/docbridge/internal/keys"
)

const (
	// stateExpiry controls how long a consent state value remains valid.
	stateExpiry = 10 * time.Minute

	// stateCleanupInterval controls how often expired states are reaped.
	stateCleanupInterval = 5 * time.Minute

	// maxPendingStates caps outstanding consent flows so unauthenticated
	// /auth/login requests cannot grow the map without bound.
	maxPendingStates = 10000
)

// StateStore holds the one-time state values that tie a provider callback
// to the login redirect that started it. All state is in-memory; pending
// consent flows are lost on restart.
type StateStore struct {
	mu     sync.Mutex
	states map[string]time.Time // state -> expiry
	now    func() time.Time
	stopGC chan struct{}
}

// NewStateStore creates an empty store and starts a background goroutine
// that removes expired states. Call Stop() to clean up the goroutine.
func NewStateStore() *StateStore {
	s := &StateStore{
		states: make(map[string]time.Time),
		now:    time.Now,
		stopGC: make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *StateStore) Stop() {
	close(s.stopGC)
}

func (s *StateStore) gcLoop() {
	ticker := time.NewTicker(stateCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *StateStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
}

// New generates and stores a fresh state value. It returns "" when too
// many consent flows are pending.
func (s *StateStore) New() string {
	state := keys.RandomHex(16)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.states) >= maxPendingStates {
		return ""
	}

	s.states[state] = s.now().Add(stateExpiry)

	return state
}

// Consume deletes state and reports whether it was known and unexpired.
func (s *StateStore) Consume(state string) bool {
	if state == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.states[state]
	if !ok {
		return false
	}

	delete(s.states, state)

	return s.now().Before(exp)
}

// Len returns the number of pending states.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.states)
}
