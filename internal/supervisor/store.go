package supervisor

import (
	"context"
	"slices"
	"sync"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Session is the per-client state. Every field is guarded by mu, which also
// serializes the client's commands.
type Session struct {
	ClientID string

	mu        sync.Mutex
	sink      Sink
	current   *execution
	sandboxes map[string]sandbox.Handle
	closed    bool

	// pmu guards the cancel func of an in-flight provisioning, so Disconnect
	// can reach it while start holds mu.
	pmu       sync.Mutex
	provision context.CancelFunc
	leaving   bool
}

// beginProvision registers cancel for the provisioning about to start. It
// reports false if the client is already leaving.
func (s *Session) beginProvision(cancel context.CancelFunc) bool {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.leaving {
		return false
	}
	s.provision = cancel
	return true
}

func (s *Session) endProvision() {
	s.pmu.Lock()
	s.provision = nil
	s.pmu.Unlock()
}

// leave marks the client as leaving and cancels any provisioning in flight.
func (s *Session) leave() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.leaving = true
	if s.provision != nil {
		s.provision()
	}
}

func (s *Session) isLeaving() bool {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.leaving
}

// Store tracks connected clients by id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for clientID if it exists.
func (s *Store) Get(clientID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[clientID]
	return sess, ok
}

// getOrCreate returns the session for clientID, creating it with sink if it
// is new. An existing session keeps its state but delivers to sink from now on.
func (s *Store) getOrCreate(clientID string, sink Sink) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[clientID]; ok {
		sess.mu.Lock()
		sess.sink = sink
		sess.mu.Unlock()
		return sess, false
	}

	sess := &Session{
		ClientID:  clientID,
		sink:      sink,
		sandboxes: make(map[string]sandbox.Handle),
	}
	s.sessions[clientID] = sess
	return sess, true
}

// remove drops clientID if it still maps to sess.
func (s *Store) remove(clientID string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[clientID] == sess {
		delete(s.sessions, clientID)
	}
}

// all returns every session, in no particular order.
func (s *Store) all() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of connected clients.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IDs returns the connected client ids, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Active reports the sandbox of the client's current execution, if any.
func (s *Store) Active(clientID string) (sandboxID string, running bool) {
	sess, ok := s.Get(clientID)
	if !ok {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.current == nil {
		return "", false
	}
	return sess.current.box.ID(), true
}

// Sandboxes returns the ids of the client's sandboxes that have not been
// handed to Destroy yet, sorted.
func (s *Store) Sandboxes(clientID string) []string {
	sess, ok := s.Get(clientID)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	ids := make([]string, 0, len(sess.sandboxes))
	for id := range sess.sandboxes {
		ids = append(ids, id)
	}
	sess.mu.Unlock()
	slices.Sort(ids)
	return ids
}
