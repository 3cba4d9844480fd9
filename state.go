package session

import (
	"fmt"
	"sync"
)

// sessionState is the in-memory, subscribable mirror of the Store.
// setAuthenticated and reset write through to the Store synchronously;
// adopt applies changes observed from other store handles without
// writing back.
type sessionState struct {
	store Store

	mu        sync.RWMutex
	cur       State
	nextSub   int
	listeners map[int]func(State)
}

func newSessionState(store Store) *sessionState {
	return &sessionState{
		store:     store,
		listeners: make(map[int]func(State)),
	}
}

// restore rebuilds the in-memory state from a previously persisted
// record. No network call is made; a structurally valid TokenPair in
// the store is trusted until the first request or proactive check says
// otherwise.
func (s *sessionState) restore() {
	rec, err := s.store.Read()
	if err != nil || rec == nil {
		return
	}
	if !rec.Tokens.Valid() || rec.User == nil {
		return
	}
	s.mu.Lock()
	s.cur = State{User: rec.User, Tokens: rec.Tokens, Authenticated: true}
	s.mu.Unlock()
}

func (s *sessionState) current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// setAuthenticated installs a new user/token pair and writes it through
// to the Store before listeners are notified.
func (s *sessionState) setAuthenticated(user *UserProfile, tokens *TokenPair) error {
	if user == nil {
		return fmt.Errorf("session/state: user is required")
	}
	if !tokens.Valid() {
		return fmt.Errorf("session/state: token pair is incomplete")
	}

	if err := s.store.Write(&Record{Tokens: tokens, User: user}); err != nil {
		return fmt.Errorf("session/state: write-through: %w", err)
	}

	s.mu.Lock()
	s.cur = State{User: user, Tokens: tokens, Authenticated: true}
	s.mu.Unlock()

	s.notify()
	return nil
}

// reset returns the state to anonymous. When writeThrough is true the
// Store record is cleared as well; callers that have already cleared
// the store (or are reacting to a remote clear) pass false.
func (s *sessionState) reset(writeThrough bool) error {
	if writeThrough {
		if err := s.store.Clear(); err != nil {
			return fmt.Errorf("session/state: clear: %w", err)
		}
	}

	s.mu.Lock()
	s.cur = State{}
	s.mu.Unlock()

	s.notify()
	return nil
}

// adopt applies a record observed from another store handle (another
// instance logged in or rotated the tokens). Memory only, no write-back.
func (s *sessionState) adopt(rec *Record) {
	s.mu.Lock()
	if rec != nil && rec.Tokens.Valid() && rec.User != nil {
		s.cur = State{User: rec.User, Tokens: rec.Tokens, Authenticated: true}
	} else {
		s.cur = State{}
	}
	s.mu.Unlock()

	s.notify()
}

func (s *sessionState) subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// notify calls listeners outside the lock with a snapshot, so a listener
// may call back into the state without deadlocking.
func (s *sessionState) notify() {
	s.mu.RLock()
	snapshot := s.cur
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
