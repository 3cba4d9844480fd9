// Package memstore provides an in-process session.Store hub.
//
// A Hub models the shared persistence layer; each Hub.Open call returns
// an independent handle, standing in for one application instance. A
// write through one handle notifies every other handle of the same hub,
// never the writer itself. Use it in tests and in single-process hosts
// that run several session managers side by side.
package memstore

import (
	"sync"

	session "github.com/chimerakang/session-go"
)

// Hub is the shared state behind all handles.
type Hub struct {
	mu      sync.Mutex
	rec     *session.Record
	notice  *session.ExpiredNotice
	handles map[int]*Store
	nextID  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{handles: make(map[int]*Store)}
}

// Open returns a new handle onto the hub.
func (h *Hub) Open() *Store {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Store{
		hub:      h,
		id:       h.nextID,
		watchers: make(map[int]func(session.Event)),
	}
	h.handles[s.id] = s
	h.nextID++
	return s
}

// broadcast delivers ev to every handle except the writer. Callbacks run
// after the hub lock is released, so a watcher may call back into the
// store.
func (h *Hub) broadcast(from int, ev session.Event) {
	h.mu.Lock()
	var fns []func(session.Event)
	for id, handle := range h.handles {
		if id == from {
			continue
		}
		fns = append(fns, handle.watcherFns()...)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Store is one handle onto a Hub.
type Store struct {
	hub *Hub
	id  int

	mu       sync.Mutex
	watchers map[int]func(session.Event)
	nextW    int
}

var _ session.Store = (*Store)(nil)

// Read returns a copy of the persisted record, or nil.
func (s *Store) Read() (*session.Record, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return cloneRecord(s.hub.rec), nil
}

// Write replaces the record and notifies the other handles.
func (s *Store) Write(rec *session.Record) error {
	s.hub.mu.Lock()
	s.hub.rec = cloneRecord(rec)
	s.hub.mu.Unlock()

	s.hub.broadcast(s.id, session.Event{Record: cloneRecord(rec)})
	return nil
}

// Clear removes the record; notices and pending signals are untouched.
func (s *Store) Clear() error {
	s.hub.mu.Lock()
	s.hub.rec = nil
	s.hub.mu.Unlock()

	s.hub.broadcast(s.id, session.Event{Cleared: true})
	return nil
}

// PostSignal delivers the logout signal to every other handle.
func (s *Store) PostSignal(sig *session.LogoutSignal) error {
	cp := *sig
	s.hub.broadcast(s.id, session.Event{Signal: &cp})
	return nil
}

// PostNotice records the transient notice, replacing any pending one.
func (s *Store) PostNotice(n *session.ExpiredNotice) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	cp := *n
	s.hub.notice = &cp
	return nil
}

// TakeNotice returns and clears the pending notice; nil when none.
func (s *Store) TakeNotice() (*session.ExpiredNotice, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	n := s.hub.notice
	s.hub.notice = nil
	return n, nil
}

// Watch registers a change callback for writes made through other handles.
func (s *Store) Watch(fn func(session.Event)) (func(), error) {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}, nil
}

// Close detaches the handle from the hub.
func (s *Store) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.handles, s.id)
	s.hub.mu.Unlock()
	return nil
}

func (s *Store) watcherFns() []func(session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fns := make([]func(session.Event), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	return fns
}

func cloneRecord(rec *session.Record) *session.Record {
	if rec == nil {
		return nil
	}
	cp := session.Record{}
	if rec.Tokens != nil {
		t := *rec.Tokens
		cp.Tokens = &t
	}
	if rec.User != nil {
		u := *rec.User
		cp.User = &u
	}
	return &cp
}
