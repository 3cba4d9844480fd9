// Package filestore persists the session record as a single JSON
// document on disk, shared by every process of the same user.
//
// The document carries a revision counter; a background poller compares
// revisions and fires watch callbacks for changes made by other
// processes. A handle never observes its own writes, matching the
// session.Store contract. Writes are last-write-wins, whole-document.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	session "github.com/chimerakang/session-go"
)

// DefaultPollInterval is how often the watcher re-reads the document.
const DefaultPollInterval = 500 * time.Millisecond

// document is the on-disk layout. Revision increments on every save;
// SignalSeq increments on every posted signal so watchers can tell a
// new signal from a re-read of the last one.
type document struct {
	Revision  int64                  `json:"revision"`
	Record    *session.Record        `json:"record,omitempty"`
	Notice    *session.ExpiredNotice `json:"notice,omitempty"`
	Signal    *session.LogoutSignal  `json:"signal,omitempty"`
	SignalSeq int64                  `json:"signal_seq,omitempty"`
}

// Store implements session.Store over one JSON file.
type Store struct {
	path         string
	pollInterval time.Duration

	mu            sync.Mutex
	watchers      map[int]func(session.Event)
	nextW         int
	lastRev       int64
	lastSignalSeq int64
	lastRecJSON   string

	pollOnce sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

var _ session.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPollInterval sets the watcher poll period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// New creates a Store over the document at path. The file is created on
// first write; a pre-existing document is left as is and will be picked
// up by Read.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:         path,
		pollInterval: DefaultPollInterval,
		watchers:     make(map[int]func(session.Event)),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	// Baseline against existing content so the first poll does not
	// replay history as change events.
	if doc, err := s.load(); err == nil {
		s.lastRev = doc.Revision
		s.lastSignalSeq = doc.SignalSeq
		s.lastRecJSON = marshalRecord(doc.Record)
	}
	return s
}

// Read returns the persisted record, or nil.
func (s *Store) Read() (*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Record, nil
}

// Write replaces the record wholesale.
func (s *Store) Write(rec *session.Record) error {
	return s.update(func(doc *document) {
		doc.Record = rec
	})
}

// Clear removes the record; notice and signal survive for consumption.
func (s *Store) Clear() error {
	return s.update(func(doc *document) {
		doc.Record = nil
	})
}

// PostSignal publishes a logout signal for other processes.
func (s *Store) PostSignal(sig *session.LogoutSignal) error {
	return s.update(func(doc *document) {
		cp := *sig
		doc.Signal = &cp
		doc.SignalSeq++
	})
}

// PostNotice records the transient "session ended" notice.
func (s *Store) PostNotice(n *session.ExpiredNotice) error {
	return s.update(func(doc *document) {
		cp := *n
		doc.Notice = &cp
	})
}

// TakeNotice returns and clears the pending notice; nil when none.
func (s *Store) TakeNotice() (*session.ExpiredNotice, error) {
	var taken *session.ExpiredNotice
	err := s.update(func(doc *document) {
		taken = doc.Notice
		doc.Notice = nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// Watch registers a callback for changes made by other handles. The
// poller starts on the first registration.
func (s *Store) Watch(fn func(session.Event)) (func(), error) {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = fn
	s.mu.Unlock()

	s.pollOnce.Do(func() { go s.poll() })

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}, nil
}

// Close stops the watcher goroutine. The document stays on disk.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

// update applies fn to the document under the lock and saves it with a
// bumped revision. The handle's own baseline advances with the write, so
// the poller never reports it.
func (s *Store) update(fn func(*document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	fn(doc)
	doc.Revision++

	if err := s.save(doc); err != nil {
		return err
	}
	s.lastRev = doc.Revision
	s.lastSignalSeq = doc.SignalSeq
	s.lastRecJSON = marshalRecord(doc.Record)
	return nil
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &document{}, nil
		}
		return nil, fmt.Errorf("filestore: read %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt document is unrecoverable state, not an error the
		// session layer can act on; start over empty.
		return &document{}, nil
	}
	return &doc, nil
}

// save writes via a temp file and rename so concurrent readers never see
// a half-written document.
func (s *Store) save(doc *document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("filestore: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filestore: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}

// poll diffs the on-disk revision against the handle's baseline and
// fires events for foreign changes.
func (s *Store) poll() {
	t := time.NewTicker(s.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.pollOnceNow()
		}
	}
}

func (s *Store) pollOnceNow() {
	s.mu.Lock()
	doc, err := s.load()
	if err != nil || doc.Revision == s.lastRev {
		s.mu.Unlock()
		return
	}

	var events []session.Event

	if doc.SignalSeq > s.lastSignalSeq && doc.Signal != nil {
		cp := *doc.Signal
		events = append(events, session.Event{Signal: &cp})
	}

	recJSON := marshalRecord(doc.Record)
	if recJSON != s.lastRecJSON {
		if doc.Record != nil {
			events = append(events, session.Event{Record: doc.Record})
		} else {
			events = append(events, session.Event{Cleared: true})
		}
	}

	s.lastRev = doc.Revision
	s.lastSignalSeq = doc.SignalSeq
	s.lastRecJSON = recJSON

	fns := make([]func(session.Event), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		for _, ev := range events {
			fn(ev)
		}
	}
}

func marshalRecord(rec *session.Record) string {
	if rec == nil {
		return ""
	}
	data, _ := json.Marshal(rec)
	return string(data)
}
