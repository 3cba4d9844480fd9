package session

// Store is the durable, instance-shared persistence layer for session
// records. All Manager instances of the same logical user share one
// Store (one in-process hub, or one file shared across processes).
// Implementations: filestore/ (JSON document on disk), memstore/
// (in-process hub for tests and single-process hosts).
//
// There are no transactional guarantees beyond last-write-wins; watchers
// must tolerate observing a state that has already changed again by the
// time they react.
type Store interface {
	// Read returns the persisted record, or nil if none exists.
	Read() (*Record, error)

	// Write replaces the persisted record wholesale.
	Write(*Record) error

	// Clear removes the persisted record. Transient notices and signals
	// are left in place so they can still be consumed afterwards.
	Clear() error

	// PostSignal publishes a logout signal to every other handle of the
	// same store. The signal is not delivered to the posting handle.
	PostSignal(*LogoutSignal) error

	// PostNotice records a transient "session ended" notice for the UI.
	PostNotice(*ExpiredNotice) error

	// TakeNotice returns the pending notice and clears it, or nil if
	// there is none. Consume-once: a second call returns nil.
	TakeNotice() (*ExpiredNotice, error)

	// Watch registers a callback fired when another handle changes the
	// store. The callback never fires for this handle's own writes.
	Watch(fn func(Event)) (cancel func(), err error)
}

// Event describes a store change observed by a non-writing handle.
// Exactly one of Record, Signal or Cleared is meaningful per event.
type Event struct {
	// Record is the new persisted record after a Write.
	Record *Record

	// Signal is a logout signal posted by another handle.
	Signal *LogoutSignal

	// Cleared is true when another handle cleared the record.
	Cleared bool
}
