package config

import (
	"sync"
	"sync/atomic"
)

// EventKind identifies a reload lifecycle event.
type EventKind string

const (
	EventReloading   EventKind = "reloading"
	EventReloaded    EventKind = "reloaded"
	EventReloadError EventKind = "reload-error"
)

// Event carries a reload notification to subscribers.
type Event struct {
	Kind EventKind
	// Snapshot is the newly published snapshot for EventReloaded, nil otherwise.
	Snapshot *Snapshot
	// Err is set for EventReloadError.
	Err error
}

// Store holds the current validated configuration snapshot and serves atomic
// reads. Validation failures never replace the current snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[EventKind][]chan Event
}

// NewStore creates a store publishing the given initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{subs: make(map[EventKind][]chan Event)}
	s.current.Store(initial)
	return s
}

// Current returns the most recently published snapshot. It never returns a
// partially constructed value.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Subscribe returns a channel receiving events of the given kind. The channel
// is buffered; slow consumers drop events rather than blocking publication.
func (s *Store) Subscribe(kind EventKind) <-chan Event {
	ch := make(chan Event, 8)
	s.mu.Lock()
	s.subs[kind] = append(s.subs[kind], ch)
	s.mu.Unlock()
	return ch
}

// Publish atomically swaps in a new snapshot and emits EventReloaded.
// In-flight requests continue against whichever snapshot they captured.
func (s *Store) Publish(snap *Snapshot) {
	s.current.Store(snap)
	s.emit(Event{Kind: EventReloaded, Snapshot: snap})
}

// NotifyReloading emits EventReloading.
func (s *Store) NotifyReloading() {
	s.emit(Event{Kind: EventReloading})
}

// NotifyError emits EventReloadError; the current snapshot is left intact.
func (s *Store) NotifyError(err error) {
	s.emit(Event{Kind: EventReloadError, Err: err})
}

func (s *Store) emit(ev Event) {
	s.mu.Lock()
	subs := s.subs[ev.Kind]
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
