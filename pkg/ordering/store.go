package ordering

import "sync"

// Store is the optimistic in-memory copy of exactly one partition. It never talks to the network;
// callers apply a reorder here first and persist it afterwards.
type Store[ID comparable, T any] struct {
	mu        sync.RWMutex
	partition Partition
	items     []Item[ID, T]
	revision  uint64
}

func NewStore[ID comparable, T any](partition Partition) *Store[ID, T] {
	return &Store[ID, T]{partition: partition}
}

func (s *Store[ID, T]) Partition() Partition {
	return s.partition
}

// Load replaces the whole collection with the server's order. The server order is trusted as-is.
func (s *Store[ID, T]) Load(items []Item[ID, T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = clone(items)
	s.revision++
}

// ApplyReorder runs the move against the current collection and swaps it in immediately. It returns
// the snapshot that was in place before the move (for Rollback), the new collection and the revision
// it produced. A no-op move returns changed == false and leaves the revision untouched.
func (s *Store[ID, T]) ApplyReorder(from, to int) (previous, current []Item[ID, T], revision uint64, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = clone(s.items)
	if from == to {
		return previous, previous, s.revision, false
	}
	s.items = Reorder(clone(s.items), from, to)
	s.revision++
	return previous, clone(s.items), s.revision, true
}

// CompareAndLoad loads items only when the revision is still the given one. It reports whether the
// load happened.
func (s *Store[ID, T]) CompareAndLoad(revision uint64, items []Item[ID, T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revision != revision {
		return false
	}
	s.items = clone(items)
	s.revision++
	return true
}

// Rollback restores a snapshot previously returned by ApplyReorder.
func (s *Store[ID, T]) Rollback(previous []Item[ID, T]) {
	s.Load(previous)
}

// Items returns a copy of the current collection.
func (s *Store[ID, T]) Items() []Item[ID, T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.items)
}

func (s *Store[ID, T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Revision increases on every Load and every effective reorder.
func (s *Store[ID, T]) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

func clone[ID comparable, T any](items []Item[ID, T]) []Item[ID, T] {
	if items == nil {
		return nil
	}
	out := make([]Item[ID, T], len(items))
	copy(out, items)
	return out
}
