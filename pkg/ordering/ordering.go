// Package ordering holds the position bookkeeping for ordered sibling collections: menus of an
// establishment, sections of a menu and products of a section.
package ordering

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateID      = errors.New("duplicate id in collection")
	ErrPositionMismatch = errors.New("positions are not contiguous from zero")
)

// Item is one element of an ordered collection. ID is stable across reorders, only Position changes.
type Item[ID comparable, T any] struct {
	ID       ID
	Position int
	Payload  T
}

// Pair is the wire shape of a single position assignment. The backend names the position "orden".
type Pair[ID comparable] struct {
	ID       ID  `json:"id"`
	Position int `json:"orden"`
}

// Reorder moves the element at from to to, shifting everything in between by one, and returns a new
// slice where every element has Position equal to its index. The input is never modified.
// When from == to, or the collection is empty, the input is returned as-is. Indices outside
// [0, len(items)) panic: the only callers are gesture adapters which only ever report indices they
// rendered.
func Reorder[ID comparable, T any](items []Item[ID, T], from, to int) []Item[ID, T] {
	if len(items) == 0 {
		return items
	}
	if from < 0 || from >= len(items) || to < 0 || to >= len(items) {
		panic(fmt.Sprintf("ordering: move %d -> %d out of range for %d items", from, to, len(items)))
	}
	if from == to {
		return items
	}

	out := make([]Item[ID, T], 0, len(items))
	moved := items[from]
	for i, it := range items {
		if i == from {
			continue
		}
		if len(out) == to {
			out = append(out, moved)
		}
		out = append(out, it)
	}
	if len(out) == to {
		out = append(out, moved)
	}
	return Reindex(out)
}

// Reindex assigns Position = index in place and returns the same slice.
func Reindex[ID comparable, T any](items []Item[ID, T]) []Item[ID, T] {
	for i := range items {
		items[i].Position = i
	}
	return items
}

// Pairs builds the full-partition payload for a synchronization call, in sequence order.
func Pairs[ID comparable, T any](items []Item[ID, T]) []Pair[ID] {
	out := make([]Pair[ID], len(items))
	for i, it := range items {
		out[i] = Pair[ID]{ID: it.ID, Position: it.Position}
	}
	return out
}

// Validate checks that ids are unique and that positions are exactly {0..n-1}, each once.
func Validate[ID comparable, T any](items []Item[ID, T]) error {
	pairs := Pairs(items)
	return ValidatePairs(pairs)
}

func ValidatePairs[ID comparable](pairs []Pair[ID]) error {
	seenIDs := make(map[ID]struct{}, len(pairs))
	seenPos := make([]bool, len(pairs))
	for _, p := range pairs {
		if _, ok := seenIDs[p.ID]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicateID, p.ID)
		}
		seenIDs[p.ID] = struct{}{}
		if p.Position < 0 || p.Position >= len(pairs) || seenPos[p.Position] {
			return fmt.Errorf("%w: position %d for %v", ErrPositionMismatch, p.Position, p.ID)
		}
		seenPos[p.Position] = true
	}
	return nil
}

// Normalize sorts by ascending position, keeping arrival order for ties, and re-densifies the
// positions. It returns true when any position had to change.
func Normalize[ID comparable, T any](items []Item[ID, T]) ([]Item[ID, T], bool) {
	out := make([]Item[ID, T], len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	changed := false
	for i := range out {
		if out[i].Position != i {
			changed = true
			out[i].Position = i
		}
	}
	return out, changed
}

// Remove drops the element with the given id and compacts the remaining positions. The second
// return value is false when the id is not present.
func Remove[ID comparable, T any](items []Item[ID, T], id ID) ([]Item[ID, T], bool) {
	out := make([]Item[ID, T], 0, len(items))
	found := false
	for _, it := range items {
		if it.ID == id {
			found = true
			continue
		}
		out = append(out, it)
	}
	if !found {
		return items, false
	}
	return Reindex(out), true
}

// IndexOf returns the index of the element with the given id, or -1.
func IndexOf[ID comparable, T any](items []Item[ID, T], id ID) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// IDs lists the ids in sequence order.
func IDs[ID comparable, T any](items []Item[ID, T]) []ID {
	out := make([]ID, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
