// Package gesture turns pointer and keyboard input into single reorder events.
package gesture

import "math"

// Reorderer receives at most one event per completed gesture.
type Reorderer interface {
	OnReorder(from, to int)
}

type ReorderFunc func(from, to int)

func (f ReorderFunc) OnReorder(from, to int) { f(from, to) }

type State int

const (
	Idle State = iota
	// Pressed is a pointer down that has not yet travelled past the threshold; it may still be a click.
	Pressed
	Dragging
	// Reordering is only observable from inside OnReorder.
	Reordering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pressed:
		return "pressed"
	case Dragging:
		return "dragging"
	case Reordering:
		return "reordering"
	}
	return "unknown"
}

// Outcome describes how a gesture ended.
type Outcome int

const (
	None Outcome = iota
	// Click is a press released before the threshold was crossed.
	Click
	// Cancelled covers drops outside any target and explicit cancellation.
	Cancelled
	// NoOp is a drop on the origin slot.
	NoOp
	Reordered
)

// DefaultThreshold sits inside the 5-8 unit range that separates a drag from a click.
const DefaultThreshold = 5

type Point struct {
	X, Y float64
}

func (p Point) dist(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Tracker is the pointer state machine for one list. It is not safe for concurrent use; feed it
// from the UI event loop.
type Tracker struct {
	threshold float64
	target    Reorderer
	length    func() int

	state  State
	origin int
	start  Point
	over   int
}

// NewTracker builds a pointer adapter. Length reports the current number of items; the list may
// shrink under a running gesture when it is reloaded.
func NewTracker(threshold float64, target Reorderer, length func() int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold, target: target, length: length, over: -1}
}

func (t *Tracker) State() State { return t.state }

// Origin is the index picked up by the current gesture, -1 when idle.
func (t *Tracker) Origin() int {
	if t.state == Idle {
		return -1
	}
	return t.origin
}

// Over is the current drop target while dragging, -1 when outside the list.
func (t *Tracker) Over() int { return t.over }

// Down starts a gesture on the element at index. It is ignored while another gesture is running.
func (t *Tracker) Down(index int, at Point) {
	if t.state != Idle {
		return
	}
	t.state = Pressed
	t.origin = index
	t.start = at
	t.over = index
}

// Move reports pointer travel. It returns true on the move that activates the drag.
func (t *Tracker) Move(at Point) bool {
	if t.state != Pressed {
		return false
	}
	if t.start.dist(at) < t.threshold {
		return false
	}
	t.state = Dragging
	return true
}

// Hover sets the slot under the pointer, -1 for outside any valid target.
func (t *Tracker) Hover(index int) {
	if t.state == Dragging || t.state == Pressed {
		t.over = index
	}
}

// Up ends the gesture and emits the reorder for a valid, effective drop.
func (t *Tracker) Up() Outcome {
	defer t.reset()
	switch t.state {
	case Pressed:
		return Click
	case Dragging:
		if t.over < 0 {
			return Cancelled
		}
		if t.over == t.origin {
			return NoOp
		}
		if n := t.length(); t.origin >= n || t.over >= n {
			return Cancelled
		}
		t.state = Reordering
		t.target.OnReorder(t.origin, t.over)
		return Reordered
	}
	return None
}

func (t *Tracker) Cancel() Outcome {
	if t.state == Idle {
		return None
	}
	t.reset()
	return Cancelled
}

func (t *Tracker) reset() {
	t.state = Idle
	t.origin = 0
	t.over = -1
}
