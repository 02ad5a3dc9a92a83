package gesture

// Keyboard drives the same Reorderer from discrete controls: pick up, move the ghost, drop.
// Length reports the current number of items so the ghost never leaves the list.
type Keyboard struct {
	target Reorderer
	length func() int

	state  State
	origin int
	cursor int
}

func NewKeyboard(target Reorderer, length func() int) *Keyboard {
	return &Keyboard{target: target, length: length}
}

func (k *Keyboard) State() State { return k.state }

func (k *Keyboard) Cursor() int { return k.cursor }

// Origin is the picked index, -1 when nothing is held.
func (k *Keyboard) Origin() int {
	if k.state != Dragging {
		return -1
	}
	return k.origin
}

// Focus moves the cursor without holding anything.
func (k *Keyboard) Focus(index int) {
	k.cursor = k.clamp(index)
}

func (k *Keyboard) Pick() {
	if k.state != Idle || k.length() == 0 {
		return
	}
	k.cursor = k.clamp(k.cursor)
	k.origin = k.cursor
	k.state = Dragging
}

func (k *Keyboard) Up() { k.cursor = k.clamp(k.cursor - 1) }

func (k *Keyboard) Down() { k.cursor = k.clamp(k.cursor + 1) }

func (k *Keyboard) Drop() Outcome {
	if k.state != Dragging {
		return None
	}
	k.state = Idle
	if k.cursor == k.origin {
		return NoOp
	}
	// the list was reloaded while the item was held
	if n := k.length(); k.origin >= n || k.cursor >= n {
		k.cursor = k.clamp(k.cursor)
		return Cancelled
	}
	k.state = Reordering
	k.target.OnReorder(k.origin, k.cursor)
	k.state = Idle
	return Reordered
}

func (k *Keyboard) Cancel() Outcome {
	if k.state != Dragging {
		return None
	}
	k.state = Idle
	k.cursor = k.origin
	return Cancelled
}

// MoveUp swaps the focused element with its predecessor in one step.
func (k *Keyboard) MoveUp() Outcome {
	return k.step(-1)
}

func (k *Keyboard) MoveDown() Outcome {
	return k.step(1)
}

func (k *Keyboard) step(delta int) Outcome {
	if k.state != Idle || k.length() == 0 {
		return None
	}
	from := k.clamp(k.cursor)
	to := k.clamp(from + delta)
	k.cursor = to
	if from == to {
		return NoOp
	}
	k.target.OnReorder(from, to)
	return Reordered
}

func (k *Keyboard) clamp(i int) int {
	n := k.length()
	if i < 0 || n == 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
