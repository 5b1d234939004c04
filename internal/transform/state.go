package transform

import (
	"fmt"
	"sync"

	"scriptflow/internal/scripterr"
)

// State is a stage's lifecycle position: Unopened, Open or Closed.
type State int

const (
	Unopened State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func allowed(from, to State) bool {
	switch from {
	case Unopened:
		return to == Open || to == Closed
	case Open:
		return to == Closed
	}
	return false
}

type lifecycle struct {
	mu    sync.Mutex
	stage string
	cur   State
}

func newLifecycle(stage string) *lifecycle { return &lifecycle{stage: stage} }

func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// transition moves from -> to, failing if the current state is not from or
// the move is not allowed.
func (l *lifecycle) transition(from, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur != from {
		return fmt.Errorf("stage %s: expected %s, got %s", l.stage, from, l.cur)
	}
	if !allowed(from, to) {
		return fmt.Errorf("stage %s: disallowed transition %s -> %s", l.stage, from, to)
	}
	l.cur = to
	return nil
}

func (l *lifecycle) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.cur {
	case Open:
		return nil
	case Closed:
		return &scripterr.Error{Kind: scripterr.ErrClosed, Stage: l.stage}
	}
	l.cur = Open
	return nil
}

// close reports whether this call performed the transition.
func (l *lifecycle) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == Closed {
		return false
	}
	l.cur = Closed
	return true
}

func (l *lifecycle) check() error {
	switch l.get() {
	case Unopened:
		return &scripterr.Error{Kind: scripterr.ErrNotOpen, Stage: l.stage}
	case Closed:
		return &scripterr.Error{Kind: scripterr.ErrClosed, Stage: l.stage}
	}
	return nil
}
