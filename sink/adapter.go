// Package sink defines where transformed frames go. Drivers live in
// subpackages and register themselves by name from init().
package sink

import (
	"fmt"
	"sync"

	"scriptflow/internal/frame"
)

// EmitFn reports a frame as durably handled so its source offset may be
// committed.
type EmitFn func(frame.Checkpoint)

type Adapter interface {
	// Configure takes the driver's own config struct.
	Configure(any) error
	// Push receives one frame whose Value is the re-encoded row envelope.
	Push(*frame.Frame) error
	Close() error
}

// AckAware sinks acknowledge frames themselves, possibly later than Push
// returns. Sinks without it never hold back commits.
type AckAware interface {
	BindAck(EmitFn)
}

var (
	mu      sync.RWMutex
	drivers = map[string]func() Adapter{}
)

func Register(name string, f func() Adapter) {
	mu.Lock()
	defer mu.Unlock()
	drivers[name] = f
}

func NewAdapter(name string) (Adapter, error) {
	mu.RLock()
	f, ok := drivers[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink %q", name)
	}
	return f(), nil
}
