package kafka

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds an unconfigured driver.
type Factory func() Adapter

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register is called from each driver's init(). A second registration under
// the same name replaces the first.
func Register(name string, f Factory) {
	regMu.Lock()
	registry[name] = f
	regMu.Unlock()
}

// NewAdapter returns a fresh driver by name ("sarama").
func NewAdapter(name string) (Adapter, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kafka: unsupported driver %q (registered: %s)", name, strings.Join(Drivers(), ", "))
	}
	return f(), nil
}

// Drivers lists registered driver names in order.
func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
