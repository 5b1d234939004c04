package transform

import (
	"context"
	"fmt"
	"time"

	"scriptflow/internal/schema"
)

// Client is one stage instance. The runner owns one Client per stage per
// source partition and never shares it across goroutines except for Close.
type Client interface {
	Name() string
	Open(ctx context.Context) error
	Transform(ctx context.Context, row *schema.Row) (*schema.Row, error)
	// OutputSchema is valid before Open.
	OutputSchema() schema.Schema
	Close() error
}

// Observer receives stage events. Implementations must be safe for
// concurrent use; every partition reports to the same Observer.
type Observer interface {
	StageOpened(stage string)
	StageClosed(stage string)
	ProcessSpawned(stage string, pid int)
	ProcessReleased(stage string, pid int)
	RowTransformed(stage string, took time.Duration)
	RowFailed(stage, kind string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StageOpened(string)                   {}
func (NopObserver) StageClosed(string)                   {}
func (NopObserver) ProcessSpawned(string, int)           {}
func (NopObserver) ProcessReleased(string, int)          {}
func (NopObserver) RowTransformed(string, time.Duration) {}
func (NopObserver) RowFailed(string, string)             {}

// Func is a transform compiled into the engine.
type Func func(ctx context.Context, row *schema.Row) (*schema.Row, error)

// InProcessClient adapts a Func to the Client lifecycle.
type InProcessClient struct {
	name   string
	output schema.Schema
	fn     Func
	state  *lifecycle
}

func NewInProcessClient(name string, output schema.Schema, fn Func) *InProcessClient {
	return &InProcessClient{name: name, output: output, fn: fn, state: newLifecycle(name)}
}

func (c *InProcessClient) Name() string                { return c.name }
func (c *InProcessClient) OutputSchema() schema.Schema { return c.output }
func (c *InProcessClient) Open(context.Context) error  { return c.state.open() }
func (c *InProcessClient) Close() error                { c.state.close(); return nil }

func (c *InProcessClient) Transform(ctx context.Context, row *schema.Row) (*schema.Row, error) {
	if err := c.state.check(); err != nil {
		return nil, err
	}
	out, err := c.fn(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return out, nil
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) StageOpened(stage string) {
	for _, x := range o {
		x.StageOpened(stage)
	}
}

func (o Observers) StageClosed(stage string) {
	for _, x := range o {
		x.StageClosed(stage)
	}
}

func (o Observers) ProcessSpawned(stage string, pid int) {
	for _, x := range o {
		x.ProcessSpawned(stage, pid)
	}
}

func (o Observers) ProcessReleased(stage string, pid int) {
	for _, x := range o {
		x.ProcessReleased(stage, pid)
	}
}

func (o Observers) RowTransformed(stage string, took time.Duration) {
	for _, x := range o {
		x.RowTransformed(stage, took)
	}
}

func (o Observers) RowFailed(stage, kind string) {
	for _, x := range o {
		x.RowFailed(stage, kind)
	}
}
