package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"scriptflow/internal/frame"
	"scriptflow/internal/logging"
	"scriptflow/internal/schema"
	"scriptflow/internal/scripterr"
	"scriptflow/internal/transform"
	"scriptflow/sink"
	"scriptflow/source/kafka"
)

// StageFactory builds a fresh, unopened stage instance. The runner calls it
// once per stage per source partition.
type StageFactory func() (transform.Client, error)

// Policy is the invocation policy applied around every Transform call.
type Policy struct {
	Timeout time.Duration
	// Attempts counts retries after the first call. Only retryable errors
	// are retried.
	Attempts    int
	Backoff     time.Duration
	SkipOnError bool
}

type stage struct {
	name   string
	output schema.Schema
	newFn  StageFactory
	policy Policy
}

// chain is the set of stage instances owned by one source partition.
type chain struct {
	key     frame.PartitionKey
	clients []transform.Client
}

func (c *chain) close() error {
	var errs []error
	for _, cl := range c.clients {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Runner struct {
	source kafka.Adapter
	sinks  []sink.Adapter

	input       schema.Schema
	table       string
	skipInvalid bool
	stages      []stage
	onSkip      func(stage string)

	mu   sync.Mutex
	subs []func(frame.Ack)

	cmu    sync.Mutex
	chains map[frame.PartitionKey]*chain
	closed bool
}

func NewRunner() *Runner {
	return &Runner{chains: map[frame.PartitionKey]*chain{}}
}

func (r *Runner) AddSink(s sink.Adapter)    { r.sinks = append(r.sinks, s) }
func (r *Runner) SetSource(s kafka.Adapter) { r.source = s }

// SetInput declares the schema frames are decoded against. Rows without a
// table id get table.
func (r *Runner) SetInput(s schema.Schema, table string, skipInvalid bool) {
	r.input, r.table, r.skipInvalid = s, table, skipInvalid
}

// AddStage appends a stage to the chain. output is the schema the stage
// produces and the next stage consumes.
func (r *Runner) AddStage(name string, output schema.Schema, newFn StageFactory, p Policy) {
	r.stages = append(r.stages, stage{name: name, output: output, newFn: newFn, policy: p})
}

// OnSkip registers a hook called for every frame dropped by a skip policy.
func (r *Runner) OnSkip(fn func(stage string)) { r.onSkip = fn }

// Output is the schema rows are encoded with before reaching the sinks.
func (r *Runner) Output() schema.Schema {
	if n := len(r.stages); n > 0 {
		return r.stages[n-1].output
	}
	return r.input
}

func (r *Runner) SubscribeAck(fn func(frame.Ack)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

func (r *Runner) Ack(cp frame.Checkpoint) {
	ack := frame.Ack{Checkpoint: cp}

	r.mu.Lock()
	handlers := append([]func(frame.Ack){}, r.subs...)
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(ack)
	}
}

/*──────── frame routing ───────*/
func (r *Runner) pushFrame(ctx context.Context, f *frame.Frame) error {
	row, err := frame.DecodeRow(f.Value, r.input, r.table)
	if err != nil {
		if r.skipInvalid {
			return r.skip(f, "input", err)
		}
		return fmt.Errorf("decode %s: %w", f.Checkpoint, err)
	}

	if len(r.stages) > 0 {
		ch, err := r.chain(ctx, f.Checkpoint.PartitionKey())
		if err != nil {
			return err
		}
		for i, st := range r.stages {
			out, err := invoke(ctx, st, ch.clients[i], row)
			if err != nil {
				if st.policy.SkipOnError {
					return r.skip(f, st.name, err)
				}
				return fmt.Errorf("%s: %w", f.Checkpoint, err)
			}
			row = out
		}
	}

	val, err := frame.EncodeRow(row, r.Output())
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Checkpoint, err)
	}
	f.Value, f.Row = val, row

	for _, s := range r.sinks {
		if err := s.Push(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) skip(f *frame.Frame, stage string, err error) error {
	logging.L().Warn("row skipped", "stage", stage, "checkpoint", f.Checkpoint.String(),
		"kind", scripterr.KindOf(err), "err", err)
	if r.onSkip != nil {
		r.onSkip(stage)
	}
	r.Ack(f.Checkpoint)
	return nil
}

// invoke calls one stage under its timeout, retrying retryable failures.
func invoke(ctx context.Context, st stage, c transform.Client, row *schema.Row) (*schema.Row, error) {
	for attempt := 0; ; attempt++ {
		out, err := call(ctx, st.policy.Timeout, c, row)
		if err == nil || attempt >= st.policy.Attempts || !scripterr.Retryable(err) {
			return out, err
		}
		logging.L().Debug("retrying row", "stage", st.name, "attempt", attempt+1, "err", err)
		if st.policy.Backoff > 0 {
			t := time.NewTimer(st.policy.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
}

func call(ctx context.Context, timeout time.Duration, c transform.Client, row *schema.Row) (*schema.Row, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.Transform(ctx, row)
}

// chain returns the stage instances for key, opening them on first use.
// Each partition is consumed by one goroutine, so a chain is never built
// twice for the same key.
func (r *Runner) chain(ctx context.Context, key frame.PartitionKey) (*chain, error) {
	r.cmu.Lock()
	ch, ok := r.chains[key]
	closed := r.closed
	r.cmu.Unlock()
	if ok {
		return ch, nil
	}
	if closed {
		return nil, errors.New("runner closed")
	}

	ch = &chain{key: key}
	for _, st := range r.stages {
		c, err := st.newFn()
		if err != nil {
			ch.close()
			return nil, fmt.Errorf("stage %s: %w", st.name, err)
		}
		ch.clients = append(ch.clients, c)
		if err := c.Open(ctx); err != nil {
			ch.close()
			return nil, fmt.Errorf("open stage %s for %s: %w", st.name, key, err)
		}
	}

	r.cmu.Lock()
	if r.closed {
		r.cmu.Unlock()
		ch.close()
		return nil, errors.New("runner closed")
	}
	r.chains[key] = ch
	r.cmu.Unlock()
	logging.L().Info("stage chain opened", "partition", key.String(), "stages", len(ch.clients))
	return ch, nil
}

// release closes the chain of a partition the source stopped consuming.
func (r *Runner) release(key frame.PartitionKey) {
	r.cmu.Lock()
	ch, ok := r.chains[key]
	delete(r.chains, key)
	r.cmu.Unlock()
	if !ok {
		return
	}
	if err := ch.close(); err != nil {
		logging.L().Warn("closing stage chain", "partition", key.String(), "err", err)
	}
	logging.L().Info("stage chain released", "partition", key.String())
}

// Run consumes the source until ctx is cancelled or the source fails.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil {
		return errors.New("runner: no source configured")
	}
	return r.source.Run(ctx, func(f *frame.Frame) error { return r.pushFrame(ctx, f) })
}

// Close stops the source, closes every stage chain and then the sinks.
// It is safe to call more than once.
func (r *Runner) Close() error {
	r.cmu.Lock()
	if r.closed {
		r.cmu.Unlock()
		return nil
	}
	r.closed = true
	chains := r.chains
	r.chains = map[frame.PartitionKey]*chain{}
	r.cmu.Unlock()

	var errs []error
	if r.source != nil {
		errs = append(errs, r.source.Close())
	}
	for _, ch := range chains {
		errs = append(errs, ch.close())
	}
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// StageStatus is what the ops endpoint reports per stage.
type StageStatus struct {
	Name      string `json:"name"`
	Output    string `json:"output"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Attempts  int    `json:"retry_attempts,omitempty"`
	OnError   string `json:"on_error"`
}

type Status struct {
	Input      string        `json:"input"`
	Stages     []StageStatus `json:"stages"`
	Partitions []string      `json:"partitions"`
}

func (r *Runner) Status() Status {
	st := Status{Input: r.input.String(), Stages: []StageStatus{}, Partitions: []string{}}
	for _, s := range r.stages {
		onErr := "fail"
		if s.policy.SkipOnError {
			onErr = "skip"
		}
		st.Stages = append(st.Stages, StageStatus{
			Name:      s.name,
			Output:    s.output.String(),
			TimeoutMS: s.policy.Timeout.Milliseconds(),
			Attempts:  s.policy.Attempts,
			OnError:   onErr,
		})
	}
	r.cmu.Lock()
	for k := range r.chains {
		st.Partitions = append(st.Partitions, k.String())
	}
	r.cmu.Unlock()
	sort.Strings(st.Partitions)
	return st
}
