// Package stdout prints transformed rows and acknowledges them, either one
// by one or in batches bounded by size and time.
package stdout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"scriptflow/internal/frame"
	"scriptflow/sink"
)

type Config struct {
	DelayMS       int  `yaml:"delay_ms"`        // artificial per-frame delay
	PrintCounter  bool `yaml:"print_counter"`   // prefix lines with seq# and checkpoint
	PrintRow      bool `yaml:"print_row"`       // print the row envelope
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = unlimited
	BatchSize     int  `yaml:"ack_batch_size"`  // ack after this many frames
	FlushMS       int  `yaml:"ack_flush_ms"`    // ack pending frames after this long
	// Out defaults to os.Stdout.
	Out io.Writer `yaml:"-"`
}

type driver struct {
	cfg Config
	ack sink.EmitFn
	seq atomic.Uint64

	outMu sync.Mutex
	out   *bufio.Writer

	mu      sync.Mutex // guards pending and timer
	pending []frame.Checkpoint
	timer   *time.Timer
}

func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout sink: want stdout.Config, got %T", raw)
	}
	if c.BatchSize < 0 || c.FlushMS < 0 || c.ValueMaxBytes < 0 || c.DelayMS < 0 {
		return errors.New("stdout sink: settings must not be negative")
	}
	w := c.Out
	if w == nil {
		w = os.Stdout
	}
	d.cfg, d.out = c, bufio.NewWriter(w)
	return nil
}

func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

func (d *driver) batching() bool { return d.cfg.BatchSize > 1 || d.cfg.FlushMS > 0 }

func (d *driver) Push(f *frame.Frame) error {
	if d.cfg.DelayMS > 0 {
		time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
	}
	if err := d.print(f); err != nil {
		return fmt.Errorf("stdout sink: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, f.Checkpoint)
	switch {
	case !d.batching(), d.cfg.BatchSize > 0 && len(d.pending) >= d.cfg.BatchSize:
		d.flushLocked()
	case d.cfg.FlushMS > 0 && d.timer == nil:
		d.timer = time.AfterFunc(time.Duration(d.cfg.FlushMS)*time.Millisecond, func() {
			d.mu.Lock()
			d.flushLocked()
			d.mu.Unlock()
		})
	}
	return nil
}

func (d *driver) print(f *frame.Frame) error {
	if !d.cfg.PrintCounter && !d.cfg.PrintRow {
		return nil
	}
	d.outMu.Lock()
	defer d.outMu.Unlock()
	if d.cfg.PrintCounter {
		fmt.Fprintf(d.out, "[sink %06d] %s ", d.seq.Add(1), f.Checkpoint)
	}
	if d.cfg.PrintRow {
		d.out.Write(clip(f.Value, d.cfg.ValueMaxBytes))
	}
	d.out.WriteByte('\n')
	return d.out.Flush()
}

func clip(v []byte, limit int) []byte {
	if limit <= 0 || len(v) <= limit {
		return v
	}
	return append(v[:limit:limit], "..."...)
}

// flushLocked acks everything pending. d.mu must be held.
func (d *driver) flushLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.ack != nil {
		for _, cp := range d.pending {
			d.ack(cp)
		}
	}
	d.pending = d.pending[:0]
}

func (d *driver) Close() error {
	d.mu.Lock()
	d.flushLocked()
	d.mu.Unlock()
	return nil
}
