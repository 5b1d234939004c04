package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/sync/semaphore"

	"scriptflow/internal/frame"
	"scriptflow/internal/logging"
)

type SaramaDriver struct {
	cfg   Config
	mode  CommitMode
	cl    sarama.Client
	group sarama.ConsumerGroup

	// window bounds frames emitted but not yet marked.
	window       *semaphore.Weighted
	lastCommitNS atomic.Int64

	mu        sync.Mutex
	pending   map[frame.Checkpoint]func()
	releaseFn []func(frame.PartitionKey)
}

func init() { Register("sarama", func() Adapter { return &SaramaDriver{} }) }

func (d *SaramaDriver) Configure(config Config) error {
	d.init(config)

	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func (d *SaramaDriver) init(config Config) {
	d.cfg, d.mode = config, config.CommitMode
	d.pending = make(map[frame.Checkpoint]func())
	d.window = semaphore.NewWeighted(config.BackPressure.Capacity)
	d.lastCommitNS.Store(time.Now().UnixNano())
}

func (d *SaramaDriver) Run(ctx context.Context, emit EmitFunc) error {
	handler := &groupHandler{driver: d, emit: emit}

	go func() {
		for err := range d.group.Errors() {
			logging.L().Warn("sarama-driver: consumer error", "err", err)
		}
	}()
	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *SaramaDriver) Close() error {
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	if d.cl != nil && !d.cl.Closed() {
		errs = append(errs, d.cl.Close())
	}
	return errors.Join(errs...)
}

// OnAck marks the acknowledged frame's offset (e2e mode).
func (d *SaramaDriver) OnAck(ack frame.Ack) {
	d.mu.Lock()
	mark, ok := d.pending[ack.Checkpoint]
	if ok {
		delete(d.pending, ack.Checkpoint)
	}
	d.mu.Unlock()
	if !ok {
		logging.L().Debug("sarama-driver: ack for unknown frame", "checkpoint", ack.Checkpoint.String())
		return
	}
	mark()
}

func (d *SaramaDriver) OnRelease(fn func(frame.PartitionKey)) {
	d.mu.Lock()
	d.releaseFn = append(d.releaseFn, fn)
	d.mu.Unlock()
}

func (d *SaramaDriver) released(key frame.PartitionKey) {
	d.mu.Lock()
	fns := append([]func(frame.PartitionKey){}, d.releaseFn...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}

// commitDue reports whether the commit interval has elapsed, claiming the
// commit if so.
func (d *SaramaDriver) commitDue() bool {
	now := time.Now().UnixNano()
	last := d.lastCommitNS.Load()
	if now-last < d.cfg.Checkpoint.CommitInt.Nanoseconds() {
		return false
	}
	return d.lastCommitNS.CompareAndSwap(last, now)
}

type groupHandler struct {
	driver *SaramaDriver
	emit   EmitFunc
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup drops marks that can no longer be committed after a rebalance
// and frees their window slots.
func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.driver.mu.Lock()
	dropped := len(h.driver.pending)
	h.driver.pending = make(map[frame.Checkpoint]func())
	h.driver.mu.Unlock()

	if dropped > 0 {
		h.driver.window.Release(int64(dropped))
		logging.L().Info("sarama-driver: rebalance – cleared pending marks", "count", dropped)
	}
	sess.Commit()
	return nil
}

func (h *groupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	d := h.driver
	defer d.released(frame.PartitionKey{Topic: claim.Topic(), Partition: claim.Partition()})

	for {
		select {
		case <-sess.Context().Done():
			return nil

		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := d.window.Acquire(sess.Context(), 1); err != nil {
				return nil
			}

			cp := frame.Checkpoint{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}
			mark := func() {
				sess.MarkMessage(msg, "")
				if d.commitDue() {
					sess.Commit()
				}
				d.window.Release(1)
			}
			// registered before emit: sinks may ack synchronously
			if d.mode == CommitE2E {
				d.mu.Lock()
				d.pending[cp] = mark
				d.mu.Unlock()
			}

			f := &frame.Frame{Key: msg.Key, Value: msg.Value, Headers: toHeaderMap(msg.Headers), Ts: msg.Timestamp, Checkpoint: cp}
			if err := h.emit(f); err != nil {
				d.mu.Lock()
				_, stillPending := d.pending[cp]
				delete(d.pending, cp)
				d.mu.Unlock()
				if d.mode == CommitAuto || stillPending {
					d.window.Release(1)
				}
				return err
			}
			if d.mode == CommitAuto {
				mark()
			}
		}
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
