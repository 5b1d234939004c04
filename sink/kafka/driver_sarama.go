package kafka

import (
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"scriptflow/internal/frame"
	"scriptflow/internal/logging"
	"scriptflow/sink"
)

type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Acks    int16    `yaml:"required_acks"` // 0,1,-1
	Version string   `yaml:"version"`
}

type driver struct {
	cfg Config
	p   sarama.AsyncProducer
	ack sink.EmitFn

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newProducer is swapped in tests.
var newProducer = func(brokers []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
	return sarama.NewAsyncProducer(brokers, sc)
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return fmt.Errorf("kafka-sink: brokers and topic are required")
	}
	d.cfg = cfg

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return err
		}
		sc.Version = ver
	}
	p, err := newProducer(cfg.Brokers, sc)
	if err != nil {
		return err
	}
	d.p = p
	d.wg.Add(2)
	go d.drainSuccesses()
	go d.drainErrors()
	return nil
}

func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

func (d *driver) Push(f *frame.Frame) error {
	msg := &sarama.ProducerMessage{
		Topic:    d.cfg.Topic,
		Value:    sarama.ByteEncoder(f.Value),
		Metadata: f.Checkpoint,
	}
	if len(f.Key) > 0 {
		msg.Key = sarama.ByteEncoder(f.Key)
	}
	for k, v := range f.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: v})
	}
	d.p.Input() <- msg
	return nil
}

// drainSuccesses acknowledges frames once the broker has them.
func (d *driver) drainSuccesses() {
	defer d.wg.Done()
	for msg := range d.p.Successes() {
		cp, ok := msg.Metadata.(frame.Checkpoint)
		if ok && d.ack != nil {
			d.ack(cp)
		}
	}
}

func (d *driver) drainErrors() {
	defer d.wg.Done()
	for perr := range d.p.Errors() {
		cp, _ := perr.Msg.Metadata.(frame.Checkpoint)
		logging.L().Error("kafka-sink: produce failed", "topic", d.cfg.Topic, "checkpoint", cp.String(), "err", perr.Err)
	}
}

func (d *driver) Close() error {
	d.closeOnce.Do(func() {
		if d.p == nil {
			return
		}
		d.p.AsyncClose()
		d.wg.Wait()
	})
	return nil
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
