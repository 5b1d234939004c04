package kafka

import (
	"context"

	"scriptflow/internal/frame"
)

type EmitFunc func(*frame.Frame) error

type Adapter interface {
	Configure(Config) error
	Run(context.Context, EmitFunc) error
	Close() error
}

// AckAware drivers commit offsets only once a frame is acknowledged.
type AckAware interface {
	OnAck(frame.Ack)
}

// ReleaseAware drivers report partitions they stop consuming, so per-
// partition state downstream can be torn down.
type ReleaseAware interface {
	OnRelease(func(frame.PartitionKey))
}
