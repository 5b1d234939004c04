// Package frame defines the unit moving between source, stages and sinks:
// a raw record plus its checkpoint and, once decoded, its row.
package frame

import (
	"fmt"
	"time"

	"scriptflow/internal/schema"
)

// Checkpoint locates a frame in its source so it can be acknowledged.
type Checkpoint struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (c Checkpoint) String() string { return fmt.Sprintf("%s[%d]@%d", c.Topic, c.Partition, c.Offset) }

// PartitionKey identifies the source partition a checkpoint belongs to.
func (c Checkpoint) PartitionKey() PartitionKey { return PartitionKey{Topic: c.Topic, Partition: c.Partition} }

type PartitionKey struct {
	Topic     string
	Partition int32
}

func (k PartitionKey) String() string { return fmt.Sprintf("%s[%d]", k.Topic, k.Partition) }

type Frame struct {
	Key        []byte
	Value      []byte
	Headers    map[string][]byte
	Ts         time.Time
	Checkpoint Checkpoint
	// Row is the decoded value; set by the runner.
	Row *schema.Row
}

// Ack tells the source that a frame has been durably handled.
type Ack struct {
	Checkpoint Checkpoint
}
