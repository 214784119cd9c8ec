// Package topic defines the append-only log abstraction Eventflow runs
// on. A topic is a named, partitioned log of raw events; substrates
// (in-memory, file, Redpanda, NATS) implement these contracts.
package topic

import (
	"context"

	"github.com/google/uuid"
)

// RawEvent is the unit stored on a topic. TimestampMs is the producer's
// wall clock at produce time; Message is the codec-encoded payload.
type RawEvent struct {
	TimestampMs int64
	Message     []byte
}

// StartPosition selects where a new consumer group begins reading
type StartPosition int

// Start positions
const (
	StartFromBeginning StartPosition = iota
	StartFromEnd
)

// ConsumerGroup coordinates offset sharing. Consumers joining the same
// named group on the same topic share offsets; anonymous groups get a
// fresh unique name and do not.
type ConsumerGroup struct {
	Name      string
	StartFrom StartPosition
}

// NewGroup creates a named group starting from the beginning
func NewGroup(name string) ConsumerGroup {
	return ConsumerGroup{Name: name, StartFrom: StartFromBeginning}
}

// AnonymousGroup creates a group with a fresh unique name
func AnonymousGroup(startFrom StartPosition) ConsumerGroup {
	return ConsumerGroup{Name: "anonymous-" + uuid.NewString(), StartFrom: startFrom}
}

// Factory resolves topics by name. Make is idempotent: repeated calls
// with the same name return topics sharing storage and offsets.
type Factory interface {
	Make(ctx context.Context, name string) (Topic, error)
}

// Topic is a named append-only partitioned log
type Topic interface {
	Name() string
	Producer(ctx context.Context) (Producer, error)
	Consumer(ctx context.Context, group ConsumerGroup) (Consumer, error)
}

// Producer appends events to a topic. Produce returns after the
// substrate's durability guarantee holds. Delivery is at-least-once.
type Producer interface {
	Produce(ctx context.Context, event RawEvent, key []byte) error
	Close() error
}

// Consumer reads envelopes from a topic within a consumer group.
// Consume blocks until the next event or cancellation; it returns
// (nil, nil) on clean shutdown.
type Consumer interface {
	Consume(ctx context.Context) (Envelope, error)
	Close() error
}

// Envelope is an at-least-once delivery unit. An envelope that is never
// nacked counts as acknowledged once the consumer scope is released;
// explicit Nack requests redelivery.
type Envelope interface {
	Event() RawEvent
	Key() []byte
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}
