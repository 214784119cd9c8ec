package eventtype

import (
	"context"
	"time"

	"github.com/northstack/eventflow/catchup"
	"github.com/northstack/eventflow/codec"
	"github.com/northstack/eventflow/pkg/logger"
	"github.com/northstack/eventflow/pkg/metrics"
	"github.com/northstack/eventflow/schema"
	"github.com/northstack/eventflow/topic"
)

// Event is the ingestor-visible projection of a raw event: the payload
// revived against the schema plus the producer's timestamp as a
// wall-clock instant.
type Event struct {
	Timestamp time.Time
	Message   interface{}
}

// Envelope is an at-least-once typed delivery unit
type Envelope struct {
	inner topic.Envelope
	event Event
}

// Event returns the decoded event
func (e *Envelope) Event() Event { return e.event }

// Key returns the partition key, or nil
func (e *Envelope) Key() []byte { return e.inner.Key() }

// Ack acknowledges the delivery
func (e *Envelope) Ack(ctx context.Context) error { return e.inner.Ack(ctx) }

// Nack requests redelivery
func (e *Envelope) Nack(ctx context.Context) error { return e.inner.Nack(ctx) }

// ConsumerOptions tunes consumer construction
type ConsumerOptions struct {
	// OnCatchUp is invoked exactly once when the consumer reaches the
	// live tail
	OnCatchUp func()
	Logger    *logger.Logger
	CatchUp   catchup.Options
}

// Consumer delivers typed envelopes from the type's topic, wrapped in
// catch-up detection.
type Consumer struct {
	eventType *Type
	topicName string
	groupName string
	wrapped   *catchup.Consumer
}

// Consumer opens a consumer-group consumer on the type's topic
func (t *Type) Consumer(ctx context.Context, factory topic.Factory, group topic.ConsumerGroup, opts ConsumerOptions) (*Consumer, error) {
	resolved, err := factory.Make(ctx, t.TopicName())
	if err != nil {
		return nil, err
	}
	raw, err := resolved.Consumer(ctx, group)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.With().
		Str("topic", resolved.Name()).
		Str("group", group.Name).
		Logger()

	return &Consumer{
		eventType: t,
		topicName: resolved.Name(),
		groupName: group.Name,
		wrapped:   catchup.Wrap(raw, opts.CatchUp, log, opts.OnCatchUp),
	}, nil
}

// Consume delivers the next typed envelope, or nil on clean shutdown
func (c *Consumer) Consume(ctx context.Context) (*Envelope, error) {
	inner, err := c.wrapped.Consume(ctx)
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, nil
	}

	raw := inner.Event()
	decoded, err := codec.JSON.Deserialize(raw.Message)
	if err != nil {
		inner.Nack(ctx)
		return nil, err
	}
	message, err := schema.Revive(c.eventType.Schema(), decoded)
	if err != nil {
		inner.Nack(ctx)
		return nil, err
	}

	metrics.EventsConsumed.WithLabelValues(c.topicName, c.groupName).Inc()
	return &Envelope{
		inner: inner,
		event: Event{
			Timestamp: time.UnixMilli(raw.TimestampMs),
			Message:   message,
		},
	}, nil
}

// CaughtUp reports whether the consumer has reached the live tail
func (c *Consumer) CaughtUp() bool { return c.wrapped.CaughtUp() }

// Close releases the underlying consumer
func (c *Consumer) Close() error { return c.wrapped.Close() }
