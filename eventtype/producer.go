package eventtype

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/northstack/eventflow/catchup"
	"github.com/northstack/eventflow/codec"
	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/pkg/logger"
	"github.com/northstack/eventflow/pkg/metrics"
	"github.com/northstack/eventflow/schema"
	"github.com/northstack/eventflow/topic"
)

// ProducerOptions tunes producer construction
type ProducerOptions struct {
	Logger  *logger.Logger
	CatchUp catchup.Options
}

// Producer publishes validated events onto the type's topic. It owns the
// running migrations that materialized the topic; Close cascades to
// them.
type Producer struct {
	eventType  *Type
	topicName  string
	underlying topic.Producer
	migrations []*RunningMigration
	now        func() time.Time
}

// Producer materializes the type's topic and returns a producer for it.
// Every migrator in the chain is run first and awaited until it has
// caught up with its source, so the topic holds the full migrated
// history before new events land on it.
func (t *Type) Producer(ctx context.Context, factory topic.Factory, opts ProducerOptions) (*Producer, error) {
	migrations := make([]*RunningMigration, 0, len(t.migrators))
	for _, migrator := range t.migrators {
		running, err := migrator.Run(ctx, factory, RunOptions{Logger: opts.Logger, CatchUp: opts.CatchUp})
		if err != nil {
			closeMigrations(migrations)
			return nil, err
		}
		migrations = append(migrations, running)
		if err := running.AwaitReady(ctx); err != nil {
			closeMigrations(migrations)
			return nil, err
		}
	}

	resolved, err := factory.Make(ctx, t.TopicName())
	if err != nil {
		closeMigrations(migrations)
		return nil, err
	}
	underlying, err := resolved.Producer(ctx)
	if err != nil {
		closeMigrations(migrations)
		return nil, err
	}

	return &Producer{
		eventType:  t,
		topicName:  resolved.Name(),
		underlying: underlying,
		migrations: migrations,
		now:        time.Now,
	}, nil
}

func closeMigrations(migrations []*RunningMigration) {
	for i := len(migrations) - 1; i >= 0; i-- {
		migrations[i].Close()
	}
}

// EventType returns the producing type
func (p *Producer) EventType() *Type { return p.eventType }

// Produce validates the event, derives its partition key and publishes
// it with the current wall-clock timestamp.
func (p *Producer) Produce(ctx context.Context, event interface{}) error {
	return p.produce(ctx, event, nil, false)
}

// ProduceKeyed publishes with an explicit partition key. Types bound to
// an aggregate derive keys from the event id and reject explicit keys.
func (p *Producer) ProduceKeyed(ctx context.Context, event interface{}, key []byte) error {
	return p.produce(ctx, event, key, true)
}

func (p *Producer) produce(ctx context.Context, event interface{}, key []byte, keyed bool) error {
	t := p.eventType
	if violation := t.schema.Validate(event); violation != nil {
		return errors.SchemaViolation(violation)
	}

	if keyed && t.aggregate != nil {
		return errors.AggregateKeyConflict(t.name)
	}
	if !keyed || t.aggregate != nil {
		derived, err := deriveKey(t.schema, event)
		if err != nil {
			return err
		}
		if derived == nil && t.aggregate != nil {
			return errors.MissingAggregateKey(t.name)
		}
		key = derived
	}

	data, err := codec.JSON.Serialize(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	err = p.underlying.Produce(ctx, topic.RawEvent{
		TimestampMs: p.now().UnixMilli(),
		Message:     data,
	}, key)
	if err != nil {
		return err
	}
	metrics.EventsProduced.WithLabelValues(p.topicName).Inc()
	return nil
}

// Close releases the producer, then its running migrations in reverse
// order.
func (p *Producer) Close() error {
	err := p.underlying.Close()
	closeMigrations(p.migrations)
	return err
}

// deriveKey derives the partition key from the event's id field: Bytes
// verbatim, String as UTF-8, Number as its 8-byte little-endian float64
// image. Optional wrappers are unwrapped. Events without an id field
// (or with a nil id) have no derived key.
func deriveKey(s schema.Schema, event interface{}) ([]byte, error) {
	rec, ok := s.(*schema.RecordSchema)
	if !ok {
		return nil, nil
	}
	idSchema, ok := rec.Field("id")
	if !ok {
		return nil, nil
	}
	if opt, ok := idSchema.(*schema.OptionalSchema); ok {
		idSchema = opt.Inner
	}

	record, ok := event.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	id, present := record["id"]
	if !present || id == nil {
		return nil, nil
	}

	switch idSchema {
	case schema.Bytes:
		if raw, ok := id.([]byte); ok {
			return raw, nil
		}
	case schema.String:
		if str, ok := id.(string); ok {
			return []byte(str), nil
		}
	case schema.Number:
		if n, ok := schema.AsNumber(id); ok {
			key := make([]byte, 8)
			binary.LittleEndian.PutUint64(key, math.Float64bits(n))
			return key, nil
		}
	}
	return nil, errors.SchemaViolation(
		errors.NewViolation("id field of type %s cannot be used as a partition key", idSchema.String()))
}
