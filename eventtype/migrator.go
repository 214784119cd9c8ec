package eventtype

import (
	"context"
	"fmt"
	"sync"

	"github.com/northstack/eventflow/catchup"
	"github.com/northstack/eventflow/codec"
	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/pkg/logger"
	"github.com/northstack/eventflow/pkg/metrics"
	"github.com/northstack/eventflow/schema"
	"github.com/northstack/eventflow/topic"
)

// Migrator forward-replicates one event type's topic into its
// successor's topic, applying the operator transform. It runs at most
// once per process; the consumer group name ties the source and
// destination together so multiple processes cooperate through the
// substrate's offset tracking.
type Migrator struct {
	source *Type
	// destination is a thunk: the successor type does not exist yet when
	// the migrator is constructed
	destination func() *Type
	transform   func(interface{}) ([]interface{}, error)

	runOnce sync.Once
	running *RunningMigration
	runErr  error
}

// RunOptions tunes a migration run
type RunOptions struct {
	Logger  *logger.Logger
	CatchUp catchup.Options
}

// Source returns the type being migrated from
func (m *Migrator) Source() *Type { return m.source }

// Destination resolves the type being migrated to
func (m *Migrator) Destination() *Type { return m.destination() }

// Run starts the replication loop. It is idempotent: repeated and
// concurrent calls return the same RunningMigration.
func (m *Migrator) Run(ctx context.Context, factory topic.Factory, opts RunOptions) (*RunningMigration, error) {
	m.runOnce.Do(func() {
		m.running, m.runErr = m.start(ctx, factory, opts)
	})
	return m.running, m.runErr
}

func (m *Migrator) start(ctx context.Context, factory topic.Factory, opts RunOptions) (*RunningMigration, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	destination := m.destination()
	sourceTopic, err := factory.Make(ctx, m.source.TopicName())
	if err != nil {
		return nil, err
	}
	destinationTopic, err := factory.Make(ctx, destination.TopicName())
	if err != nil {
		return nil, err
	}

	log = log.With().
		Str("source", sourceTopic.Name()).
		Str("destination", destinationTopic.Name()).
		Logger()

	// The shared group name makes migration resumable and lets multiple
	// processes cooperate on the same source/destination pair.
	group := topic.NewGroup(fmt.Sprintf("%s-%s", sourceTopic.Name(), destinationTopic.Name()))
	rawConsumer, err := sourceTopic.Consumer(ctx, group)
	if err != nil {
		return nil, err
	}

	producer, err := destinationTopic.Producer(ctx)
	if err != nil {
		rawConsumer.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &RunningMigration{
		sourceTopic:      sourceTopic.Name(),
		destinationTopic: destinationTopic.Name(),
		producer:         producer,
		cancel:           cancel,
		ready:            make(chan struct{}),
		done:             make(chan struct{}),
		logger:           log,
	}
	r.consumer = catchup.Wrap(rawConsumer, opts.CatchUp, log, func() {
		r.signalReady(nil)
	})

	go r.loop(loopCtx, m.source.Schema(), m.transform)
	return r, nil
}

// RunningMigration is a live replicator. It owns the source consumer and
// destination producer and releases both on Close.
type RunningMigration struct {
	sourceTopic      string
	destinationTopic string
	consumer         *catchup.Consumer
	producer         topic.Producer
	cancel           context.CancelFunc
	logger           *logger.Logger

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error

	done    chan struct{}
	doneErr error
}

// SourceTopic returns the source topic name
func (r *RunningMigration) SourceTopic() string { return r.sourceTopic }

// DestinationTopic returns the destination topic name
func (r *RunningMigration) DestinationTopic() string { return r.destinationTopic }

// AwaitReady blocks until the migration has caught up with its source,
// so the destination's producer can safely begin publishing. It returns
// the replication error if the migration failed before catching up.
func (r *RunningMigration) AwaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Cancelled("migration catch-up wait")
	case <-r.ready:
		return r.readyErr
	}
}

// Err returns the replication error once the loop has stopped
func (r *RunningMigration) Err() error {
	select {
	case <-r.done:
		return r.doneErr
	default:
		return nil
	}
}

func (r *RunningMigration) signalReady(err error) {
	r.readyOnce.Do(func() {
		r.readyErr = err
		close(r.ready)
	})
}

func (r *RunningMigration) loop(ctx context.Context, sourceSchema schema.Schema, transform func(interface{}) ([]interface{}, error)) {
	defer close(r.done)
	for {
		envelope, err := r.consumer.Consume(ctx)
		if err != nil {
			r.fail(err)
			return
		}
		if envelope == nil {
			// clean cancellation; a waiter must not block forever
			r.signalReady(nil)
			return
		}
		if err := r.replicate(ctx, envelope, sourceSchema, transform); err != nil {
			envelope.Nack(ctx)
			r.fail(err)
			return
		}
		envelope.Ack(ctx)
		metrics.EventsMigrated.WithLabelValues(r.destinationTopic).Inc()
	}
}

func (r *RunningMigration) replicate(ctx context.Context, envelope topic.Envelope, sourceSchema schema.Schema, transform func(interface{}) ([]interface{}, error)) error {
	raw := envelope.Event()
	decoded, err := codec.JSON.Deserialize(raw.Message)
	if err != nil {
		return err
	}
	value, err := schema.Revive(sourceSchema, decoded)
	if err != nil {
		return err
	}

	outputs, err := transform(value)
	if err != nil {
		return err
	}
	for _, output := range outputs {
		data, err := codec.JSON.Serialize(output)
		if err != nil {
			return err
		}
		// keep the original timestamp and partition key so ordering and
		// aggregation stay stable across the chain
		err = r.producer.Produce(ctx, topic.RawEvent{
			TimestampMs: raw.TimestampMs,
			Message:     data,
		}, envelope.Key())
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *RunningMigration) fail(err error) {
	wrapped := errors.MigratorFailure(r.sourceTopic, r.destinationTopic, err)
	r.doneErr = wrapped
	r.logger.Error().Err(err).Msg("migration failed")
	r.signalReady(wrapped)
}

// Close cancels the replication loop and releases the consumer and
// producer.
func (r *RunningMigration) Close() error {
	r.cancel()
	<-r.done
	err := r.consumer.Close()
	if perr := r.producer.Close(); err == nil {
		err = perr
	}
	return err
}
