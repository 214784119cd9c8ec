// Package redpanda provides the Kafka-compatible topic substrate for
// Redpanda/Kafka clusters using franz-go.
package redpanda

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/topic"
)

// Config holds broker connection configuration
type Config struct {
	Brokers           []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// Factory creates broker-backed topics
type Factory struct {
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*kafkaTopic
}

// NewFactory creates a Redpanda topic factory
func NewFactory(config Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		config: config,
		logger: logger,
		topics: make(map[string]*kafkaTopic),
	}
}

// Make resolves a broker topic by name. The broker owns storage, so this
// is idempotent across processes by construction.
func (f *Factory) Make(ctx context.Context, name string) (topic.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[name]
	if !ok {
		t = &kafkaTopic{name: name, factory: f}
		f.topics[name] = t
	}
	return t, nil
}

type kafkaTopic struct {
	name    string
	factory *Factory
}

func (t *kafkaTopic) Name() string { return t.name }

func (t *kafkaTopic) Producer(ctx context.Context) (topic.Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.factory.config.Brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, errors.Substrate("create producer", err)
	}
	return &producer{topic: t, client: client, logger: t.factory.logger}, nil
}

func (t *kafkaTopic) Consumer(ctx context.Context, group topic.ConsumerGroup) (topic.Consumer, error) {
	offset := kgo.NewOffset().AtStart()
	if group.StartFrom == topic.StartFromEnd {
		offset = kgo.NewOffset().AtEnd()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(t.factory.config.Brokers...),
		kgo.ConsumerGroup(group.Name),
		kgo.ConsumeTopics(t.name),
		kgo.ConsumeResetOffset(offset),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	}
	if t.factory.config.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(t.factory.config.SessionTimeout))
	}
	if t.factory.config.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(t.factory.config.HeartbeatInterval))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Substrate("create consumer", err)
	}
	return &consumer{topic: t, client: client, logger: t.factory.logger}, nil
}

type producer struct {
	topic  *kafkaTopic
	client *kgo.Client
	logger *zap.Logger
}

func (p *producer) Produce(ctx context.Context, event topic.RawEvent, key []byte) error {
	record := &kgo.Record{
		Topic:     p.topic.name,
		Key:       key,
		Value:     event.Message,
		Timestamp: time.UnixMilli(event.TimestampMs),
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return errors.Substrate("produce", err)
	}

	p.logger.Debug("message published",
		zap.String("topic", p.topic.name),
		zap.Int("partition", int(results[0].Record.Partition)),
		zap.Int64("offset", results[0].Record.Offset),
	)
	return nil
}

func (p *producer) Close() error {
	p.client.Close()
	return nil
}

type consumer struct {
	topic  *kafkaTopic
	client *kgo.Client
	logger *zap.Logger
	buffer []*kgo.Record
}

func (c *consumer) Consume(ctx context.Context) (topic.Envelope, error) {
	for len(c.buffer) == 0 {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil, nil
		}
		for _, fetchErr := range fetches.Errors() {
			if fetchErr.Err == context.Canceled {
				return nil, nil
			}
			c.logger.Error("fetch error",
				zap.String("topic", fetchErr.Topic),
				zap.Int32("partition", fetchErr.Partition),
				zap.Error(fetchErr.Err),
			)
			return nil, errors.Substrate("fetch", fetchErr.Err)
		}
		fetches.EachRecord(func(record *kgo.Record) {
			c.buffer = append(c.buffer, record)
		})
	}

	record := c.buffer[0]
	c.buffer = c.buffer[1:]
	return &envelope{consumer: c, record: record}, nil
}

func (c *consumer) Close() error {
	c.client.Close()
	return nil
}

type envelope struct {
	consumer *consumer
	record   *kgo.Record
}

func (e *envelope) Event() topic.RawEvent {
	return topic.RawEvent{
		TimestampMs: e.record.Timestamp.UnixMilli(),
		Message:     e.record.Value,
	}
}

func (e *envelope) Key() []byte { return e.record.Key }

func (e *envelope) Ack(ctx context.Context) error {
	e.consumer.client.MarkCommitRecords(e.record)
	return nil
}

// Nack leaves the record unmarked; the broker redelivers uncommitted
// offsets when the group rebalances or the process restarts.
func (e *envelope) Nack(ctx context.Context) error {
	return nil
}
