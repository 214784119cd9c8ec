// Package natslog provides a topic substrate backed by NATS JetStream.
// Each topic maps to a stream with a single subject; consumer groups map
// to durable consumers with explicit acks.
package natslog

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/topic"
)

const (
	headerTimestampMs = "Eventflow-Timestamp-Ms"
	headerKey         = "Eventflow-Key"
)

// Factory creates JetStream-backed topics
type Factory struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

// Connect dials NATS and creates a JetStream topic factory
func Connect(url string, opts ...nats.Option) (*Factory, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Substrate("connect nats", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Substrate("create jetstream context", err)
	}
	return &Factory{nc: nc, js: js, streams: make(map[string]jetstream.Stream)}, nil
}

// Close closes the underlying connection
func (f *Factory) Close() {
	f.nc.Close()
}

// Make resolves a topic, creating its stream on first use
func (f *Factory) Make(ctx context.Context, name string) (topic.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	streamName := sanitize(name)
	stream, ok := f.streams[streamName]
	if !ok {
		var err error
		stream, err = f.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{"eventflow." + streamName},
		})
		if err != nil {
			return nil, errors.Substrate("create stream", err)
		}
		f.streams[streamName] = stream
	}
	return &natsTopic{name: name, subject: "eventflow." + streamName, stream: stream, factory: f}, nil
}

// sanitize maps topic names onto the stream name alphabet
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}

type natsTopic struct {
	name    string
	subject string
	stream  jetstream.Stream
	factory *Factory
}

func (t *natsTopic) Name() string { return t.name }

func (t *natsTopic) Producer(ctx context.Context) (topic.Producer, error) {
	return &producer{topic: t}, nil
}

func (t *natsTopic) Consumer(ctx context.Context, group topic.ConsumerGroup) (topic.Consumer, error) {
	deliver := jetstream.DeliverAllPolicy
	if group.StartFrom == topic.StartFromEnd {
		deliver = jetstream.DeliverNewPolicy
	}

	cons, err := t.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       sanitize(group.Name),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
		FilterSubject: t.subject,
	})
	if err != nil {
		return nil, errors.Substrate("create consumer", err)
	}

	msgs, err := cons.Messages()
	if err != nil {
		return nil, errors.Substrate("open message iterator", err)
	}
	return &consumer{topic: t, msgs: msgs}, nil
}

type producer struct {
	topic *natsTopic
}

func (p *producer) Produce(ctx context.Context, event topic.RawEvent, key []byte) error {
	msg := nats.NewMsg(p.topic.subject)
	msg.Data = event.Message
	msg.Header.Set(headerTimestampMs, strconv.FormatInt(event.TimestampMs, 10))
	if key != nil {
		msg.Header.Set(headerKey, string(key))
	}

	if _, err := p.topic.factory.js.PublishMsg(ctx, msg); err != nil {
		return errors.Substrate("publish", err)
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	topic *natsTopic
	msgs  jetstream.MessagesContext

	stopOnce sync.Once
}

func (c *consumer) Consume(ctx context.Context) (topic.Envelope, error) {
	// MessagesContext.Next has no context parameter; stop the iterator
	// when the caller cancels so Next unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.msgs.Stop()
		case <-done:
		}
	}()

	msg, err := c.msgs.Next()
	if err != nil {
		if ctx.Err() != nil || err == jetstream.ErrMsgIteratorClosed {
			return nil, nil
		}
		return nil, errors.Substrate("next message", err)
	}
	return &envelope{msg: msg}, nil
}

func (c *consumer) Close() error {
	c.stopOnce.Do(c.msgs.Stop)
	return nil
}

type envelope struct {
	msg jetstream.Msg
}

func (e *envelope) Event() topic.RawEvent {
	tsMs, _ := strconv.ParseInt(e.msg.Headers().Get(headerTimestampMs), 10, 64)
	return topic.RawEvent{TimestampMs: tsMs, Message: e.msg.Data()}
}

func (e *envelope) Key() []byte {
	key := e.msg.Headers().Get(headerKey)
	if key == "" {
		return nil
	}
	return []byte(key)
}

func (e *envelope) Ack(ctx context.Context) error {
	return e.msg.Ack()
}

func (e *envelope) Nack(ctx context.Context) error {
	return e.msg.Nak()
}
