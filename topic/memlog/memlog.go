// Package memlog is the in-memory topic substrate. It backs tests and
// local development with the same at-least-once consumer-group semantics
// as the broker substrates.
package memlog

import (
	"context"
	"sync"

	"github.com/northstack/eventflow/topic"
)

// Factory keeps every topic created through it in process memory
type Factory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

// NewFactory creates an empty in-memory substrate
func NewFactory() *Factory {
	return &Factory{topics: make(map[string]*memTopic)}
}

// Make resolves a topic, creating it on first use
func (f *Factory) Make(ctx context.Context, name string) (topic.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[name]
	if !ok {
		t = newMemTopic(name)
		f.topics[name] = t
	}
	return t, nil
}

type record struct {
	event topic.RawEvent
	key   []byte
}

type group struct {
	next      int
	redeliver []int
}

type memTopic struct {
	name string

	mu      sync.Mutex
	records []record
	groups  map[string]*group
	// closed and replaced on every append so blocked consumers wake up
	appended chan struct{}
}

func newMemTopic(name string) *memTopic {
	return &memTopic{
		name:     name,
		groups:   make(map[string]*group),
		appended: make(chan struct{}),
	}
}

func (t *memTopic) Name() string { return t.name }

func (t *memTopic) Producer(ctx context.Context) (topic.Producer, error) {
	return &producer{topic: t}, nil
}

func (t *memTopic) Consumer(ctx context.Context, cg topic.ConsumerGroup) (topic.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[cg.Name]
	if !ok {
		g = &group{}
		if cg.StartFrom == topic.StartFromEnd {
			g.next = len(t.records)
		}
		t.groups[cg.Name] = g
	}
	return &consumer{topic: t, group: g}, nil
}

type producer struct {
	topic *memTopic
}

func (p *producer) Produce(ctx context.Context, event topic.RawEvent, key []byte) error {
	t := p.topic
	t.mu.Lock()
	t.records = append(t.records, record{event: event, key: key})
	close(t.appended)
	t.appended = make(chan struct{})
	t.mu.Unlock()
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	topic *memTopic
	group *group
}

func (c *consumer) Consume(ctx context.Context) (topic.Envelope, error) {
	t := c.topic
	for {
		t.mu.Lock()
		if len(c.group.redeliver) > 0 {
			idx := c.group.redeliver[0]
			c.group.redeliver = c.group.redeliver[1:]
			t.mu.Unlock()
			return c.envelope(idx), nil
		}
		if c.group.next < len(t.records) {
			idx := c.group.next
			c.group.next++
			t.mu.Unlock()
			return c.envelope(idx), nil
		}
		wake := t.appended
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-wake:
		}
	}
}

func (c *consumer) envelope(idx int) *envelope {
	t := c.topic
	t.mu.Lock()
	rec := t.records[idx]
	t.mu.Unlock()
	return &envelope{consumer: c, index: idx, record: rec}
}

func (c *consumer) Close() error { return nil }

type envelope struct {
	consumer *consumer
	index    int
	record   record
	settled  bool
	mu       sync.Mutex
}

func (e *envelope) Event() topic.RawEvent { return e.record.event }

func (e *envelope) Key() []byte { return e.record.key }

func (e *envelope) Ack(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settled = true
	return nil
}

func (e *envelope) Nack(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return nil
	}
	e.settled = true

	t := e.consumer.topic
	t.mu.Lock()
	e.consumer.group.redeliver = append(e.consumer.group.redeliver, e.index)
	close(t.appended)
	t.appended = make(chan struct{})
	t.mu.Unlock()
	return nil
}
