// Package filelog is a local append-only file substrate. Each topic is a
// JSON-lines file under the factory root; producers sync after every
// append. Consumer-group offsets live in process memory, so replays
// start over when the process restarts.
package filelog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/topic"
)

// pollInterval is how often blocked consumers re-read the log file
const pollInterval = 25 * time.Millisecond

// Factory stores one log file per topic under Dir
type Factory struct {
	dir string

	mu     sync.Mutex
	topics map[string]*fileTopic
}

// NewFactory creates a file substrate rooted at dir
func NewFactory(dir string) (*Factory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Substrate("mkdir", err)
	}
	return &Factory{dir: dir, topics: make(map[string]*fileTopic)}, nil
}

// Make resolves a topic, creating its log file lazily
func (f *Factory) Make(ctx context.Context, name string) (topic.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[name]
	if !ok {
		t = &fileTopic{
			name:   name,
			path:   filepath.Join(f.dir, name+".log"),
			groups: make(map[string]*group),
		}
		f.topics[name] = t
	}
	return t, nil
}

// line is the on-disk representation of one event
type line struct {
	TimestampMs int64  `json:"ts"`
	Message     []byte `json:"msg"`
	Key         []byte `json:"key,omitempty"`
}

type group struct {
	next      int
	started   bool
	startFrom topic.StartPosition
	redeliver []int
}

type fileTopic struct {
	name string
	path string

	mu         sync.Mutex
	records    []line
	readOffset int64
	groups     map[string]*group
}

func (t *fileTopic) Name() string { return t.name }

func (t *fileTopic) Producer(ctx context.Context) (topic.Producer, error) {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Substrate("open log", err)
	}
	return &producer{topic: t, file: f}, nil
}

func (t *fileTopic) Consumer(ctx context.Context, cg topic.ConsumerGroup) (topic.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[cg.Name]
	if !ok {
		g = &group{startFrom: cg.StartFrom}
		t.groups[cg.Name] = g
	}
	return &consumer{topic: t, group: g}, nil
}

// refresh reads any bytes appended to the log since the last call.
// Callers must hold t.mu.
func (t *fileTopic) refresh() error {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Substrate("open log", err)
	}
	defer f.Close()

	if _, err := f.Seek(t.readOffset, 0); err != nil {
		return errors.Substrate("seek log", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return errors.Substrate("decode log line", err)
		}
		t.records = append(t.records, l)
		t.readOffset += int64(len(raw)) + 1
	}
	if err := scanner.Err(); err != nil {
		return errors.Substrate("read log", err)
	}
	return nil
}

type producer struct {
	topic *fileTopic
	mu    sync.Mutex
	file  *os.File
}

func (p *producer) Produce(ctx context.Context, event topic.RawEvent, key []byte) error {
	data, err := json.Marshal(line{TimestampMs: event.TimestampMs, Message: event.Message, Key: key})
	if err != nil {
		return errors.Substrate("encode log line", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintf(p.file, "%s\n", data); err != nil {
		return errors.Substrate("append log", err)
	}
	if err := p.file.Sync(); err != nil {
		return errors.Substrate("sync log", err)
	}
	return nil
}

func (p *producer) Close() error { return p.file.Close() }

type consumer struct {
	topic *fileTopic
	group *group
}

func (c *consumer) Consume(ctx context.Context) (topic.Envelope, error) {
	t := c.topic
	for {
		t.mu.Lock()
		if err := t.refresh(); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		if !c.group.started {
			// End means events appended after the group first consumes
			if c.group.startFrom == topic.StartFromEnd {
				c.group.next = len(t.records)
			}
			c.group.started = true
		}
		if len(c.group.redeliver) > 0 {
			idx := c.group.redeliver[0]
			c.group.redeliver = c.group.redeliver[1:]
			rec := t.records[idx]
			t.mu.Unlock()
			return &envelope{consumer: c, index: idx, record: rec}, nil
		}
		if c.group.next < len(t.records) {
			idx := c.group.next
			c.group.next++
			rec := t.records[idx]
			t.mu.Unlock()
			return &envelope{consumer: c, index: idx, record: rec}, nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(pollInterval):
		}
	}
}

func (c *consumer) Close() error { return nil }

type envelope struct {
	consumer *consumer
	index    int
	record   line
	mu       sync.Mutex
	settled  bool
}

func (e *envelope) Event() topic.RawEvent {
	return topic.RawEvent{TimestampMs: e.record.TimestampMs, Message: e.record.Message}
}

func (e *envelope) Key() []byte { return e.record.Key }

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
	t.mu.Unlock()
	return nil
}
