package readmodel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/northstack/eventflow/catchup"
	"github.com/northstack/eventflow/eventtype"
	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/pkg/logger"
	"github.com/northstack/eventflow/pkg/metrics"
	"github.com/northstack/eventflow/topic"
)

// StartOptions tunes read-model startup
type StartOptions struct {
	Logger  *logger.Logger
	CatchUp catchup.Options
}

// errDrained stops the ingestion loop cleanly once every stream has shut
// down.
var errDrained = fmt.Errorf("all ingestor streams drained")

// Projection is a started read model: the client plus the live ingestion
// scope. Closing it cancels ingestion, releases the consumers in reverse
// construction order, and disposes the client last.
type Projection[C any] struct {
	client    C
	namespace string
	cancel    context.CancelFunc
	done      chan struct{}
	consumers []*eventtype.Consumer

	mu  sync.Mutex
	err error
}

// Client returns the read-model client
func (p *Projection[C]) Client() C { return p.client }

// Namespace returns the derived storage namespace
func (p *Projection[C]) Namespace() string { return p.namespace }

// Done is closed when the ingestion loop stops
func (p *Projection[C]) Done() <-chan struct{} { return p.done }

// Err returns the ingestion failure, if any, once the loop has stopped
func (p *Projection[C]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Projection[C]) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Close cancels ingestion and releases all owned resources
func (p *Projection[C]) Close() error {
	p.cancel()
	<-p.done
	for i := len(p.consumers) - 1; i >= 0; i-- {
		p.consumers[i].Close()
	}
	if closer, ok := any(p.client).(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type stream[C any] struct {
	eventType *eventtype.Type
	handler   Handler[C]
	prefetch  *prefetch
}

// Start materializes the read model. It creates the client, runs the
// initializers in order, opens one catch-up consumer per ingestor, fans
// them into a time-ordered merge, and returns once every stream has
// caught up with history. The live tail continues in the background
// until the context is cancelled or the projection is closed.
func (rm *ReadModel[C]) Start(ctx context.Context, topics topic.Factory, clients ClientFactory[C], opts StartOptions) (*Projection[C], error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	catchUpOpts := opts.CatchUp.WithDefaults()

	namespace := rm.Namespace(clients)
	log = log.With().Str("namespace", namespace).Logger()

	client, err := clients.Make(ctx, namespace)
	if err != nil {
		return nil, err
	}
	for _, init := range rm.initializers {
		if err := init.init(ctx, client); err != nil {
			disposeClient(client)
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	wake := make(chan struct{}, 1)
	caughtUp := make(chan struct{})
	var pending sync.WaitGroup
	pending.Add(len(rm.ingestors))
	go func() {
		pending.Wait()
		close(caughtUp)
	}()

	consumers := make([]*eventtype.Consumer, 0, len(rm.ingestors))
	streams := make([]*stream[C], 0, len(rm.ingestors))
	for _, ing := range rm.ingestors {
		group := topic.NewGroup(fmt.Sprintf("%s-%s", namespace, ing.eventType.TopicName()))
		consumer, err := ing.eventType.Consumer(runCtx, topics, group, eventtype.ConsumerOptions{
			OnCatchUp: pending.Done,
			Logger:    log,
			CatchUp:   catchUpOpts,
		})
		if err != nil {
			cancel()
			for _, c := range consumers {
				c.Close()
			}
			disposeClient(client)
			return nil, err
		}
		consumers = append(consumers, consumer)
		streams = append(streams, &stream[C]{
			eventType: ing.eventType,
			handler:   ing.handler,
			prefetch:  newPrefetch(runCtx, consumer, wake),
		})
	}

	projection := &Projection[C]{
		client:    client,
		namespace: namespace,
		cancel:    cancel,
		done:      make(chan struct{}),
		consumers: consumers,
	}

	merge := &multiConsumerIngestor[C]{
		streams:   streams,
		wake:      wake,
		peekLimit: time.Duration(float64(catchUpOpts.CatchUpIdle) * 0.7),
		client:    client,
		namespace: namespace,
		logger:    log,
	}
	go func() {
		defer close(projection.done)
		if err := merge.run(runCtx); err != nil {
			projection.setErr(err)
			log.Error().Err(err).Msg("ingestion stopped")
		}
		// stop the in-flight fetches and nack any envelope that was
		// prefetched but never ingested, so the substrate redelivers it
		cancel()
		for _, s := range streams {
			<-s.prefetch.done()
			s.prefetch.mu.Lock()
			envelope := s.prefetch.envelope
			s.prefetch.envelope = nil
			s.prefetch.mu.Unlock()
			if envelope != nil {
				envelope.Nack(context.Background())
			}
		}
	}()

	select {
	case <-caughtUp:
	case <-projection.done:
		if err := projection.Err(); err != nil {
			projection.Close()
			return nil, err
		}
	}

	if notifier, ok := clients.(CatchUpNotifier[C]); ok {
		if err := notifier.OnCatchUp(ctx, client); err != nil {
			projection.Close()
			return nil, err
		}
	}
	log.Info().Msg("ingestor caught up")
	return projection, nil
}

func disposeClient(client interface{}) {
	if closer, ok := client.(io.Closer); ok {
		closer.Close()
	}
}

// multiConsumerIngestor merges N prefetched streams into one
// approximately time-ordered sequence of handler invocations. Within a
// topic the order is strict; across topics it is bounded by the peek
// window: a stream quiet for longer than peekLimit no longer holds the
// merge back.
type multiConsumerIngestor[C any] struct {
	streams   []*stream[C]
	wake      <-chan struct{}
	peekLimit time.Duration
	client    C
	namespace string
	logger    *logger.Logger
}

func (m *multiConsumerIngestor[C]) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.next(ctx); err != nil {
			if err == errDrained {
				return nil
			}
			return err
		}
	}
}

// next ingests at most one event: it peeks every stream inside a shared
// timeout window, takes the earliest observed timestamp (ties go to the
// earliest-registered ingestor), and invokes that stream's handler.
// When every peek times out it sleeps until any stream produces.
func (m *multiConsumerIngestor[C]) next(ctx context.Context) error {
	timer := time.NewTimer(m.peekLimit)
	defer timer.Stop()

	best := -1
	var bestTs int64
	observe := func(i int) error {
		res := m.streams[i].prefetch.snapshot()
		if res.err != nil {
			return res.err
		}
		if res.ok && (best == -1 || res.timestampMs < bestTs) {
			best = i
			bestTs = res.timestampMs
		}
		return nil
	}

	live := 0
	expired := false
	for i, s := range m.streams {
		if s.prefetch.isExhausted() {
			continue
		}
		live++
		if !expired {
			select {
			case <-s.prefetch.done():
				if err := observe(i); err != nil {
					return err
				}
				continue
			case <-timer.C:
				expired = true
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-s.prefetch.done():
			if err := observe(i); err != nil {
				return err
			}
		default:
		}
	}

	if live == 0 {
		return errDrained
	}

	if best >= 0 {
		return m.ingest(ctx, m.streams[best])
	}

	// every live stream timed out; wait for any of them to produce
	select {
	case <-m.wake:
	case <-ctx.Done():
	}
	return nil
}

func (m *multiConsumerIngestor[C]) ingest(ctx context.Context, s *stream[C]) error {
	envelope, err := s.prefetch.take(ctx)
	if err != nil {
		return err
	}
	if envelope == nil {
		return nil
	}

	if err := s.handler(ctx, envelope.Event(), m.client, envelope.Key()); err != nil {
		envelope.Nack(ctx)
		return errors.IngestorFailure(s.eventType.Name(), err)
	}
	if err := envelope.Ack(ctx); err != nil {
		return err
	}
	metrics.EventsIngested.WithLabelValues(m.namespace).Inc()
	return nil
}
