package readmodel

import (
	"context"
	"sync"

	"github.com/northstack/eventflow/eventtype"
)

// prefetch keeps exactly one consume in flight per ingestor stream so
// the merge can observe the next event's timestamp without committing to
// it. Taking the envelope immediately starts the next fetch.
type prefetch struct {
	consumer *eventtype.Consumer
	// wake receives a nudge whenever a fetch completes, so the merge can
	// sleep until any stream produces
	wake chan<- struct{}

	mu        sync.Mutex
	ready     chan struct{}
	envelope  *eventtype.Envelope
	err       error
	exhausted bool
}

func newPrefetch(ctx context.Context, consumer *eventtype.Consumer, wake chan<- struct{}) *prefetch {
	p := &prefetch{consumer: consumer, wake: wake}
	p.fetch(ctx)
	return p
}

// fetch starts the next in-flight consume
func (p *prefetch) fetch(ctx context.Context) {
	ready := make(chan struct{})
	p.mu.Lock()
	p.ready = ready
	p.envelope = nil
	p.err = nil
	p.mu.Unlock()

	go func() {
		envelope, err := p.consumer.Consume(ctx)
		p.mu.Lock()
		p.envelope = envelope
		p.err = err
		if err != nil || envelope == nil {
			p.exhausted = true
		}
		p.mu.Unlock()
		close(ready)

		select {
		case p.wake <- struct{}{}:
		default:
		}
	}()
}

// peekResult is what a bounded peek observed
type peekResult struct {
	timestampMs int64
	ok          bool
	err         error
}

func (p *prefetch) snapshot() peekResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return peekResult{err: p.err}
	}
	if p.envelope == nil {
		return peekResult{}
	}
	return peekResult{timestampMs: p.envelope.Event().Timestamp.UnixMilli(), ok: true}
}

// done returns the channel closed when the in-flight fetch resolves
func (p *prefetch) done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *prefetch) isExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// take consumes the prefetched envelope, waiting without a timeout, and
// starts the next fetch.
func (p *prefetch) take(ctx context.Context) (*eventtype.Envelope, error) {
	select {
	case <-p.done():
	case <-ctx.Done():
		return nil, nil
	}

	p.mu.Lock()
	envelope, err := p.envelope, p.err
	exhausted := p.exhausted
	p.mu.Unlock()

	if err != nil || exhausted {
		return nil, err
	}
	p.fetch(ctx)
	return envelope, nil
}
