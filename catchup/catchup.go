// Package catchup wraps a raw topic consumer to detect the transition
// from replaying history to tailing live events. The latch fires once,
// via event recency, idle timeout, or cancellation, and the wrapper
// reports replay throughput while it is still behind.
package catchup

import (
	"context"
	"sync"
	"time"

	"github.com/northstack/eventflow/pkg/logger"
	"github.com/northstack/eventflow/pkg/metrics"
	"github.com/northstack/eventflow/topic"
)

// Defaults for Options
const (
	DefaultProgressLogInterval = 3 * time.Second
	DefaultCatchUpIdle         = time.Second
)

// Options tunes catch-up detection
type Options struct {
	// ProgressLogInterval is how often replay throughput is logged
	ProgressLogInterval time.Duration
	// CatchUpIdle bounds both the recency window and the idle latch
	CatchUpIdle time.Duration
}

// WithDefaults fills zero fields with the default timings
func (o Options) WithDefaults() Options {
	if o.ProgressLogInterval <= 0 {
		o.ProgressLogInterval = DefaultProgressLogInterval
	}
	if o.CatchUpIdle <= 0 {
		o.CatchUpIdle = DefaultCatchUpIdle
	}
	return o
}

// Consumer wraps an inner consumer with catch-up detection. The inner
// at-least-once semantics pass through verbatim.
type Consumer struct {
	inner     topic.Consumer
	opts      Options
	logger    *logger.Logger
	onCatchUp func()
	now       func() time.Time

	mu       sync.Mutex
	caughtUp bool
	progress int64
	started  bool
	stopped  chan struct{}
}

// Wrap creates a catch-up consumer. onCatchUp is invoked exactly once,
// from whichever latch fires first; it may be nil.
func Wrap(inner topic.Consumer, opts Options, log *logger.Logger, onCatchUp func()) *Consumer {
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{
		inner:     inner,
		opts:      opts.WithDefaults(),
		logger:    log,
		onCatchUp: onCatchUp,
		now:       time.Now,
		stopped:   make(chan struct{}),
	}
}

// CaughtUp reports whether the consumer has latched
func (c *Consumer) CaughtUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caughtUp
}

type consumeResult struct {
	envelope topic.Envelope
	err      error
}

// Consume delivers the next envelope. While the latch is open it also
// arms an idle timer: if the inner consume stays outstanding longer than
// the idle window without delivering, the stream is assumed live.
func (c *Consumer) Consume(ctx context.Context) (topic.Envelope, error) {
	c.ensureProgressTimer()

	results := make(chan consumeResult, 1)
	go func() {
		envelope, err := c.inner.Consume(ctx)
		results <- consumeResult{envelope: envelope, err: err}
	}()

	var idle <-chan time.Time
	if !c.CaughtUp() {
		timer := time.NewTimer(c.opts.CatchUpIdle)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case result := <-results:
			if result.err != nil {
				return nil, result.err
			}
			if result.envelope == nil {
				c.latch("cancelled")
				return nil, nil
			}
			c.recordDelivery(result.envelope.Event().TimestampMs)
			return result.envelope, nil
		case <-idle:
			idle = nil
			c.latch("idle")
		case <-ctx.Done():
			c.latch("cancelled")
			// the inner consume holds the same context and returns
			// promptly; drain it so no envelope is dropped
			result := <-results
			if result.err != nil {
				return nil, result.err
			}
			return result.envelope, nil
		}
	}
}

func (c *Consumer) recordDelivery(timestampMs int64) {
	c.mu.Lock()
	c.progress++
	c.mu.Unlock()

	recent := c.now().UnixMilli()-timestampMs <= c.opts.CatchUpIdle.Milliseconds()
	if recent {
		c.latch("recency")
	}
}

// latch flips caughtUp exactly once, fires the callback, and stops the
// progress timer.
func (c *Consumer) latch(reason string) {
	c.mu.Lock()
	if c.caughtUp {
		c.mu.Unlock()
		return
	}
	c.caughtUp = true
	consumed := c.progress
	c.mu.Unlock()

	close(c.stopped)
	metrics.CatchUpLatched.WithLabelValues(reason).Inc()
	c.logger.Info().
		Str("reason", reason).
		Int64("events", consumed).
		Msg("consumer caught up")

	if c.onCatchUp != nil {
		c.onCatchUp()
	}
}

// ensureProgressTimer starts the throughput log on first consume
func (c *Consumer) ensureProgressTimer() {
	c.mu.Lock()
	if c.started || c.caughtUp {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.opts.ProgressLogInterval)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-c.stopped:
				return
			case <-ticker.C:
				c.mu.Lock()
				total := c.progress
				c.mu.Unlock()
				c.logger.Info().
					Int64("events", total).
					Int64("delta", total-last).
					Msg("replay progress")
				last = total
			}
		}
	}()
}

// Close stops the timers and the inner consumer
func (c *Consumer) Close() error {
	c.mu.Lock()
	if !c.caughtUp {
		c.caughtUp = true
		close(c.stopped)
	}
	c.mu.Unlock()
	return c.inner.Close()
}
