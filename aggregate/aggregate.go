// Package aggregate scopes event types to a named partition boundary.
// Events inside an aggregate are keyed by the record's id field, so all
// events for one entity land on one partition, in order.
package aggregate

import (
	"context"

	"github.com/northstack/eventflow/eventtype"
	"github.com/northstack/eventflow/readmodel"
	"github.com/northstack/eventflow/topic"
)

// Aggregate carries the aggregate identity plus the topic factory used
// by everything produced or projected within it.
type Aggregate struct {
	def    *eventtype.Aggregate
	topics topic.Factory
}

// New creates an aggregate over a topic substrate
func New(name string, topics topic.Factory) *Aggregate {
	return &Aggregate{
		def:    &eventtype.Aggregate{Name: name},
		topics: topics,
	}
}

// Name returns the aggregate name
func (a *Aggregate) Name() string { return a.def.Name }

// Definition returns the aggregate identity for manual binding
func (a *Aggregate) Definition() *eventtype.Aggregate { return a.def }

// Bind rebinds an event type to this aggregate. The type must be a
// record with an id field.
func (a *Aggregate) Bind(et *eventtype.Type) (*eventtype.Type, error) {
	return et.WithAggregate(a.def)
}

// UseEventType rebinds the event type to this aggregate and opens a
// producer on its topic. Produced events derive their partition key from
// the id field; explicit keys are rejected.
func (a *Aggregate) UseEventType(ctx context.Context, et *eventtype.Type, opts eventtype.ProducerOptions) (*eventtype.Producer, error) {
	bound, err := a.Bind(et)
	if err != nil {
		return nil, err
	}
	return bound.Producer(ctx, a.topics, opts)
}

// UseReadModel starts a read model with every ingested event type
// rebound to the aggregate, so the projection reads the aggregate's
// topics. (A free function because Go methods cannot introduce the
// client type parameter.)
func UseReadModel[C any](ctx context.Context, a *Aggregate, rm *readmodel.ReadModel[C], clients readmodel.ClientFactory[C], opts readmodel.StartOptions) (*readmodel.Projection[C], error) {
	bound, err := rm.WithAggregate(a.def)
	if err != nil {
		return nil, err
	}
	return bound.Start(ctx, a.topics, clients, opts)
}
