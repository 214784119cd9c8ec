// Package readmodel derives materialized views from event topics. A read
// model binds event types to ingestor functions and optional
// initializers; starting it replays every bound topic through a
// time-ordered merge into a client produced by a client factory, then
// keeps tailing live events.
package readmodel

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/northstack/eventflow/eventtype"
)

// Handler projects one event into the read-model client. The client is
// passed by capability; the framework never inspects it.
type Handler[C any] func(ctx context.Context, event eventtype.Event, client C, key []byte) error

// Initializer prepares the client before ingestion starts
type Initializer[C any] func(ctx context.Context, client C) error

// ClientFactory produces the read-model client for a namespace
type ClientFactory[C any] interface {
	// NamingConvention cases the read-model name inside the namespace
	NamingConvention() CasingPolicy
	// SuffixSeparator joins the cased name to the identity hash
	SuffixSeparator() string
	// Make creates the client for the namespace
	Make(ctx context.Context, namespace string) (C, error)
}

// CatchUpNotifier is an optional ClientFactory extension invoked once
// the historical replay completes.
type CatchUpNotifier[C any] interface {
	OnCatchUp(ctx context.Context, client C) error
}

type ingestor[C any] struct {
	eventType *eventtype.Type
	handler   Handler[C]
	nonce     int
}

type initializer[C any] struct {
	init  Initializer[C]
	nonce int
}

// ReadModel is an immutable declaration of ingestors and initializers
type ReadModel[C any] struct {
	name         string
	ingestors    []ingestor[C]
	initializers []initializer[C]
}

// New declares an empty read model
func New[C any](name string) *ReadModel[C] {
	return &ReadModel[C]{name: name}
}

// Name returns the declared name
func (rm *ReadModel[C]) Name() string { return rm.name }

// On binds an event type to a handler. The nonce participates in the
// namespace hash: bump it when the handler's behavior changes so the
// model re-projects from scratch.
func (rm *ReadModel[C]) On(et *eventtype.Type, handler Handler[C], nonce ...int) *ReadModel[C] {
	n := 0
	if len(nonce) > 0 {
		n = nonce[0]
	}
	clone := rm.clone()
	clone.ingestors = append(clone.ingestors, ingestor[C]{eventType: et, handler: handler, nonce: n})
	return clone
}

// OnInit registers an initializer run before ingestion begins. As with
// On, bump the nonce when the initializer's behavior changes.
func (rm *ReadModel[C]) OnInit(init Initializer[C], nonce ...int) *ReadModel[C] {
	n := 0
	if len(nonce) > 0 {
		n = nonce[0]
	}
	clone := rm.clone()
	clone.initializers = append(clone.initializers, initializer[C]{init: init, nonce: n})
	return clone
}

// WithAggregate rebinds every ingested event type to the aggregate so
// the projection reads the aggregate's topics.
func (rm *ReadModel[C]) WithAggregate(a *eventtype.Aggregate) (*ReadModel[C], error) {
	clone := rm.clone()
	for i, ing := range clone.ingestors {
		bound, err := ing.eventType.WithAggregate(a)
		if err != nil {
			return nil, err
		}
		clone.ingestors[i].eventType = bound
	}
	return clone, nil
}

func (rm *ReadModel[C]) clone() *ReadModel[C] {
	next := &ReadModel[C]{name: rm.name}
	next.ingestors = append(next.ingestors, rm.ingestors...)
	next.initializers = append(next.initializers, rm.initializers...)
	return next
}

// Namespace derives the storage namespace: the cased name joined to a
// hash of the model's identity. Any change to the set of initializers or
// ingestors, or to a nonce, yields a fresh namespace and therefore a
// fresh client re-projected from scratch.
func (rm *ReadModel[C]) Namespace(factory ClientFactory[C]) string {
	var identity strings.Builder
	for _, init := range rm.initializers {
		identity.WriteString("init")
		identity.WriteString(strconv.Itoa(init.nonce))
	}
	for _, ing := range rm.ingestors {
		identity.WriteString(ing.eventType.String())
		identity.WriteString(strconv.Itoa(ing.nonce))
	}
	sum := sha1.Sum([]byte(identity.String()))
	return factory.NamingConvention().Apply(rm.name) + factory.SuffixSeparator() + hex.EncodeToString(sum[:])
}
