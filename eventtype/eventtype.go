// Package eventtype couples a named schema to a content-addressed topic
// and the chain of migrations that produced it. An event type is an
// immutable value: every algebraic operator returns a new type whose
// topic is populated by forward-migrating the previous type's topic.
package eventtype

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/schema"
)

// Aggregate is a named partition boundary. Event types bound to an
// aggregate must be records with an id field; their partition keys are
// derived from it.
type Aggregate struct {
	Name string
}

// Type is an immutable event type declaration
type Type struct {
	name      string
	schema    schema.Schema
	nonce     int
	migrators []*Migrator
	aggregate *Aggregate
}

// Option adjusts event type construction and derivation
type Option func(*options)

type options struct {
	nonce    int
	explicit bool
}

// WithNonce forces a topic change without a schema change
func WithNonce(nonce int) Option {
	return func(o *options) {
		o.nonce = nonce
		o.explicit = true
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New declares an event type with an empty migration chain
func New(name string, s schema.Schema, opts ...Option) *Type {
	o := applyOptions(opts)
	return &Type{name: name, schema: s, nonce: o.nonce}
}

// Name returns the declared name
func (t *Type) Name() string { return t.name }

// Schema returns the payload schema
func (t *Type) Schema() schema.Schema { return t.schema }

// Nonce returns the topic nonce
func (t *Type) Nonce() int { return t.nonce }

// Aggregate returns the bound aggregate, or nil
func (t *Type) Aggregate() *Aggregate { return t.aggregate }

// Migrators returns the migration chain in order
func (t *Type) Migrators() []*Migrator {
	out := make([]*Migrator, len(t.migrators))
	copy(out, t.migrators)
	return out
}

// String renders the identity used for content-addressing
func (t *Type) String() string {
	if t.aggregate != nil {
		return fmt.Sprintf("%s (%s) %s", t.name, t.aggregate.Name, t.schema.String())
	}
	return fmt.Sprintf("%s %s", t.name, t.schema.String())
}

// TopicName derives the content-addressed topic name. Equal name, nonce
// and schema always produce the same topic; any change produces a fresh
// one.
func (t *Type) TopicName() string {
	sum := sha1.Sum([]byte(t.String() + strconv.Itoa(t.nonce)))
	parts := make([]string, 0, 3)
	if t.aggregate != nil && t.aggregate.Name != "" {
		parts = append(parts, t.aggregate.Name)
	}
	if t.name != "" {
		parts = append(parts, t.name)
	}
	parts = append(parts, hex.EncodeToString(sum[:]))
	return strings.Join(parts, "-")
}

// WithAggregate rebinds the type to an aggregate. The schema must be a
// record with an id field. The aggregate is threaded through the whole
// migration chain so every topic in the lineage carries the aggregate
// prefix.
func (t *Type) WithAggregate(a *Aggregate) (*Type, error) {
	rec, ok := t.schema.(*schema.RecordSchema)
	if !ok {
		return nil, errors.SchemaViolation(
			errors.NewViolation("event type %s must be a record to join aggregate %s", t.name, a.Name))
	}
	if _, ok := rec.Field("id"); !ok {
		return nil, errors.SchemaViolation(
			errors.NewViolation("event type %s must declare an id field to join aggregate %s", t.name, a.Name))
	}

	if len(t.migrators) == 0 {
		clone := *t
		clone.aggregate = a
		return &clone, nil
	}

	root := *t.migrators[0].source
	root.aggregate = a
	root.migrators = nil
	previous := &root

	var chain []*Migrator
	for _, m := range t.migrators {
		bound := *m.destination()
		bound.aggregate = a
		next := &bound

		rebound := &Migrator{
			source:      previous,
			destination: func() *Type { return next },
			transform:   m.transform,
		}
		chain = append(chain, rebound)
		next.migrators = make([]*Migrator, len(chain))
		copy(next.migrators, chain)
		previous = next
	}
	return previous, nil
}

// NewField declares a field added by AddFields: its schema plus a
// function computing the value for historical events.
type NewField struct {
	Name    string
	Schema  schema.Schema
	Compute func(old map[string]interface{}) interface{}
}

// AddFields derives a type whose records carry the additional fields.
// Historical events are migrated by computing each new field from the
// old record. One event in, one event out.
func (t *Type) AddFields(fields []NewField, opts ...Option) (*Type, error) {
	rec, ok := t.schema.(*schema.RecordSchema)
	if !ok {
		return nil, errors.SchemaViolation(
			errors.NewViolation("AddFields requires a record schema, got %s", t.schema.String()))
	}

	merged := rec
	for _, f := range fields {
		merged = merged.WithFields(schema.Field{Name: f.Name, Schema: f.Schema})
	}

	added := make([]NewField, len(fields))
	copy(added, fields)
	return t.derive(merged, func(value interface{}) ([]interface{}, error) {
		old, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected a record, got %T", value)
		}
		next := make(map[string]interface{}, len(old)+len(added))
		for k, v := range old {
			next[k] = v
		}
		for _, f := range added {
			next[f.Name] = f.Compute(old)
		}
		return []interface{}{next}, nil
	}, opts), nil
}

// RemoveFields derives a type without the named fields; migration strips
// them from historical events.
func (t *Type) RemoveFields(names []string, opts ...Option) (*Type, error) {
	rec, ok := t.schema.(*schema.RecordSchema)
	if !ok {
		return nil, errors.SchemaViolation(
			errors.NewViolation("RemoveFields requires a record schema, got %s", t.schema.String()))
	}

	drop := make([]string, len(names))
	copy(drop, names)
	return t.derive(rec.WithoutFields(drop...), func(value interface{}) ([]interface{}, error) {
		old, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected a record, got %T", value)
		}
		next := make(map[string]interface{}, len(old))
		for k, v := range old {
			next[k] = v
		}
		for _, name := range drop {
			delete(next, name)
		}
		return []interface{}{next}, nil
	}, opts), nil
}

// TurnFieldsOptional derives a type where the named fields are optional.
// Historical events migrate unchanged.
func (t *Type) TurnFieldsOptional(names []string, opts ...Option) (*Type, error) {
	rec, ok := t.schema.(*schema.RecordSchema)
	if !ok {
		return nil, errors.SchemaViolation(
			errors.NewViolation("TurnFieldsOptional requires a record schema, got %s", t.schema.String()))
	}
	return t.derive(rec.WithOptionalFields(names...), func(value interface{}) ([]interface{}, error) {
		return []interface{}{value}, nil
	}, opts), nil
}

// Map derives a type by transforming each event into exactly one event
// of the new schema.
func (t *Type) Map(newSchema schema.Schema, f func(interface{}) interface{}, opts ...Option) *Type {
	return t.FlatMap(newSchema, func(value interface{}) []interface{} {
		return []interface{}{f(value)}
	}, opts...)
}

// FlatMap derives a type by transforming each event into zero or more
// events of the new schema.
func (t *Type) FlatMap(newSchema schema.Schema, f func(interface{}) []interface{}, opts ...Option) *Type {
	return t.derive(newSchema, func(value interface{}) ([]interface{}, error) {
		return f(value), nil
	}, opts)
}

// Filter derives a type keeping only events matching the predicate. The
// schema is unchanged, so the nonce is bumped automatically to keep the
// filtered topic distinct from the source.
func (t *Type) Filter(predicate func(interface{}) bool, opts ...Option) *Type {
	return t.derive(t.schema, func(value interface{}) ([]interface{}, error) {
		if predicate(value) {
			return []interface{}{value}, nil
		}
		return nil, nil
	}, opts)
}

// derive builds the successor type and appends the migrator that will
// populate its topic from this type's topic.
func (t *Type) derive(newSchema schema.Schema, transform func(interface{}) ([]interface{}, error), opts []Option) *Type {
	o := applyOptions(opts)
	nonce := o.nonce
	if !o.explicit {
		nonce = t.nonce
		if newSchema.String() == t.schema.String() {
			// identical schema strings would collide on the same topic
			nonce = t.nonce + 1
		}
	}

	next := &Type{
		name:      t.name,
		schema:    newSchema,
		nonce:     nonce,
		aggregate: t.aggregate,
	}

	migrator := &Migrator{
		source:      t,
		destination: func() *Type { return next },
		transform:   transform,
	}

	chain := make([]*Migrator, 0, len(t.migrators)+1)
	chain = append(chain, t.migrators...)
	chain = append(chain, migrator)
	next.migrators = chain
	return next
}
