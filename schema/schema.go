// Package schema provides recursive runtime type descriptors for event
// payloads. A schema validates dynamic values and renders a canonical
// textual form which is the contract used for content-addressing topics:
// two schemas produce the same string iff they are structurally equal.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/northstack/eventflow/pkg/errors"
)

// Schema describes the shape of an event payload. Values are dynamic:
// records are map[string]interface{}, arrays are []interface{}, numbers
// are float64 (integer values are accepted and treated as numbers),
// bytes are []byte.
type Schema interface {
	// String renders the canonical textual form
	String() string
	// Validate checks value against the schema, returning a violation
	// tree on mismatch
	Validate(value interface{}) *errors.Violation

	render(b *strings.Builder, indent int)
}

// Primitive schemas
var (
	String  Schema = primitive("String")
	Number  Schema = primitive("Number")
	Boolean Schema = primitive("Boolean")
	Bytes   Schema = primitive("Bytes")
)

type primitive string

func (p primitive) String() string { return string(p) }

func (p primitive) render(b *strings.Builder, indent int) { b.WriteString(string(p)) }

func (p primitive) Validate(value interface{}) *errors.Violation {
	switch p {
	case "String":
		if _, ok := value.(string); !ok {
			return errors.NewViolation("expected a String, got %s", describe(value))
		}
	case "Number":
		if _, ok := AsNumber(value); !ok {
			return errors.NewViolation("expected a Number, got %s", describe(value))
		}
	case "Boolean":
		if _, ok := value.(bool); !ok {
			return errors.NewViolation("expected a Boolean, got %s", describe(value))
		}
	case "Bytes":
		if _, ok := value.([]byte); !ok {
			return errors.NewViolation("expected Bytes, got %s", describe(value))
		}
	}
	return nil
}

// OptionalSchema accepts nil or a value matching the inner schema
type OptionalSchema struct {
	Inner Schema
}

// Optional wraps a schema so that nil (or an absent record key) is accepted
func Optional(inner Schema) Schema {
	if _, ok := inner.(*OptionalSchema); ok {
		return inner
	}
	return &OptionalSchema{Inner: inner}
}

func (s *OptionalSchema) String() string { return renderString(s) }

func (s *OptionalSchema) render(b *strings.Builder, indent int) {
	s.Inner.render(b, indent)
	b.WriteString("?")
}

func (s *OptionalSchema) Validate(value interface{}) *errors.Violation {
	if value == nil {
		return nil
	}
	return s.Inner.Validate(value)
}

// ArraySchema accepts []interface{} whose elements match the element schema
type ArraySchema struct {
	Elem Schema
}

// Array describes a homogeneous list
func Array(elem Schema) Schema { return &ArraySchema{Elem: elem} }

func (s *ArraySchema) String() string { return renderString(s) }

func (s *ArraySchema) render(b *strings.Builder, indent int) {
	s.Elem.render(b, indent)
	b.WriteString("[]")
}

func (s *ArraySchema) Validate(value interface{}) *errors.Violation {
	items, ok := value.([]interface{})
	if !ok {
		return errors.NewViolation("expected an array, got %s", describe(value))
	}
	var causes []*errors.Violation
	for i, item := range items {
		if v := s.Elem.Validate(item); v != nil {
			causes = append(causes, errors.NewViolation("invalid element %d", i).Add(v))
		}
	}
	return collect("invalid array", causes)
}

// Field is a named record member. Order is significant for the canonical
// string form.
type Field struct {
	Name   string
	Schema Schema
}

// RecordSchema accepts map[string]interface{} with the declared fields.
// Fields with an Optional schema may be absent or nil.
type RecordSchema struct {
	fields []Field
}

// Record describes a keyed record with the given fields in order.
// Field names must be non-empty.
func Record(fields ...Field) *RecordSchema {
	for _, f := range fields {
		if f.Name == "" {
			panic("schema: record field names must be non-empty")
		}
	}
	return &RecordSchema{fields: fields}
}

// Fields returns the declared fields in order
func (s *RecordSchema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the schema of the named field
func (s *RecordSchema) Field(name string) (Schema, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f.Schema, true
		}
	}
	return nil, false
}

// WithFields returns a new record with the given fields appended.
// Redeclaring an existing field replaces its schema in place.
func (s *RecordSchema) WithFields(fields ...Field) *RecordSchema {
	merged := s.Fields()
	for _, nf := range fields {
		replaced := false
		for i, f := range merged {
			if f.Name == nf.Name {
				merged[i] = nf
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, nf)
		}
	}
	return Record(merged...)
}

// WithoutFields returns a new record with the named fields removed
func (s *RecordSchema) WithoutFields(names ...string) *RecordSchema {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var kept []Field
	for _, f := range s.fields {
		if !drop[f.Name] {
			kept = append(kept, f)
		}
	}
	return Record(kept...)
}

// WithOptionalFields returns a new record with the named fields wrapped
// in Optional
func (s *RecordSchema) WithOptionalFields(names ...string) *RecordSchema {
	wrap := make(map[string]bool, len(names))
	for _, n := range names {
		wrap[n] = true
	}
	out := s.Fields()
	for i, f := range out {
		if wrap[f.Name] {
			out[i] = Field{Name: f.Name, Schema: Optional(f.Schema)}
		}
	}
	return Record(out...)
}

func (s *RecordSchema) String() string { return renderString(s) }

func (s *RecordSchema) render(b *strings.Builder, indent int) {
	b.WriteString("{")
	for _, f := range s.fields {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("  ", indent+1))
		b.WriteString(f.Name)
		b.WriteString(": ")
		f.Schema.render(b, indent+1)
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString("}")
}

func (s *RecordSchema) Validate(value interface{}) *errors.Violation {
	record, ok := value.(map[string]interface{})
	if !ok {
		return errors.NewViolation("expected a record, got %s", describe(value))
	}

	var causes []*errors.Violation
	for _, f := range s.fields {
		v, present := record[f.Name]
		if !present {
			if _, optional := f.Schema.(*OptionalSchema); optional {
				continue
			}
			causes = append(causes, errors.NewViolation("missing required %q", f.Name))
			continue
		}
		if violation := f.Schema.Validate(v); violation != nil {
			causes = append(causes, errors.NewViolation("invalid value for %q", f.Name).Add(violation))
		}
	}
	extra := make([]string, 0, len(record))
	for key := range record {
		if _, declared := s.Field(key); !declared {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		causes = append(causes, errors.NewViolation("unexpected field %q", key))
	}
	return collect("invalid record", causes)
}

// UnionSchema accepts values matching any of its members
type UnionSchema struct {
	members []Schema
}

// Union describes a value matching one of the member schemas. Nested
// unions are flattened for a stable string form.
func Union(members ...Schema) Schema {
	var flat []Schema
	for _, m := range members {
		if u, ok := m.(*UnionSchema); ok {
			flat = append(flat, u.members...)
		} else {
			flat = append(flat, m)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &UnionSchema{members: flat}
}

// Or builds a union of the two schemas
func Or(a, b Schema) Schema { return Union(a, b) }

// Members returns the union members in order
func (s *UnionSchema) Members() []Schema {
	out := make([]Schema, len(s.members))
	copy(out, s.members)
	return out
}

func (s *UnionSchema) String() string { return renderString(s) }

func (s *UnionSchema) render(b *strings.Builder, indent int) {
	for i, m := range s.members {
		if i > 0 {
			b.WriteString(" | ")
		}
		m.render(b, indent)
	}
}

func (s *UnionSchema) Validate(value interface{}) *errors.Violation {
	var causes []*errors.Violation
	for _, m := range s.members {
		v := m.Validate(value)
		if v == nil {
			return nil
		}
		causes = append(causes, v)
	}
	return errors.NewViolation("no union member matched").Add(causes...)
}

// collect folds violations per the error-tree rules: none means valid, a
// single violation propagates directly, two or more are grouped under a
// parent preserving order.
func collect(description string, causes []*errors.Violation) *errors.Violation {
	switch len(causes) {
	case 0:
		return nil
	case 1:
		return causes[0]
	default:
		return errors.NewViolation("%s", description).Add(causes...)
	}
}

func renderString(s Schema) string {
	var b strings.Builder
	s.render(&b, 0)
	return b.String()
}

// AsNumber coerces Go numeric kinds to float64
func AsNumber(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func describe(value interface{}) string {
	if value == nil {
		return "null"
	}
	return fmt.Sprintf("%T", value)
}
