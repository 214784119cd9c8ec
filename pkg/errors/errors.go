// Package errors provides centralized error handling for Eventflow
package errors

import (
	"fmt"
	"strings"
)

// Code represents an error code
type Code string

// Error codes
const (
	CodeSchemaViolation      Code = "SCHEMA_VIOLATION"
	CodeMissingAggregateKey  Code = "MISSING_AGGREGATE_KEY"
	CodeAggregateKeyConflict Code = "AGGREGATE_KEY_CONFLICT"
	CodeIngestorFailure      Code = "INGESTOR_FAILURE"
	CodeMigratorFailure      Code = "MIGRATOR_FAILURE"
	CodeSubstrateError       Code = "SUBSTRATE_ERROR"
	CodeCancelled            Code = "CANCELLED"
	CodeInternalError        Code = "INTERNAL_ERROR"
)

// FrameworkError represents an eventflow error
type FrameworkError struct {
	Code    Code
	Message string
	Details interface{}
	Err     error
}

// Error implements the error interface
func (e *FrameworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error
func (e *FrameworkError) WithDetails(details interface{}) *FrameworkError {
	e.Details = details
	return e
}

// WithError wraps an underlying error
func (e *FrameworkError) WithError(err error) *FrameworkError {
	e.Err = err
	return e
}

// NewError creates a new FrameworkError
func NewError(code Code, message string) *FrameworkError {
	return &FrameworkError{
		Code:    code,
		Message: message,
	}
}

// Violation is a node in a tree of schema validation failures. The cause
// list preserves the order in which the failures were discovered.
type Violation struct {
	Description string
	Causes      []*Violation
}

// NewViolation creates a leaf violation
func NewViolation(format string, args ...interface{}) *Violation {
	return &Violation{Description: fmt.Sprintf(format, args...)}
}

// Add appends child violations in order
func (v *Violation) Add(causes ...*Violation) *Violation {
	v.Causes = append(v.Causes, causes...)
	return v
}

// Error renders the violation tree with one indent level per nesting level
func (v *Violation) Error() string {
	var b strings.Builder
	v.render(&b, 0)
	return b.String()
}

func (v *Violation) render(b *strings.Builder, depth int) {
	if depth > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("  ", depth))
	}
	b.WriteString(v.Description)
	for _, c := range v.Causes {
		c.render(b, depth+1)
	}
}

// SchemaViolation creates a schema validation error carrying the violation tree
func SchemaViolation(v *Violation) *FrameworkError {
	return NewError(CodeSchemaViolation, "Schema validation failed").
		WithDetails(v).
		WithError(v)
}

// MissingAggregateKey creates an error for aggregate events without an id
func MissingAggregateKey(eventType string) *FrameworkError {
	return NewError(
		CodeMissingAggregateKey,
		fmt.Sprintf("Event of type %s has no id to derive an aggregate key from", eventType),
	)
}

// AggregateKeyConflict creates an error for caller-supplied keys inside an aggregate
func AggregateKeyConflict(eventType string) *FrameworkError {
	return NewError(
		CodeAggregateKeyConflict,
		fmt.Sprintf("Partition keys for %s are derived from the event id and cannot be supplied", eventType),
	)
}

// IngestorFailure wraps a read-model handler failure
func IngestorFailure(eventType string, err error) *FrameworkError {
	return NewError(
		CodeIngestorFailure,
		fmt.Sprintf("Ingestor for %s failed", eventType),
	).WithError(err)
}

// MigratorFailure wraps a migration transform or produce failure
func MigratorFailure(source, destination string, err error) *FrameworkError {
	return NewError(
		CodeMigratorFailure,
		fmt.Sprintf("Migration from %s to %s failed", source, destination),
	).WithError(err)
}

// Substrate wraps a transport error from a topic adapter
func Substrate(operation string, err error) *FrameworkError {
	return NewError(
		CodeSubstrateError,
		fmt.Sprintf("Substrate operation %s failed", operation),
	).WithError(err)
}

// Cancelled creates a cancellation error
func Cancelled(scope string) *FrameworkError {
	return NewError(
		CodeCancelled,
		fmt.Sprintf("%s cancelled", scope),
	)
}

// Wrap wraps an error with context
func Wrap(err error, message string) *FrameworkError {
	return NewError(CodeInternalError, message).WithError(err)
}

// CodeOf extracts the framework error code, or CodeInternalError for foreign errors
func CodeOf(err error) Code {
	if fe, ok := err.(*FrameworkError); ok {
		return fe.Code
	}
	return CodeInternalError
}

// IsSchemaViolation checks if error is a schema violation
func IsSchemaViolation(err error) bool {
	return CodeOf(err) == CodeSchemaViolation
}

// IsCancelled checks if error is a cancellation
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelled
}

// IsSubstrate checks if error is a substrate transport error
func IsSubstrate(err error) bool {
	return CodeOf(err) == CodeSubstrateError
}
