// Package storage provides the backend adapters behind the memory tiers:
// key-value (Redis), relational (PostgreSQL), vector (Qdrant), graph (Neo4j),
// and full-text (Typesense). All adapters share one error taxonomy, one
// metrics surface, and a common connection lifecycle; tier-specific
// operations are expressed as capability interfaces.
package storage

import (
	"errors"
	"fmt"
)

// ErrorKind places an adapter failure into one of five families. Tiers and
// engines branch on the family, never on backend-specific error types.
type ErrorKind string

const (
	// KindConnection covers transport failures: dial errors, dropped
	// connections, pool exhaustion.
	KindConnection ErrorKind = "connection"
	// KindTimeout covers deadline and cancellation failures.
	KindTimeout ErrorKind = "timeout"
	// KindQuery covers requests the backend rejected: bad syntax, missing
	// collection, constraint violations.
	KindQuery ErrorKind = "query"
	// KindData covers caller-side validation failures detected before or
	// after the backend round-trip.
	KindData ErrorKind = "data"
	// KindNotFound covers lookups for ids that do not exist.
	KindNotFound ErrorKind = "not_found"
)

// Error is the uniform failure type returned by every adapter operation.
// It preserves the underlying backend error for unwrapping.
type Error struct {
	Kind    ErrorKind
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s error: %v", e.Backend, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error", e.Backend, e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a storage error of the given kind. A nil err is
// allowed for failures with no underlying cause (e.g. validation).
func NewError(kind ErrorKind, backend, op string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, Err: err}
}

// ConnectionErr tags err as a transport failure.
func ConnectionErr(backend, op string, err error) *Error {
	return NewError(KindConnection, backend, op, err)
}

// TimeoutErr tags err as a deadline failure.
func TimeoutErr(backend, op string, err error) *Error {
	return NewError(KindTimeout, backend, op, err)
}

// QueryErr tags err as rejected by the backend.
func QueryErr(backend, op string, err error) *Error {
	return NewError(KindQuery, backend, op, err)
}

// DataErr tags err as caller-side validation.
func DataErr(backend, op string, err error) *Error {
	return NewError(KindData, backend, op, err)
}

// NotFoundErr tags err as a missing-id lookup.
func NotFoundErr(backend, op string, err error) *Error {
	return NewError(KindNotFound, backend, op, err)
}

// KindOf extracts the error family from err, unwrapping as needed.
// Returns "" when err carries no storage error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsNotFound reports whether err is a missing-id failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsConnection reports whether err is a transport failure.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}

// IsData reports whether err is a validation failure.
func IsData(err error) bool {
	return KindOf(err) == KindData
}

// IsQuery reports whether err was rejected by the backend.
func IsQuery(err error) bool {
	return KindOf(err) == KindQuery
}
