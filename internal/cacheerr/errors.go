// Package cacheerr holds the error taxonomy shared by every tile cache
// component. Validation and quota errors are produced before any I/O starts;
// network and storage errors are produced per task and carry their cause.
package cacheerr

import (
	"errors"
	"fmt"
)

// ValidationError reports bad coordinates, an unknown layer or a malformed
// layer descriptor.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid creates a ValidationError for field.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// QuotaExceededError is returned when a seed request enumerates more tiles
// than the configured cap.
type QuotaExceededError struct {
	Layer     string
	Requested int
	Limit     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("layer %s: %d tiles requested, limit is %d", e.Layer, e.Requested, e.Limit)
}

// NetworkKind separates the ways a tile fetch can fail.
type NetworkKind int

const (
	// KindConnection covers transport failures: DNS, refused connections, timeouts.
	KindConnection NetworkKind = iota
	// KindNotFound means the server answered but has no tile (404, 410, empty body).
	KindNotFound
	// KindInvalidURL means the resolved URL could not be requested at all.
	KindInvalidURL
	// KindStatus is any other non-2xx answer.
	KindStatus
)

func (k NetworkKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindNotFound:
		return "not found"
	case KindInvalidURL:
		return "invalid url"
	case KindStatus:
		return "bad status"
	}
	return "unknown"
}

// NetworkError wraps a failed tile fetch.
type NetworkError struct {
	Kind       NetworkKind
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IOError wraps a storage failure.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IO wraps err as an IOError unless it is nil or already one.
func IO(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Key: key, Err: err}
}

// ConflictError is returned when a layer already has a running seed session,
// or is held by a clear. SessionID is empty in the second case.
type ConflictError struct {
	Layer     string
	SessionID string
}

func (e *ConflictError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("layer %s is being cleared", e.Layer)
	}
	return fmt.Sprintf("layer %s is already being seeded by session %s", e.Layer, e.SessionID)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsQuota(err error) bool {
	var target *QuotaExceededError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsIO(err error) bool {
	var target *IOError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NetworkError of kind KindNotFound.
func IsNotFound(err error) bool {
	var target *NetworkError
	return errors.As(err, &target) && target.Kind == KindNotFound
}

// NetworkKindOf returns the kind of the wrapped NetworkError, if any.
func NetworkKindOf(err error) (NetworkKind, bool) {
	var target *NetworkError
	if errors.As(err, &target) {
		return target.Kind, true
	}
	return 0, false
}
