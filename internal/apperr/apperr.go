// Package apperr classifies errors into the taxonomy of spec.md §7:
// Validation, Transient, DomainFailure, LostLease, Fatal. Each is a
// thin wrapper type so callers can branch with errors.As instead of
// string-matching, the same wrapping idiom the teacher uses throughout
// backend/s3/s3.go (fmt.Errorf("...: %w", err)).
package apperr

import "errors"

// Kind identifies which bucket of the taxonomy an error belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindDomainFailure
	KindLostLease
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindDomainFailure:
		return "domain_failure"
	case KindLostLease:
		return "lost_lease"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is an apperr-classified error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Validation marks a client-fault error — surfaced as HTTP 400, never
// retried.
func Validation(err error) error { return wrap(KindValidation, err) }

// Transient marks infrastructure errors eligible for retry (object
// store backoff, store write-conflict).
func Transient(err error) error { return wrap(KindTransient, err) }

// DomainFailure marks a durable domain-level failure (bad XLSX,
// missing fields, duplicate keys) — recorded as a row/task error,
// never retried.
func DomainFailure(err error) error { return wrap(KindDomainFailure, err) }

// LostLease marks a claim that another worker already owns — the
// caller should yield without treating it as a failure.
func LostLease(err error) error { return wrap(KindLostLease, err) }

// Fatal marks a startup configuration error — refuse to start.
func Fatal(err error) error { return wrap(KindFatal, err) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a classified error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
