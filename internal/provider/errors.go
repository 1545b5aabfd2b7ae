package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a driver error for retry policy.
type Kind int

const (
	// KindTransient errors resolve on their own; the caller retries with
	// backoff. Network timeouts and rate limits land here.
	KindTransient Kind = iota
	// KindPermanent errors will not resolve without operator action, such
	// as bad credentials or an invalid instance type.
	KindPermanent
	// KindNotFound means the resource does not exist at the provider.
	KindNotFound
	// KindOutOfStock means the requested type has no capacity in the zone.
	// Retryable, but worth distinguishing for alerting.
	KindOutOfStock
)

// Error is a classified driver failure.
type Error struct {
	Kind Kind
	Op   string // "create", "delete", ...
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsTransient reports whether err is worth retrying. Unclassified errors
// count as transient so an unexpected failure never permanently fails an
// instance on the first try.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	if !ok {
		return true
	}
	return k == KindTransient || k == KindOutOfStock
}

// IsOutOfStock reports whether err is a capacity shortage.
func IsOutOfStock(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindOutOfStock
}
