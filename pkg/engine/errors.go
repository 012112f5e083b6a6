package engine

import (
	"github.com/docker/docker/errdefs"
)

// Kind classifies a Gateway error so callers can decide which failures are
// fatal and which are scoped to a single item, per spec §7.
type Kind int

const (
	Other Kind = iota
	NotFound
	Conflict
	Auth
	Transport
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Auth:
		return "Auth"
	case Transport:
		return "Transport"
	default:
		return "Other"
	}
}

// Error wraps a Docker engine error with its classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps a raw docker client error to a Kind using errdefs, the
// Docker SDK's own error-classification package.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	kind := Other

	switch {
	case errdefs.IsNotFound(err):
		kind = NotFound
	case errdefs.IsConflict(err):
		kind = Conflict
	case errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err):
		kind = Auth
	case errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) || errdefs.IsCancelled(err):
		kind = Transport
	}

	return &Error{Kind: kind, Op: op, Err: err}
}
