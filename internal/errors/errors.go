// Package errors re-exports github.com/cockroachdb/errors and defines the
// error taxonomy shared by the store, the access gate, the runner and the
// HTTP surface.
//
// Layers wrap with context and mark with one of the sentinels below:
//
//	return errors.Mark(errors.Wrapf(err, "cancel task %d", id), errors.ErrNotFound)
//
// The HTTP layer maps the sentinel to a status code and uses the first hint,
// when present, as the client-facing message.
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

var (
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinels. Check with errors.Is after any amount of wrapping.
var (
	// ErrInvalidArgument is bad or missing input, e.g. a malformed or past date.
	ErrInvalidArgument = New("invalid argument")

	// ErrUnauthorized is a missing or unknown credential, or an inactive tenant.
	ErrUnauthorized = New("unauthorized")

	// ErrNotFound is an absent row, or a row in the wrong state for the transition.
	ErrNotFound = New("not found")

	// ErrConflict is a uniqueness violation.
	ErrConflict = New("resource conflict")

	// ErrUpstreamUnavailable is a failed or timed out call to an external API.
	ErrUpstreamUnavailable = New("upstream unavailable")

	// ErrInternal is a datastore failure or anything unexpected.
	ErrInternal = New("internal error")
)

// Invalidf builds an ErrInvalidArgument carrying a client-facing hint.
func Invalidf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return WithHint(Mark(New(msg), ErrInvalidArgument), msg)
}

// NotFoundf builds an ErrNotFound carrying a client-facing hint.
func NotFoundf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return WithHint(Mark(New(msg), ErrNotFound), msg)
}

// Unauthorizedf builds an ErrUnauthorized carrying a client-facing hint.
func Unauthorizedf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return WithHint(Mark(New(msg), ErrUnauthorized), msg)
}

// UpstreamError is a non-2xx or failed response from an external API.
// Status is zero when the request never produced a response.
type UpstreamError struct {
	Service string
	Status  int
	Body    []byte
	cause   error
}

// NewUpstreamError marks the returned error with ErrUpstreamUnavailable.
func NewUpstreamError(service string, status int, body []byte, cause error) error {
	return Mark(&UpstreamError{Service: service, Status: status, Body: body, cause: cause}, ErrUpstreamUnavailable)
}

func (e *UpstreamError) Error() string {
	switch {
	case e.cause != nil && e.Status != 0:
		return fmt.Sprintf("%s upstream status %d: %v", e.Service, e.Status, e.cause)
	case e.cause != nil:
		return fmt.Sprintf("%s upstream: %v", e.Service, e.cause)
	default:
		return fmt.Sprintf("%s upstream status %d", e.Service, e.Status)
	}
}

func (e *UpstreamError) Unwrap() error { return e.cause }

// UpstreamStatus returns the upstream HTTP status carried by err, if any.
func UpstreamStatus(err error) (int, bool) {
	var ue *UpstreamError
	if As(err, &ue) && ue.Status != 0 {
		return ue.Status, true
	}
	return 0, false
}
