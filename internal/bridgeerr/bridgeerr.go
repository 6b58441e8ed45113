// Package bridgeerr defines the caller-visible error kinds as typed,
// wrappable sentinels, the same way internal/ap's ErrGone and ErrActorGone
// let callers errors.Is/As their way to a decision instead of
// string-matching messages.
package bridgeerr

import "fmt"

// Kind classifies an error for the three choke points (protocol discovery,
// receive, send) that convert raised errors into a response.
type Kind int

const (
	// Validation is a caller-visible 4xx: missing id/actor, blocklisted id,
	// unsupported verb, unauthorized actor, unknown protocol.
	Validation Kind = iota
	// IdempotentNoop means no work was needed: already-seen activity,
	// unchanged object, or an already-finalized delivery target. Surfaced
	// as 204.
	IdempotentNoop
	// RemoteTransient is an HTTP/network failure during fetch or send;
	// the loader returns none, the sender records a per-target failure and
	// relies on task retry.
	RemoteTransient
	// Gateway is a remote returning a definitive failure (e.g. a proxy
	// error) during for_id discovery; it aborts further candidates.
	Gateway
	// InternalSynthetic is any other raised condition from a plugin; it is
	// logged and the next candidate plugin is tried.
	InternalSynthetic
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case IdempotentNoop:
		return "idempotent_noop"
	case RemoteTransient:
		return "remote_transient"
	case Gateway:
		return "gateway"
	case InternalSynthetic:
		return "internal_synthetic"
	}
	return "unknown"
}

// Error is a Kind-tagged error carrying the HTTP status the framework should
// surface at the choke point where it's caught.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a Validation error with the given HTTP status.
func Validationf(status int, format string, args ...any) error {
	return &Error{Kind: Validation, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Noop builds an IdempotentNoop error, always surfaced as 204.
func Noop(message string) error {
	return &Error{Kind: IdempotentNoop, Status: 204, Message: message}
}

// Transient wraps err as a RemoteTransient error.
func Transient(message string, err error) error {
	return &Error{Kind: RemoteTransient, Status: 502, Message: message, Err: err}
}

// GatewayErr wraps err as a Gateway error — a definitive remote failure that
// aborts further protocol-discovery attempts for the current id.
func GatewayErr(message string, err error) error {
	return &Error{Kind: Gateway, Status: 502, Message: message, Err: err}
}

// Internal wraps err as an InternalSynthetic error — logged, and the next
// candidate plugin is tried rather than aborting.
func Internal(message string, err error) error {
	return &Error{Kind: InternalSynthetic, Status: 500, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to InternalSynthetic for any
// error the framework didn't itself construct.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return InternalSynthetic
}

// StatusOf extracts the HTTP status to surface for err.
func StatusOf(err error) int {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Status
	}
	return 500
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
