package chat

import "errors"

var (
	// ErrUnauthenticated: bad, missing or expired credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound: referenced identity or message is missing.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable: the bot responder failed or timed out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrValidation: malformed inbound payload.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence: store read or write failure.
	ErrPersistence = errors.New("persistence failure")
)

// ErrorClass groups errors by how the room reacts to them.
type ErrorClass int

const (
	ErrorClassUnknown ErrorClass = iota
	ErrorClassUnauthenticated
	ErrorClassNotFound
	ErrorClassUpstream
	ErrorClassValidation
	ErrorClassPersistence
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassUnauthenticated:
		return "unauthenticated"
	case ErrorClassNotFound:
		return "not_found"
	case ErrorClassUpstream:
		return "upstream_unavailable"
	case ErrorClassValidation:
		return "validation"
	case ErrorClassPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Classify maps an error to its class. Unwrapped errors are unknown.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrUnauthenticated):
		return ErrorClassUnauthenticated
	case errors.Is(err, ErrValidation):
		return ErrorClassValidation
	case errors.Is(err, ErrPersistence):
		return ErrorClassPersistence
	case errors.Is(err, ErrUpstreamUnavailable):
		return ErrorClassUpstream
	case errors.Is(err, ErrNotFound):
		return ErrorClassNotFound
	default:
		return ErrorClassUnknown
	}
}

// ProtocolEvent returns the outbound event name used to report err to the
// originating connection.
func ProtocolEvent(err error) string {
	if Classify(err) == ErrorClassUnauthenticated {
		return EventAuthError
	}
	return EventError
}
