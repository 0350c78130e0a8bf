// Package apierr maps the gateway's error taxonomy onto HTTP status codes.
// Handlers return plain Go errors; the shared echo error handler is the
// only place that knows how a Kind becomes a status code.
package apierr

import "net/http"

// Kind identifies one of the error categories in the error-handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindBatchTooLarge
	KindUnsupportedCalcType
	KindUnknownOption
	KindInvalidTaskID
	KindResultNotFound
	KindBrokerUnavailable
	KindBackendUnavailable
	KindAuthFailure
	KindInsufficientScope
	// KindUpstreamOAuthError marks an OIDC provider rejection: the upstream
	// (Auth0) returned a non-2xx status for a token exchange. The gateway
	// forwards the upstream's own status code and body verbatim rather than
	// collapsing it to a generic auth failure.
	KindUpstreamOAuthError
)

// Error wraps an underlying cause with a Kind that the transport layer can
// dispatch on, plus a client-facing message. UpstreamStatus/UpstreamBody are
// only populated for KindUpstreamOAuthError, carrying the provider's raw
// response through to the client unchanged.
type Error struct {
	Kind           Kind
	Message        string
	Cause          error
	UpstreamStatus int
	UpstreamBody   string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap annotates cause with a Kind and message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WrapUpstream builds a KindUpstreamOAuthError carrying the provider's raw
// status and body alongside cause, so the transport layer can forward both
// instead of inventing its own status code.
func WrapUpstream(message string, status int, body string, cause error) *Error {
	return &Error{Kind: KindUpstreamOAuthError, Message: message, Cause: cause, UpstreamStatus: status, UpstreamBody: body}
}

// StatusFor returns the HTTP status code for err, falling back to 500 for
// anything that isn't a tagged *Error.
func StatusFor(err error) int {
	apiErr, ok := err.(*Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch apiErr.Kind {
	case KindBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedCalcType, KindUnknownOption, KindInvalidTaskID:
		return http.StatusUnprocessableEntity
	case KindResultNotFound:
		return http.StatusGone
	case KindBrokerUnavailable, KindBackendUnavailable:
		return http.StatusInternalServerError
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindUpstreamOAuthError:
		if apiErr.UpstreamStatus != 0 {
			return apiErr.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
