package activitypub

import (
	"errors"
	"net/http"
)

// ErrorKind classifies federation failures by how the peer should react.
type ErrorKind int

const (
	KindClient ErrorKind = iota + 1
	KindAuth
	KindNotFound
	KindUnsupported
	KindUpstreamUnavailable
	KindProcessing
)

func (k ErrorKind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindProcessing:
		return "processing"
	}
	return "unknown"
}

var (
	ErrActorNotFound        = errors.New("remote actor not found")
	ErrActorUnavailable     = errors.New("remote actor unavailable")
	ErrInvalidActorDocument = errors.New("invalid actor document")
	ErrMalformedSignature   = errors.New("malformed signature header")
	ErrMissingSignedHeader  = errors.New("signed header missing from request")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrNoSigningKey         = errors.New("webstead has no signing key")
)

// Error is returned by the protocol components. Message is safe to show to
// the remote peer; Err carries the internal cause for logging.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to a response status. AuthError carries its own
// status because a missing header (400) and a bad signature (401) differ.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindClient:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUnsupported:
		return http.StatusNotImplemented
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

// StatusOf returns the HTTP status for err; anything that is not an *Error
// is a processing failure.
func StatusOf(err error) int {
	var apErr *Error
	if errors.As(err, &apErr) {
		return apErr.HTTPStatus()
	}
	return http.StatusUnprocessableEntity
}

// MessageOf returns the peer-facing message for err.
func MessageOf(err error) string {
	var apErr *Error
	if errors.As(err, &apErr) {
		return apErr.Message
	}
	return "Failed to process activity"
}

func clientError(msg string, err error) *Error {
	return &Error{Kind: KindClient, Message: msg, Err: err}
}

func authError(status int, msg string, err error) *Error {
	return &Error{Kind: KindAuth, Status: status, Message: msg, Err: err}
}

func notFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func unsupportedError(msg string) *Error {
	return &Error{Kind: KindUnsupported, Message: msg}
}

func upstreamError(msg string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: msg, Err: err}
}

func processingError(msg string, err error) *Error {
	return &Error{Kind: KindProcessing, Message: msg, Err: err}
}
