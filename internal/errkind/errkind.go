// Package errkind defines the closed set of error kinds the ingest service
// reports across HTTP responses, progress snapshots, and logs.
package errkind

import "net/http"

// Kind is a machine-readable error category. The zero value is Unknown.
type Kind string

const (
	Unknown          Kind = ""
	InvalidInput     Kind = "invalid_input"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	Unauthorized     Kind = "unauthorized"
	Forbidden        Kind = "forbidden"
	TooManyRequests  Kind = "too_many_requests"
	ProbeFailed      Kind = "probe_failed"
	EncodeFailed     Kind = "encode_failed"
	UploadFailed     Kind = "upload_failed"
	StorageFailed    Kind = "storage_failed"
	MetadataFailed   Kind = "metadata_failed"
	Cancelled        Kind = "cancelled"
	Timeout          Kind = "timeout"
	Internal         Kind = "internal"
	ServiceDegraded  Kind = "service_unavailable"
)

// Error is the error type carried through the orchestrator, HTTP layer, and
// progress records. It satisfies the codedError/statusError contract the
// HTTP helpers in internal/api expect.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Code returns the machine-readable code used in JSON error envelopes.
func (e *Error) Code() string {
	if e == nil || e.Kind == Unknown {
		return "internal"
	}
	return string(e.Kind)
}

// StatusCode maps the error kind to an HTTP status.
func (e *Error) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case TooManyRequests:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	case ServiceDegraded:
		return http.StatusServiceUnavailable
	case ProbeFailed, EncodeFailed, UploadFailed, StorageFailed, MetadataFailed, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Of extracts the Kind carried by err, walking the Unwrap chain. It returns
// Unknown when no *Error is found.
func Of(err error) Kind {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			return ke.Kind
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return Unknown
}
