package occupancy

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies service failures so the transport layer can map
// them to status codes without string matching.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindValidation        ErrorKind = "validation"
	KindBedBlocked        ErrorKind = "bed_blocked"
	KindSessionConflict   ErrorKind = "session_conflict"
	KindNoActiveOccupancy ErrorKind = "no_active_occupancy"
	KindTransitionInvalid ErrorKind = "transition_invalid"
)

// Error is the typed error returned by the lifecycle service.
type Error struct {
	Kind    ErrorKind
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

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindNoActiveOccupancy:
		return http.StatusBadRequest
	case KindBedBlocked, KindSessionConflict, KindTransitionInvalid:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// IsKind reports whether err is an occupancy Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
