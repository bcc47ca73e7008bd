// This file contains the hub error taxonomy. Every failure a client can observe is an *Error
// carrying a Reason; handshake failures close the connection, everything after the handshake
// is reported on the failing operation's reply.
package hub

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies an Error for clients and for errors.Is matching.
type Reason string

const (
	ReasonUnauthenticated Reason = "UNAUTHENTICATED"
	ReasonInvalidRoom     Reason = "INVALID_ROOM"
	ReasonNotAMember      Reason = "NOT_A_MEMBER"
	ReasonRoomFull        Reason = "ROOM_FULL"
	ReasonDeliveryTimeout Reason = "DELIVERY_TIMEOUT"
	ReasonTransport       Reason = "TRANSPORT_ERROR"
	ReasonBadRequest      Reason = "BAD_REQUEST"
	ReasonNotFound        Reason = "NOT_FOUND"
	ReasonInternal        Reason = "INTERNAL"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error represents a failure reported by the hub.
// It includes the room context (if applicable), a reason, an HTTP-like status code,
// whether the failure is temporary (retryable), and optional additional details.
type Error struct {
	Reason    Reason      `json:"reason"`
	Room      string      `json:"room,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

var (
	ErrUnauthenticated = &Error{Reason: ReasonUnauthenticated}
	ErrInvalidRoom     = &Error{Reason: ReasonInvalidRoom}
	ErrNotAMember      = &Error{Reason: ReasonNotAMember}
	ErrRoomFull        = &Error{Reason: ReasonRoomFull}
	ErrDeliveryTimeout = &Error{Reason: ReasonDeliveryTimeout}
	ErrTransport       = &Error{Reason: ReasonTransport}
)

func (e *Error) Error() string {
	if e.Room != "" {
		return fmt.Sprintf("Error in room %s: %s (reason: %s, code: %d)", e.Room, e.Message, e.Reason, e.Code)
	}
	return fmt.Sprintf("%s (reason: %s, code: %d)", e.Message, e.Reason, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same reason, so the exported
// sentinels match any error of their class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// ReasonOf extracts the Reason of err, or ReasonInternal for foreign errors.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Reason:    e.Reason,
			Room:      e.Room,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Reason:  ReasonInternal,
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func unauthenticated(message string) *Error {
	return &Error{
		Reason:  ReasonUnauthenticated,
		Message: message,
		Code:    StatusUnauthorized,
	}
}

func invalidRoom(room, message string) *Error {
	return &Error{
		Reason:  ReasonInvalidRoom,
		Room:    room,
		Message: message,
		Code:    StatusBadRequest,
	}
}

func notAMember(room, message string) *Error {
	return &Error{
		Reason:  ReasonNotAMember,
		Room:    room,
		Message: message,
		Code:    StatusForbidden,
	}
}

func roomFull(room string, limit int) *Error {
	return &Error{
		Reason:    ReasonRoomFull,
		Room:      room,
		Message:   "room has reached its member limit",
		Code:      StatusConflict,
		Temporary: true,
		Details:   map[string]int{"limit": limit},
	}
}

func deliveryTimeout(room, message string) *Error {
	return &Error{
		Reason:    ReasonDeliveryTimeout,
		Room:      room,
		Message:   message,
		Code:      StatusGatewayTimeout,
		Temporary: true,
	}
}

func transportError(message string) *Error {
	return &Error{
		Reason:    ReasonTransport,
		Message:   message,
		Code:      StatusServiceUnavailable,
		Temporary: true,
	}
}

func badRequest(room, message string) *Error {
	return &Error{
		Reason:  ReasonBadRequest,
		Room:    room,
		Message: message,
		Code:    StatusBadRequest,
	}
}

func notFound(key, message string) *Error {
	return &Error{
		Reason:  ReasonNotFound,
		Room:    key,
		Message: message,
		Code:    StatusNotFound,
	}
}

func conflict(key, message string) *Error {
	return &Error{
		Reason:  ReasonBadRequest,
		Room:    key,
		Message: message,
		Code:    StatusConflict,
	}
}

func internal(room, message string) *Error {
	return &Error{
		Reason:  ReasonInternal,
		Room:    room,
		Message: message,
		Code:    StatusInternalServerError,
	}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}

// errorPayload renders err for a reply or error event. Foreign errors are reported as
// internal without leaking their text.
func errorPayload(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return internal("", "internal error")
}
