package relay

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every per-event failure wraps exactly one of these so the
// router can report a stable code to the originating connection.
var (
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrNotSubscribed           = errors.New("not subscribed")
	ErrMalformedEvent          = errors.New("malformed event")
	ErrBackpressureExceeded    = errors.New("backpressure exceeded")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrRateLimited             = errors.New("rate limited")

	// ErrConnectionClosed is returned for work attempted on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrHubStopped is returned when a broadcast is attempted after shutdown.
	ErrHubStopped = errors.New("hub stopped")
)

// Code is the wire representation of an error kind.
type Code string

const (
	CodeUnauthenticated         Code = "unauthenticated"
	CodeUnauthorized            Code = "unauthorized"
	CodeNotSubscribed           Code = "not_subscribed"
	CodeMalformedEvent          Code = "malformed_event"
	CodeBackpressureExceeded    Code = "backpressure_exceeded"
	CodeCollaboratorUnavailable Code = "collaborator_unavailable"
	CodeRateLimited             Code = "rate_limited"
	CodeInternal                Code = "internal"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrNotSubscribed, CodeNotSubscribed},
	{ErrMalformedEvent, CodeMalformedEvent},
	{ErrBackpressureExceeded, CodeBackpressureExceeded},
	{ErrCollaboratorUnavailable, CodeCollaboratorUnavailable},
	{ErrRateLimited, CodeRateLimited},
}

// CodeOf maps err onto its wire code.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Rejection is a recoverable, per-event failure. It is reported to the
// originator only and never closes the connection.
type Rejection struct {
	Kind   error
	Event  string
	Room   RoomID
	Reason string
}

func reject(kind error, event string, room RoomID, format string, args ...any) *Rejection {
	return &Rejection{
		Kind:   kind,
		Event:  event,
		Room:   room,
		Reason: fmt.Sprintf(format, args...),
	}
}

func (r *Rejection) Error() string {
	if r.Room != "" {
		return fmt.Sprintf("%s %s: %v: %s", r.Event, r.Room, r.Kind, r.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", r.Event, r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Kind
}
