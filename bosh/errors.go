// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"errors"
	"net/http"
)

// Terminal binding conditions defined in XEP-0124 §17.2 and XEP-0206.
const (
	BadRequest             = "bad-request"
	HostGone               = "host-gone"
	HostUnknown            = "host-unknown"
	ImproperAddressing     = "improper-addressing"
	InternalServerError    = "internal-server-error"
	ItemNotFound           = "item-not-found"
	OtherRequest           = "other-request"
	PolicyViolation        = "policy-violation"
	RemoteConnectionFailed = "remote-connection-failed"
	RemoteStreamError      = "remote-stream-error"
	SeeOtherURI            = "see-other-uri"
	SystemShutdown         = "system-shutdown"
	UndefinedCondition     = "undefined-condition"
)

var (
	// ErrClosed is returned when sending on a transport that has no session.
	ErrClosed = errors.New("bosh: session closed")

	// ErrNoSID is returned when the session creation response does not assign
	// a session ID.
	ErrNoSID = errors.New("bosh: connection manager did not assign a session ID")

	// ErrTooManyErrors is returned when the connection manager keeps answering
	// with recoverable errors after the requests have been sent again.
	ErrTooManyErrors = errors.New("bosh: too many recoverable errors")
)

// TerminalError is returned when the connection manager terminates the
// session, either with a terminal binding condition or an HTTP error status.
type TerminalError struct {
	// Condition is the terminal binding condition.
	// It is empty if the session was terminated without an error.
	Condition string

	// StatusCode is the HTTP status code if the session was terminated by an
	// HTTP error, otherwise it is zero.
	StatusCode int
}

func (e *TerminalError) Error() string {
	switch {
	case e.Condition == "":
		return "bosh: session terminated"
	case e.StatusCode != 0:
		return "bosh: session terminated: " + e.Condition + " (HTTP " + http.StatusText(e.StatusCode) + ")"
	}
	return "bosh: session terminated: " + e.Condition
}

// Is reports whether target is a *TerminalError with the same condition.
func (e *TerminalError) Is(target error) bool {
	t, ok := target.(*TerminalError)
	return ok && t.Condition == e.Condition
}

// conditionForStatus maps the HTTP status codes used by legacy connection
// managers to terminal binding conditions.
func conditionForStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return BadRequest
	case http.StatusForbidden:
		return PolicyViolation
	case http.StatusNotFound:
		return ItemNotFound
	}
	return UndefinedCondition
}
