// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"errors"
	"fmt"

	"mellium.im/xmppcore/stanza"
)

// Errors returned by the xmppcore package.
var (
	ErrAlreadyConnected   = errors.New("xmppcore: already connected")
	ErrNoDomain           = errors.New("xmppcore: no domain was configured")
	ErrNoResponse         = errors.New("xmppcore: no response received before the timeout")
	ErrInvalidIQType      = errors.New("xmppcore: only get and set IQs can be sent as queries")
	ErrNotConnected       = errors.New("xmppcore: not connected")
	ErrClosed             = errors.New("xmppcore: client closed")
	ErrNegotiationTimeout = errors.New("xmppcore: timed out waiting for stream negotiation")
	ErrTLSRequired        = errors.New("xmppcore: TLS is required but was not negotiated")
	ErrNoMechanism        = errors.New("xmppcore: no matching SASL mechanisms found")
)

// LoginErrorKind distinguishes the reasons a login can fail.
type LoginErrorKind uint8

const (
	// AuthFailed indicates that SASL authentication was rejected.
	AuthFailed LoginErrorKind = iota

	// BindFailed indicates that resource binding or session establishment was
	// rejected by the server.
	BindFailed

	// LoginTimeout indicates that the server did not offer resource binding in
	// time.
	LoginTimeout
)

// String satisfies fmt.Stringer.
func (k LoginErrorKind) String() string {
	switch k {
	case AuthFailed:
		return "authentication failed"
	case BindFailed:
		return "resource binding failed"
	case LoginTimeout:
		return "timed out"
	}
	return "unknown"
}

// LoginError is returned by Login when authentication or resource binding
// fails.
type LoginError struct {
	Kind LoginErrorKind
	Err  error
}

// Error satisfies the error interface.
func (e *LoginError) Error() string {
	if e.Err == nil {
		return "xmppcore: login " + e.Kind.String()
	}
	return fmt.Sprintf("xmppcore: login %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause of the login failure.
func (e *LoginError) Unwrap() error {
	return e.Err
}

// StanzaError is returned by Query when the response is an IQ of type error.
type StanzaError struct {
	IQ stanza.IQ
}

// Error satisfies the error interface.
func (e *StanzaError) Error() string {
	if se, ok := e.IQ.Err(); ok {
		return "xmppcore: error response to IQ " + e.IQ.ID + ": " + se.Error()
	}
	return "xmppcore: error response to IQ " + e.IQ.ID
}

// Unwrap returns the stanza error carried by the IQ, if any, so that it can be
// inspected with errors.As.
func (e *StanzaError) Unwrap() error {
	if se, ok := e.IQ.Err(); ok {
		return se
	}
	return nil
}
