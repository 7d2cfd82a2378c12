// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"context"
	"crypto/tls"

	"mellium.im/xmppcore/compress"
	"mellium.im/xmppcore/jid"
)

// Stream contains the attributes that a transport sends in the stream header
// (or the BOSH session creation request).
type Stream struct {
	To   jid.JID
	From jid.JID
	Lang string
}

// Handler receives the elements and errors read by a transport.
// Client implements Handler.
//
// HandleElement is called with each first-level element as returned by
// codec.Decode, in the order they were received.
// If restart is true, the transport must restart the stream before reading
// any further elements.
// Any error returned is fatal to the connection and the transport is expected
// to report it through HandleError.
//
// HandleError is called with I/O errors, received stream errors, and errors
// returned by HandleElement.
type Handler interface {
	HandleElement(v interface{}) (restart bool, err error)
	HandleError(err error)
}

// Transport carries an XML stream between a client and a server.
// The tcp and bosh packages provide implementations.
//
// Connect establishes the underlying channel, opens the stream and starts
// delivering inbound elements to h.
// Send writes an already serialized element.
// RestartStream opens a new stream on the existing channel.
// Close closes the stream and releases the underlying channel.
//
// Transports may additionally implement TLSUpgrader, Compressor, and
// ConnectionStater.
type Transport interface {
	Connect(ctx context.Context, s Stream, h Handler) error
	Send(ctx context.Context, b []byte) error
	RestartStream(ctx context.Context) error
	Close(ctx context.Context) error
}

// TLSUpgrader is implemented by transports that can negotiate TLS on the
// existing connection (STARTTLS).
// StartTLS is called after the server has agreed to proceed and must complete
// the handshake before returning.
type TLSUpgrader interface {
	StartTLS(ctx context.Context, config *tls.Config) (tls.ConnectionState, error)
}

// Compressor is implemented by transports that support stream compression.
// Compress is called after the server has confirmed that compression has
// started and must wrap the connection in both directions before returning.
type Compressor interface {
	Compress(m compress.Method) error
}

// ConnectionStater is implemented by transports that can be secured by other
// means than STARTTLS, for example BOSH over HTTPS.
// If ok is false the transport is not secured.
type ConnectionStater interface {
	ConnectionState() (state tls.ConnectionState, ok bool)
}
