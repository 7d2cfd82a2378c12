// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmppcore implements the client side of an XMPP session as defined in
// RFC 6120.
//
// A Client owns a single logical connection to a server over a Transport.
// The transports provided by the tcp and bosh packages carry the session over
// a persistent socket or over HTTP long polling respectively.
// The client performs stream feature negotiation (STARTTLS, stream
// compression, SASL, resource binding, and legacy session establishment),
// correlates IQ requests with their responses, and dispatches inbound stanzas
// to registered listeners.
//
// A typical session looks like this:
//
//	c := xmppcore.New(jid.MustParse("example.net"), tcp.New(tcp.Config{}))
//	err := c.Connect(ctx)
//	…
//	err = c.Login(ctx, "me", "password", "laptop")
//	…
//	resp, err := c.Query(ctx, iq, 10*time.Second)
//	…
//	err = c.Close(ctx)
//
// Be advised: This API is still unstable and is subject to change.
package xmppcore // import "mellium.im/xmppcore"
