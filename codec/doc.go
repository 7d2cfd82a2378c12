// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package codec converts between the bytes of an XMPP stream and the values of
// the stanza and stream packages.
//
// Decode turns one first-level element into a stanza.IQ, stanza.Message,
// stanza.Presence, stream.Features, stream.Error, or stream.Element.
// Classify sorts those values into the four kinds that a connection routes on.
// Marshal turns a value back into bytes that are valid both directly inside an
// XML stream and inside a BOSH wrapper element.
package codec // import "mellium.im/xmppcore/codec"
