// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains the envelopes of the three XMPP stanza types (IQ,
// message, and presence) and stanza errors.
//
// The payload of a stanza is kept as raw inner XML and is not interpreted by
// this package beyond the name of the first child element, which is used to
// route IQs to handlers.
// When a stanza is marshaled with the codec package it is placed in the
// jabber:client namespace.
package stanza // import "mellium.im/xmppcore/stanza"
