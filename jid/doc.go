// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements XMPP addresses (historically called "Jabber ID's" or
// "JID's") as described in RFC 7622 and transformers for the escaping mechanism
// defined in XEP-0106: JID Escaping.
//
// A JID is an immutable value.
// Two JIDs that compare equal with == also compare equal with Equal, and JIDs
// may be used as map keys.
package jid // import "mellium.im/xmppcore/jid"
