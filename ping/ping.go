// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ping implements XEP-0199: XMPP Ping.
//
// Importing the package registers an extension manager with every
// xmppcore.Client that answers pings from other entities.
// The manager is created the first time For is called.
package ping // import "mellium.im/xmppcore/ping"

import (
	"context"
	"encoding/xml"
	"errors"
	"time"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
)

// NS is the XML namespace used by XMPP pings. It is provided as a convenience.
const NS = `urn:xmpp:ping`

var name = xml.Name{Space: NS, Local: "ping"}

func init() {
	xmppcore.RegisterManager(NS, func(c *xmppcore.Client) interface{} {
		return newManager(c)
	})
}

// Payload returns the ping element sent in the body of a request.
func Payload() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: name})
}

// Manager answers and sends pings on behalf of a client.
type Manager struct {
	c          *xmppcore.Client
	unregister func()
}

func newManager(c *xmppcore.Client) *Manager {
	m := &Manager{c: c}
	m.unregister = c.HandleIQ(stanza.GetIQ, name, xmppcore.IQHandlerFunc(handle))
	return m
}

// An empty result is the only valid answer to a ping.
func handle(context.Context, stanza.IQ) (interface{}, error) {
	return nil, nil
}

// For returns the ping manager of c, creating it if necessary.
func For(c *xmppcore.Client) (*Manager, error) {
	return xmppcore.LookupManager[*Manager](c, NS)
}

// Ping sends a ping to the entity at to (or to the server if to is the zero
// JID) and returns the time it took to receive a reply.
//
// An entity that replies with service-unavailable or feature-not-implemented
// does not support pings but is reachable, so the round trip time is returned
// along with the *xmppcore.StanzaError.
func (m *Manager) Ping(ctx context.Context, to jid.JID, timeout time.Duration) (time.Duration, error) {
	iq, err := stanza.NewIQ(stanza.GetIQ, to, Payload())
	if err != nil {
		return 0, err
	}
	start := time.Now()
	_, err = m.c.Query(ctx, iq, timeout)
	rtt := time.Since(start)
	var se stanza.Error
	if err != nil && (!errors.As(err, &se) || !reachable(se)) {
		return 0, err
	}
	return rtt, err
}

func reachable(se stanza.Error) bool {
	return se.Condition == stanza.ServiceUnavailable || se.Condition == stanza.FeatureNotImplemented
}

// Stop stops answering pings.
// Pings can still be sent after Stop is called.
func (m *Manager) Stop() {
	m.unregister()
}
