// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"context"
	"encoding/xml"
	"errors"

	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
)

// binding does not bind a resource itself (Login does that) but tells Login
// that the server is ready for it to do so.
// It also records whether the server requires the legacy session
// establishment from RFC 3921 before releasing Login.
type binding struct{}

var sessionName = xml.Name{Space: ns.Session, Local: "session"}

func (binding) name() xml.Name { return xml.Name{Space: ns.Bind, Local: "bind"} }

func (binding) deferred() bool { return true }

func (binding) canProcess(stream.Element) bool { return false }

func (binding) process(_ *Client, at *attempt, _ stream.Element) (result, bool, error) {
	required := false
	if el, ok := at.feature(sessionName); ok {
		parsed := struct {
			Optional *struct{} `xml:"optional"`
		}{}
		if err := el.Decode(&parsed); err != nil {
			return failure, false, err
		}
		required = parsed.Optional == nil
	}
	at.mu.Lock()
	at.sessionRequired = required
	at.mu.Unlock()
	at.releaseBind()
	return incomplete, false, nil
}

type bindRequest struct {
	XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Resource string   `xml:"resource,omitempty"`
}

type bindResponse struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	JID     jid.JID  `xml:"jid"`
}

type sessionPayload struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-session session"`
}

// Login authenticates as username and binds a resource.
// If resource is empty the server generates one.
//
// If authentication fails a *LoginError of kind AuthFailed is returned.
// If the server does not offer resource binding within the bind timeout a
// *LoginError of kind LoginTimeout is returned, and if it rejects the resource
// (or the legacy session) a *LoginError of kind BindFailed is returned.
func (c *Client) Login(ctx context.Context, username, password, resource string) error {
	if c.domain.IsZero() {
		return ErrNoDomain
	}
	at := c.attempt()
	if at == nil || c.Status() != Connected {
		return ErrNotConnected
	}

	if err := c.authenticate(ctx, at, username, password); err != nil {
		return err
	}

	err := at.wait(ctx, at.bindReady, c.opts.bindTimeout, &LoginError{Kind: LoginTimeout})
	if err != nil {
		return err
	}
	local, err := c.bind(ctx, resource)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.local = local
	c.mu.Unlock()

	at.mu.Lock()
	sessionRequired := at.sessionRequired
	at.mu.Unlock()
	if sessionRequired {
		iq, err := stanza.NewIQ(stanza.SetIQ, jid.JID{}, sessionPayload{})
		if err != nil {
			return err
		}
		if _, err = c.Query(ctx, iq, 0); err != nil {
			return loginError(BindFailed, err)
		}
	}
	return nil
}

// bind requests a resource and returns the full address assigned by the
// server.
func (c *Client) bind(ctx context.Context, resource string) (jid.JID, error) {
	iq, err := stanza.NewIQ(stanza.SetIQ, jid.JID{}, bindRequest{Resource: resource})
	if err != nil {
		return jid.JID{}, err
	}
	resp, err := c.Query(ctx, iq, 0)
	if err != nil {
		return jid.JID{}, loginError(BindFailed, err)
	}
	var bound bindResponse
	if err = resp.Unmarshal(&bound); err != nil {
		return jid.JID{}, &LoginError{Kind: BindFailed, Err: err}
	}
	if bound.JID.IsZero() {
		return jid.JID{}, &LoginError{Kind: BindFailed, Err: errors.New("xmppcore: server did not return a bound address")}
	}
	return bound.JID, nil
}

// loginError wraps stanza errors and timeouts from a login query.
// Errors that end the connection are returned as is.
func loginError(kind LoginErrorKind, err error) error {
	var se *StanzaError
	if errors.As(err, &se) || errors.Is(err, ErrNoResponse) {
		return &LoginError{Kind: kind, Err: err}
	}
	return err
}
