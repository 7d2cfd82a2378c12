// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore/codec"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
)

// A Client represents an XMPP client capable of making a single
// client-to-server (C2S) connection to the configured domain at a time.
//
// All methods are safe for concurrent use by multiple goroutines.
type Client struct {
	opts      options
	domain    jid.JID
	transport Transport

	mu      sync.Mutex
	status  Status
	at      *attempt
	local   jid.JID
	lastErr error

	listeners listeners
	pending   pending
	pool      pool
	managers  registry
}

// New creates a new XMPP client that connects to domain using t.
// Only the domainpart of domain is used.
func New(domain jid.JID, t Transport, opts ...Option) *Client {
	return &Client{
		domain:    domain.Domain(),
		transport: t,
		opts:      getOpts(opts...),
	}
}

// Connect establishes the connection and negotiates the stream until the
// server offers authentication.
//
// If the client is already connected ErrAlreadyConnected is returned.
// If negotiation does not progress far enough within the connect timeout, or
// the connection fails, the transport is closed, the status becomes
// Disconnected, and the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case Connected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case Connecting, Closing:
		c.mu.Unlock()
		return fmt.Errorf("xmppcore: cannot connect while %s", c.status)
	}
	if c.at != nil {
		c.at.fail(ErrClosed)
	}
	at := newAttempt()
	c.at = at
	c.lastErr = nil
	c.local = jid.JID{}
	c.mu.Unlock()

	c.updateStatus(Connecting, nil)
	c.pool.start(c.opts.workers)
	c.opts.log.Printf("Establishing C2S connection to %s…", c.domain)

	err := c.transport.Connect(ctx, Stream{To: c.domain, Lang: c.opts.lang}, c)
	if err == nil {
		err = at.wait(ctx, at.saslReady, c.opts.connectTimeout, ErrNegotiationTimeout)
	}
	if err != nil {
		at.fail(err)
		c.setLastErr(err)
		/* #nosec */
		c.transport.Close(ctx)
		c.swapStatus(Connecting, Disconnected, err)
		return err
	}
	if !c.swapStatus(Connecting, Connected, nil) {
		// Closed or failed while we were waiting.
		if err = at.failure(); err == nil {
			err = ErrClosed
		}
		return err
	}
	return nil
}

// Close closes the stream and the transport.
// Any queries or logins that are in progress return ErrClosed.
// Calling Close on a client that is already closed is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.status == Closed || c.status == Closing {
		c.mu.Unlock()
		return nil
	}
	at := c.at
	c.mu.Unlock()

	c.updateStatus(Closing, nil)
	err := c.transport.Close(ctx)
	if at != nil {
		at.fail(ErrClosed)
	}
	c.pool.stop()
	c.updateStatus(Closed, nil)
	return err
}

// Send marshals v and writes it to the stream.
// v may be any value accepted by codec.Marshal, for example a stanza.IQ,
// stanza.Message, or an xml.TokenReader.
// If the client is not connected (or connecting) ErrNotConnected is returned.
func (c *Client) Send(ctx context.Context, v interface{}) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(ctx, b, stanzaName(v))
}

// SendElement writes the element read from r to the stream wrapped in start.
// For more information see Send.
func (c *Client) SendElement(ctx context.Context, r xml.TokenReader, start xml.StartElement) error {
	return c.Send(ctx, xmlstream.Wrap(r, start))
}

func (c *Client) send(ctx context.Context, b []byte, name string) error {
	switch c.Status() {
	case Connected, Connecting:
	default:
		return ErrNotConnected
	}
	if err := c.transport.Send(ctx, b); err != nil {
		return err
	}
	if name != "" && c.opts.observer != nil {
		c.opts.observer.StanzaSent(name)
	}
	return nil
}

// HandleElement routes an element read by the transport.
//
// Stanzas are delivered to listeners on the worker pool, features
// announcements and other negotiation elements are handed to the negotiators,
// and stream errors are returned so that the transport reports them through
// HandleError.
func (c *Client) HandleElement(v interface{}) (restart bool, err error) {
	at := c.attempt()
	if at == nil {
		return false, ErrNotConnected
	}

	switch codec.Classify(v) {
	case codec.KindStanza:
		if c.opts.observer != nil {
			c.opts.observer.StanzaReceived(stanzaName(v))
		}
		if iq, ok := v.(stanza.IQ); ok && !iq.IsRequest() {
			c.pending.fulfill(iq, c.LocalAddr(), c.domain)
		}
		c.dispatch(v)
		return false, nil
	case codec.KindFeatures:
		f, _ := v.(stream.Features)
		if p, ok := v.(*stream.Features); ok {
			f = *p
		}
		return c.negotiateFeatures(at, f)
	case codec.KindStreamError:
		se, _ := v.(stream.Error)
		if p, ok := v.(*stream.Error); ok {
			se = *p
		}
		return false, se
	}

	el, ok := v.(stream.Element)
	if !ok {
		return false, fmt.Errorf("xmppcore: unexpected element of type %T", v)
	}
	return c.negotiateElement(at, el)
}

// HandleError records a fatal error reported by the transport.
//
// Anything waiting on the current connection attempt is released and, if the
// client was connected, its status becomes Disconnected.
func (c *Client) HandleError(err error) {
	c.mu.Lock()
	at := c.at
	status := c.status
	c.mu.Unlock()

	c.setLastErr(err)
	if status != Closing && status != Closed {
		c.opts.log.Printf("xmppcore: connection to %s failed: %v", c.domain, err)
	}
	if at != nil {
		at.fail(err)
	}
	c.swapStatus(Connected, Disconnected, err)
}

func (c *Client) attempt() *attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *Client) setLastErr(err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// Status returns the current status of the client.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LocalAddr returns the address that was bound during login.
// Before resource binding has completed the zero JID is returned.
func (c *Client) LocalAddr() jid.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Domain returns the domain that the client connects to.
func (c *Client) Domain() jid.JID {
	return c.domain
}

// LastError returns the last fatal error that was reported on the connection.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Feature returns the named feature from the last features announcement
// received from the server.
func (c *Client) Feature(name xml.Name) (stream.Element, bool) {
	at := c.attempt()
	if at == nil {
		return stream.Element{}, false
	}
	return at.feature(name)
}

// Secure reports whether the connection is protected by TLS.
func (c *Client) Secure() bool {
	at := c.attempt()
	if at == nil {
		return false
	}
	_, ok := at.connectionState(c.transport)
	return ok
}

// stanzaName returns the local name of v if it is a stanza.
func stanzaName(v interface{}) string {
	switch v.(type) {
	case stanza.IQ, *stanza.IQ:
		return "iq"
	case stanza.Message, *stanza.Message:
		return "message"
	case stanza.Presence, *stanza.Presence:
		return "presence"
	}
	return ""
}
