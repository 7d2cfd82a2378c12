// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mellium.im/xmppcore/internal/attr"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
)

// Query sends an IQ request and blocks until the response is received.
//
// Only IQs of type get or set can be sent as queries, otherwise
// ErrInvalidIQType is returned.
// If the IQ has no ID a random one is assigned.
// If no response is received before timeout ErrNoResponse is returned.
// A timeout of zero uses the QueryTimeout option.
// If the response is of type error it is returned along with a *StanzaError
// that carries it.
//
// Responses that arrive after Query has returned are not associated with the
// request but are still delivered to OnIQ listeners.
// If the connection fails or the client is closed while waiting the
// corresponding error is returned.
func (c *Client) Query(ctx context.Context, iq stanza.IQ, timeout time.Duration) (stanza.IQ, error) {
	if !iq.IsRequest() {
		return stanza.IQ{}, ErrInvalidIQType
	}
	if iq.ID == "" {
		iq.ID = attr.RandomID()
	}
	if timeout <= 0 {
		timeout = c.opts.queryTimeout
	}
	at := c.attempt()
	if at == nil {
		return stanza.IQ{}, ErrNotConnected
	}

	ch, err := c.pending.register(iq.ID, iq.To)
	if err != nil {
		return stanza.IQ{}, err
	}
	defer c.pending.remove(iq.ID)

	if err = c.Send(ctx, iq); err != nil {
		return stanza.IQ{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Type == stanza.ErrorIQ {
			c.queryDone("error")
			return resp, &StanzaError{IQ: resp}
		}
		c.queryDone("result")
		return resp, nil
	case <-timer.C:
		c.queryDone("timeout")
		return stanza.IQ{}, ErrNoResponse
	case <-at.failed:
		return stanza.IQ{}, at.err
	case <-ctx.Done():
		return stanza.IQ{}, ctx.Err()
	}
}

func (c *Client) queryDone(outcome string) {
	if c.opts.observer != nil {
		c.opts.observer.QueryDone(outcome)
	}
}

type query struct {
	to jid.JID
	ch chan stanza.IQ
}

// pending tracks queries that are waiting for a response.
type pending struct {
	mu sync.Mutex
	m  map[string]query
}

func (p *pending) register(id string, to jid.JID) (<-chan stanza.IQ, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]query)
	}
	if _, ok := p.m[id]; ok {
		return nil, fmt.Errorf("xmppcore: a query with id %q is already waiting for a response", id)
	}
	q := query{to: to, ch: make(chan stanza.IQ, 1)}
	p.m[id] = q
	return q.ch, nil
}

func (p *pending) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, id)
}

// len returns the number of queries that are waiting for a response.
func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// fulfill delivers iq to the query with the same ID, if any.
// The response must come from the address the query was sent to.
// Queries sent with no address are answered by the server on behalf of the
// account, so responses may come from the bare or full local address, the
// domain, or have no from address at all.
func (p *pending) fulfill(iq stanza.IQ, local, domain jid.JID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.m[iq.ID]
	if !ok {
		return false
	}
	if q.to.IsZero() {
		switch {
		case iq.From.IsZero(), iq.From.Equal(domain), iq.From.Equal(local), iq.From.Equal(local.Bare()):
		default:
			return false
		}
	} else if !iq.From.Equal(q.to) {
		return false
	}
	delete(p.m, iq.ID)
	q.ch <- iq
	return true
}
