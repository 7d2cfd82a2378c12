// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"context"
	"encoding/xml"
	"errors"
	"runtime/debug"
	"sync"

	"mellium.im/xmppcore/internal/marshal"
	"mellium.im/xmppcore/stanza"
)

// IQHandler responds to IQ requests.
//
// The returned payload is encoded as the child of a result IQ following the
// rules of codec.Marshal (a nil payload results in an empty result).
// If the returned error is a stanza.Error it is sent in an error reply,
// otherwise an internal-server-error is sent in its place.
type IQHandler interface {
	HandleIQ(ctx context.Context, iq stanza.IQ) (payload interface{}, err error)
}

// IQHandlerFunc is a function that can be registered as an IQHandler.
type IQHandlerFunc func(ctx context.Context, iq stanza.IQ) (interface{}, error)

// HandleIQ calls f(ctx, iq).
func (f IQHandlerFunc) HandleIQ(ctx context.Context, iq stanza.IQ) (interface{}, error) {
	return f(ctx, iq)
}

type entry[T any] struct {
	id uint64
	f  T
}

// list is an ordered set of listeners that can be removed individually.
type list[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []entry[T]
}

func (l *list[T]) add(f T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.entries = append(l.entries, entry[T]{id: id, f: f})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *list[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	fs := make([]T, 0, len(l.entries))
	for _, e := range l.entries {
		fs = append(fs, e.f)
	}
	return fs
}

func (l *list[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

type iqKey struct {
	typ  stanza.IQType
	name xml.Name
}

type listeners struct {
	message  list[func(stanza.Message)]
	presence list[func(stanza.Presence)]
	iq       list[func(stanza.IQ)]
	status   list[func(StatusEvent)]

	mu       sync.Mutex
	next     uint64
	handlers map[iqKey]entry[IQHandler]
}

// clear removes all listeners.
// IQ handlers are not removed because they are usually registered once by
// extension managers for the lifetime of the client.
func (l *listeners) clear() {
	l.message.clear()
	l.presence.clear()
	l.iq.clear()
	l.status.clear()
}

func (l *listeners) handler(typ stanza.IQType, name xml.Name) (IQHandler, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.handlers[iqKey{typ: typ, name: name}]
	return e.f, ok
}

// OnMessage registers f to be called for every inbound message.
// Calling the returned function removes the listener.
func (c *Client) OnMessage(f func(stanza.Message)) (unregister func()) {
	return c.listeners.message.add(f)
}

// OnPresence registers f to be called for every inbound presence.
// Calling the returned function removes the listener.
func (c *Client) OnPresence(f func(stanza.Presence)) (unregister func()) {
	return c.listeners.presence.add(f)
}

// OnIQ registers f to be called for every inbound IQ, including responses to
// queries and requests that are answered by an IQHandler.
// Calling the returned function removes the listener.
func (c *Client) OnIQ(f func(stanza.IQ)) (unregister func()) {
	return c.listeners.iq.add(f)
}

// OnStatus registers f to be called each time the status of the client
// changes.
// Status listeners are removed when the client is closed.
// Calling the returned function removes the listener.
func (c *Client) OnStatus(f func(StatusEvent)) (unregister func()) {
	return c.listeners.status.add(f)
}

// HandleIQ registers h to answer IQ requests of type typ whose payload has the
// given name.
// Registering a second handler for the same type and payload replaces the
// first.
// Requests with no handler are answered with a service-unavailable error.
// Calling the returned function removes the handler if it has not been
// replaced.
func (c *Client) HandleIQ(typ stanza.IQType, payload xml.Name, h IQHandler) (unregister func()) {
	l := &c.listeners
	key := iqKey{typ: typ, name: payload}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[iqKey]entry[IQHandler])
	}
	l.next++
	id := l.next
	l.handlers[key] = entry[IQHandler]{id: id, f: h}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.handlers[key].id == id {
			delete(l.handlers, key)
		}
	}
}

// safeCall runs f and logs any panic instead of propagating it so that one
// misbehaving listener does not prevent others from running.
func (c *Client) safeCall(kind string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.log.Printf("xmppcore: %s listener panicked: %v\n%s", kind, r, debug.Stack())
		}
	}()
	f()
}

// dispatch delivers a stanza to listeners on the worker pool.
func (c *Client) dispatch(v interface{}) {
	switch s := v.(type) {
	case stanza.Message:
		c.pool.submit(func() {
			for _, f := range c.listeners.message.snapshot() {
				c.safeCall("message", func() { f(s) })
			}
		})
	case stanza.Presence:
		c.pool.submit(func() {
			for _, f := range c.listeners.presence.snapshot() {
				c.safeCall("presence", func() { f(s) })
			}
		})
	case stanza.IQ:
		var h IQHandler
		if s.IsRequest() {
			var ok bool
			h, ok = c.listeners.handler(s.Type, s.PayloadName())
			if !ok {
				c.replyIQ(s.ErrorReply(stanza.Error{
					Type:      stanza.Cancel,
					Condition: stanza.ServiceUnavailable,
				}))
			}
		}
		c.pool.submit(func() {
			for _, f := range c.listeners.iq.snapshot() {
				c.safeCall("IQ", func() { f(s) })
			}
			if h != nil {
				c.safeCall("IQ handler", func() { c.handleIQ(h, s) })
			}
		})
	}
}

func (c *Client) handleIQ(h IQHandler, iq stanza.IQ) {
	payload, err := h.HandleIQ(c.pool.context(), iq)
	if err != nil {
		var se stanza.Error
		if !errors.As(err, &se) {
			c.opts.log.Printf("xmppcore: error handling IQ %s: %v", iq.ID, err)
			se = stanza.Error{Type: stanza.Cancel, Condition: stanza.InternalServerError}
		}
		c.replyIQ(iq.ErrorReply(se))
		return
	}
	var inner []byte
	if payload != nil {
		inner, err = marshal.Bytes(payload)
		if err != nil {
			c.opts.log.Printf("xmppcore: error encoding response to IQ %s: %v", iq.ID, err)
			c.replyIQ(iq.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.InternalServerError}))
			return
		}
	}
	c.replyIQ(iq.Result(inner))
}

func (c *Client) replyIQ(iq stanza.IQ) {
	if err := c.Send(c.pool.context(), iq); err != nil {
		c.opts.log.Printf("xmppcore: error replying to IQ %s: %v", iq.ID, err)
	}
}

// pool runs submitted functions on a fixed number of goroutines.
// With a single worker functions run in the order they were submitted.
type pool struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// start launches n workers if the pool is not already running.
func (p *pool) start(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.wake = make(chan struct{}, 1)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < n; i++ {
		go p.work(p.ctx, p.wake)
	}
}

// stop discards queued functions and tells the workers to exit once the
// function they are running, if any, returns.
func (p *pool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.queue = nil
}

func (p *pool) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

func (p *pool) submit(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.queue = append(p.queue, f)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pool) pop() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	f := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return f
}

func (p *pool) work(ctx context.Context, wake <-chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}
		if f := p.pop(); f != nil {
			f()
			continue
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}
