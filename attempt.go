// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"sync"
	"time"

	"mellium.im/sasl"

	"mellium.im/xmppcore/compress"
	"mellium.im/xmppcore/stream"
)

// attempt holds the state of a single connection attempt.
// Every barrier is a channel that is closed at most once.
// A new attempt is created each time Connect is called and it is never reused.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc

	saslReady chan struct{}
	bindReady chan struct{}
	failed    chan struct{}
	saslOnce  sync.Once
	bindOnce  sync.Once
	failOnce  sync.Once
	err       error

	negotiators []negotiator

	mu              sync.Mutex
	features        stream.Features
	secure          bool
	tlsState        tls.ConnectionState
	mechanisms      []string
	sessionRequired bool
	authenticated   bool
	sasl            *sasl.Negotiator
	saslMore        bool
	authDone        chan error
	compression     compress.Method
}

func newAttempt() *attempt {
	at := &attempt{
		saslReady:   make(chan struct{}),
		bindReady:   make(chan struct{}),
		failed:      make(chan struct{}),
		negotiators: newNegotiators(),
	}
	at.ctx, at.cancel = context.WithCancel(context.Background())
	return at
}

func (at *attempt) releaseSASL() {
	at.saslOnce.Do(func() { close(at.saslReady) })
}

func (at *attempt) releaseBind() {
	at.bindOnce.Do(func() { close(at.bindReady) })
}

// fail records err and releases everything that is waiting on the attempt.
// Only the first error is kept.
func (at *attempt) fail(err error) {
	at.failOnce.Do(func() {
		at.err = err
		close(at.failed)
		at.cancel()
	})
}

// failure returns the error that the attempt failed with, if any.
func (at *attempt) failure() error {
	select {
	case <-at.failed:
		return at.err
	default:
		return nil
	}
}

// wait blocks until barrier is released, the attempt fails, ctx is canceled, or
// the timeout elapses, in which case onTimeout is returned.
func (at *attempt) wait(ctx context.Context, barrier <-chan struct{}, timeout time.Duration, onTimeout error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-barrier:
		return at.failure()
	case <-at.failed:
		return at.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return onTimeout
	}
}

func (at *attempt) setFeatures(f stream.Features) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.features = f
}

func (at *attempt) feature(name xml.Name) (stream.Element, bool) {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.features.Get(name)
}

func (at *attempt) setSecure(state tls.ConnectionState) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.secure = true
	at.tlsState = state
}

// connectionState returns the TLS state of the connection, either negotiated
// with STARTTLS or reported by the transport.
func (at *attempt) connectionState(t Transport) (tls.ConnectionState, bool) {
	at.mu.Lock()
	secure, state := at.secure, at.tlsState
	at.mu.Unlock()
	if secure {
		return state, true
	}
	if cs, ok := t.(ConnectionStater); ok {
		return cs.ConnectionState()
	}
	return tls.ConnectionState{}, false
}

// authResult delivers the outcome of SASL authentication to Login.
func (at *attempt) authResult(err error) {
	at.mu.Lock()
	done := at.authDone
	at.authDone = nil
	if err == nil {
		at.authenticated = true
	}
	at.mu.Unlock()
	if done != nil {
		done <- err
	}
}
