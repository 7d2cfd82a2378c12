// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mellium.im/sasl"

	"mellium.im/xmppcore/codec"
	"mellium.im/xmppcore/compress"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
)

const (
	featuresSASL = `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	featuresBind = `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></stream:features>`
	featuresNone = `<stream:features xmlns:stream='http://etherx.jabber.org/streams'/>`

	testUser     = "me"
	testPassword = "secret"
	testBound    = "me@example.net/laptop"
)

var errTransportClosed = errors.New("fake transport closed")

// fakeServer is a Transport that plays the part of the server.
// Elements sent by the client are decoded and passed to onSend, which may
// queue replies with deliver.
// Replies are handed to the client from a separate goroutine in order, as a
// real transport would do from its reader.
type fakeServer struct {
	connectErr error
	onConnect  func(s *fakeServer)
	onRestart  func(s *fakeServer)
	onSend     func(s *fakeServer, v interface{})

	out chan interface{}

	mu       sync.Mutex
	in       chan interface{}
	done     chan struct{}
	closed   int
	restarts int
	stream   Stream
}

func newFakeServer() *fakeServer {
	return &fakeServer{out: make(chan interface{}, 100)}
}

// scriptedServer returns a server that offers PLAIN, accepts testUser and
// testPassword, offers resource binding and the legacy session after
// authentication, and binds testBound.
func scriptedServer() *fakeServer {
	s := newFakeServer()
	s.onConnect = func(s *fakeServer) { s.deliver(featuresSASL) }
	s.onRestart = func(s *fakeServer) { s.deliver(featuresBind) }
	s.onSend = defaultServer
	return s
}

func defaultServer(s *fakeServer, v interface{}) {
	switch el := v.(type) {
	case stream.Element:
		if el.XMLName.Local != "auth" {
			return
		}
		if checkPlain(el.Inner) {
			s.deliver(`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
			return
		}
		s.deliver(`<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/><text>bad password</text></failure>`)
	case stanza.IQ:
		switch el.PayloadName().Local {
		case "bind":
			s.deliver(fmt.Sprintf(`<iq type='result' id='%s'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>%s</jid></bind></iq>`, el.ID, testBound))
		case "session":
			s.deliver(fmt.Sprintf(`<iq type='result' id='%s'/>`, el.ID))
		}
	}
}

// checkPlain verifies the credentials of a PLAIN initial response.
func checkPlain(inner []byte) bool {
	resp, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(inner)))
	if err != nil {
		return false
	}
	server := sasl.NewServer(sasl.Plain, func(n *sasl.Negotiator) bool {
		user, pass, _ := n.Credentials()
		return string(user) == testUser && string(pass) == testPassword
	})
	_, _, err = server.Step(resp)
	return err == nil
}

func (s *fakeServer) Connect(ctx context.Context, st Stream, h Handler) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.mu.Lock()
	s.stream = st
	s.in = make(chan interface{}, 100)
	s.done = make(chan struct{})
	in, done := s.in, s.done
	s.mu.Unlock()

	go s.read(h, in, done)
	if s.onConnect != nil {
		s.onConnect(s)
	}
	return nil
}

func (s *fakeServer) read(h Handler, in <-chan interface{}, done <-chan struct{}) {
	for {
		select {
		case v := <-in:
			if err, ok := v.(error); ok {
				h.HandleError(err)
				return
			}
			restart, err := h.HandleElement(v)
			if err != nil {
				h.HandleError(err)
				return
			}
			if restart {
				/* #nosec */
				s.RestartStream(context.Background())
			}
		case <-done:
			return
		}
	}
}

// deliver queues an element (or an error) to be read by the client.
func (s *fakeServer) deliver(v interface{}) {
	if x, ok := v.(string); ok {
		var err error
		v, err = codec.Unmarshal([]byte(x))
		if err != nil {
			panic(fmt.Sprintf("bad test XML %q: %v", x, err))
		}
	}
	s.mu.Lock()
	in := s.in
	s.mu.Unlock()
	in <- v
}

func (s *fakeServer) Send(ctx context.Context, b []byte) error {
	s.mu.Lock()
	closed := s.closed > 0
	s.mu.Unlock()
	if closed {
		return errTransportClosed
	}
	v, err := codec.Unmarshal(b)
	if err != nil {
		return err
	}
	select {
	case s.out <- v:
	default:
	}
	if s.onSend != nil {
		s.onSend(s, v)
	}
	return nil
}

func (s *fakeServer) RestartStream(context.Context) error {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	if s.onRestart != nil {
		s.onRestart(s)
	}
	return nil
}

func (s *fakeServer) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	return nil
}

// waitSent returns the first element sent by the client that matches f.
func (s *fakeServer) waitSent(t *testing.T, f func(v interface{}) bool) interface{} {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v := <-s.out:
			if f(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("timed out waiting for the client to send an element")
			return nil
		}
	}
}

// compressingServer is a fakeServer that supports stream compression.
type compressingServer struct {
	*fakeServer

	mu     sync.Mutex
	method string
}

func (s *compressingServer) Compress(m compress.Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.method = m.Name
	return nil
}
