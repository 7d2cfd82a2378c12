// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"testing"
	"time"

	"mellium.im/sasl"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
	"mellium.im/xmppcore/tcp"
)

// login connects a client to s and logs in.
func login(t *testing.T, s *server, opts ...xmppcore.Option) *xmppcore.Client {
	t.Helper()
	transport := tcp.New(tcp.Config{
		Host:      "127.0.0.1",
		Port:      s.port(),
		KeepAlive: -1,
	})
	opts = append(opts, xmppcore.Mechanisms(sasl.Plain))
	c := xmppcore.New(jid.MustParse("example.net"), transport, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("error connecting: %v", err)
	}
	t.Cleanup(func() {
		/* #nosec */
		c.Close(context.Background())
	})
	if err := c.Login(ctx, "me", "secret", "laptop"); err != nil {
		t.Fatalf("error logging in: %v", err)
	}
	return c
}

var queryTestCases = [...]struct {
	reply string
	err   error
	typ   stanza.IQType
}{
	0: {reply: `<iq type='result' id='%s'/>`, typ: stanza.ResultIQ},
	1: {
		reply: `<iq type='error' id='%s'><error type='cancel'><feature-not-implemented xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`,
		typ:   stanza.ErrorIQ,
		err:   stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented},
	},
	2: {err: xmppcore.ErrNoResponse},
}

func TestQuery(t *testing.T) {
	for i, tc := range queryTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			s := newServer(t, func(w io.Writer, iq stanza.IQ) {
				if tc.reply == "" {
					return
				}
				/* #nosec */
				fmt.Fprintf(w, tc.reply, iq.ID)
			})
			c := login(t, s)
			if addr := c.LocalAddr().String(); addr != "me@example.net/laptop" {
				t.Errorf("wrong bound address: %s", addr)
			}

			iq := stanza.IQ{ID: "1", Type: stanza.GetIQ}
			resp, err := c.Query(context.Background(), iq, 200*time.Millisecond)
			if !errors.Is(err, tc.err) {
				t.Fatalf("wrong error: want=%v, got=%v", tc.err, err)
			}
			if resp.Type != tc.typ {
				t.Errorf("wrong response type: want=%q, got=%q", tc.typ, resp.Type)
			}
			if tc.typ != "" && resp.ID != "1" {
				t.Errorf("wrong response ID: want=1, got=%q", resp.ID)
			}
		})
	}
}

func TestStreamError(t *testing.T) {
	s := newServer(t, func(w io.Writer, _ stanza.IQ) {
		/* #nosec */
		io.WriteString(w, `<stream:error><system-shutdown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`)
	})

	disconnected := make(chan error, 1)
	c := xmppcore.New(jid.MustParse("example.net"), tcp.New(tcp.Config{
		Host:      "127.0.0.1",
		Port:      s.port(),
		KeepAlive: -1,
	}), xmppcore.Mechanisms(sasl.Plain))
	c.OnStatus(func(ev xmppcore.StatusEvent) {
		if ev.New == xmppcore.Disconnected {
			disconnected <- ev.Err
		}
	})
	defer func() {
		/* #nosec */
		c.Close(context.Background())
	}()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("error connecting: %v", err)
	}
	if err := c.Login(context.Background(), "me", "secret", ""); err != nil {
		t.Fatalf("error logging in: %v", err)
	}
	if err := c.Send(context.Background(), stanza.IQ{ID: "shutdown", Type: stanza.GetIQ}); err != nil {
		t.Fatalf("error sending IQ: %v", err)
	}

	select {
	case err := <-disconnected:
		if !errors.Is(err, stream.SystemShutdown) {
			t.Errorf("wrong error: want=%v, got=%v", stream.SystemShutdown, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the stream error")
	}
	if !errors.Is(c.LastError(), stream.SystemShutdown) {
		t.Errorf("wrong last error: %v", c.LastError())
	}
}

func TestClose(t *testing.T) {
	s := newServer(t, nil)
	c := login(t, s)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("error closing: %v", err)
	}
	select {
	case err := <-s.done:
		if err != nil {
			t.Errorf("server did not see the stream close cleanly: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the server to see the stream close")
	}
	if c.LastError() != nil {
		t.Errorf("closing should not record an error, got %v", c.LastError())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams != 2 {
		t.Errorf("expected the stream to be restarted once, got %d streams", s.streams)
	}
}

func TestSendClosed(t *testing.T) {
	transport := tcp.New(tcp.Config{})
	err := transport.Send(context.Background(), []byte("<presence/>"))
	if !errors.Is(err, tcp.ErrClosed) {
		t.Errorf("wrong error: want=%v, got=%v", tcp.ErrClosed, err)
	}
	if err = transport.Close(context.Background()); err != nil {
		t.Errorf("closing an unconnected transport should be a no-op, got %v", err)
	}
}
