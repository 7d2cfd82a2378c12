// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp_test

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"mellium.im/xmppcore/codec"
	istream "mellium.im/xmppcore/internal/stream"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
)

const (
	serverHeader = `<?xml version="1.0" encoding="UTF-8"?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='%d' from='example.net' version='1.0'>`
	saslFeatures = `<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	bindFeatures = `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`
)

// server is a minimal XMPP server that accepts a single client connection.
// It accepts any PLAIN credentials, binds the resource "laptop", and hands
// every other IQ to the iq function.
type server struct {
	ln net.Listener
	iq func(w io.Writer, iq stanza.IQ)

	mu       sync.Mutex
	streams  int
	received []interface{}
	done     chan error
}

func newServer(t *testing.T, iq func(w io.Writer, iq stanza.IQ)) *server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error listening: %v", err)
	}
	s := &server{ln: ln, iq: iq, done: make(chan error, 1)}
	t.Cleanup(func() {
		/* #nosec */
		ln.Close()
	})
	go func() {
		s.done <- s.serve()
	}()
	return s
}

func (s *server) port() uint16 {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.ParseUint(port, 10, 16)
	return uint16(p)
}

func (s *server) serve() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	features := saslFeatures
	for {
		d := xml.NewDecoder(br)
		if err = expectHeader(d); err != nil {
			return err
		}
		s.mu.Lock()
		s.streams++
		n := s.streams
		s.mu.Unlock()
		if _, err = fmt.Fprintf(conn, serverHeader+features, n); err != nil {
			return err
		}

		restart, err := s.elements(d, conn)
		if err != nil || !restart {
			return err
		}
		features = bindFeatures
	}
}

// elements reads elements until the client must restart the stream or closes
// it.
func (s *server) elements(d *xml.Decoder, w io.Writer) (restart bool, err error) {
	for {
		start, err := istream.Next(d)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		v, err := codec.Decode(d, start)
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.received = append(s.received, v)
		s.mu.Unlock()

		switch el := v.(type) {
		case stream.Element:
			if el.XMLName.Local == "auth" {
				_, err = io.WriteString(w, `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
				return true, err
			}
		case stanza.IQ:
			if el.PayloadName().Local == "bind" {
				_, err = fmt.Fprintf(w, `<iq type='result' id='%s'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>me@example.net/laptop</jid></bind></iq>`, el.ID)
				if err != nil {
					return false, err
				}
				continue
			}
			if s.iq != nil {
				s.iq(w, el)
			}
		}
	}
}

// expectHeader skips the XML declaration and reads the client stream header.
func expectHeader(d *xml.Decoder) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.ProcInst, xml.CharData:
		case xml.StartElement:
			if t.Name.Local != "stream" || t.Name.Space != stream.NS {
				return fmt.Errorf("expected stream header, got %v", t.Name)
			}
			return nil
		default:
			return fmt.Errorf("unexpected token before stream header: %T", tok)
		}
	}
}
