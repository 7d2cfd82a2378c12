// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dial_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"

	"golang.org/x/net/dns/dnsmessage"
)

var errPreventDial = errors.New("dial_test: expected error: preventing dial")

// Server answers DNS queries with canned responses and records the questions
// that were asked and the addresses that were dialed.
type Server struct {
	// SRV records by the query name (including the trailing dot).
	SRV map[string][]dnsmessage.SRVResource
	// A records by host name (including the trailing dot).
	A map[string][4]byte

	// If AllowDial is set, connections to the given addresses are allowed
	// through instead of being aborted.
	AllowDial map[string]bool

	mu        sync.Mutex
	questions []dnsmessage.Question
	dialed    []string
}

func newServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		SRV:       make(map[string][]dnsmessage.SRVResource),
		A:         make(map[string][4]byte),
		AllowDial: make(map[string]bool),
	}
}

// Questions returns the DNS questions that have been asked so far.
func (s *Server) Questions() []dnsmessage.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dnsmessage.Question(nil), s.questions...)
}

// Dialed returns the socket addresses that have been dialed so far.
func (s *Server) Dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dialed...)
}

// resolver returns a DNS resolver that uses Go's built in DNS resolver and
// always talks to the canned server.
func (s *Server) resolver() *net.Resolver {
	return &net.Resolver{
		PreferGo:     true,
		StrictErrors: true,
		Dial: func(ctx context.Context, network string, address string) (net.Conn, error) {
			client, srv := net.Pipe()
			go s.serve(srv)
			return client, nil
		},
	}
}

// Dialer creates a new dialer that is configured to use a resolver pointing at
// the current server.
func (s *Server) Dialer() net.Dialer {
	return net.Dialer{
		Resolver: s.resolver(),
		Control: func(network, address string, c syscall.RawConn) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.dialed = append(s.dialed, address)
			if s.AllowDial[address] {
				return nil
			}
			return errPreventDial
		},
	}
}

// serve answers length prefixed DNS messages (the TCP framing, which the
// resolver uses for connections that are not packet oriented) until the
// connection is closed.
func (s *Server) serve(conn net.Conn) {
	/* #nosec */
	defer conn.Close()
	for {
		var l [2]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return
		}
		msg := make([]byte, binary.BigEndian.Uint16(l[:]))
		if _, err := io.ReadFull(conn, msg); err != nil {
			return
		}
		resp, err := s.answer(msg)
		if err != nil {
			return
		}
		binary.BigEndian.PutUint16(l[:], uint16(len(resp)))
		if _, err = conn.Write(append(l[:], resp...)); err != nil {
			return
		}
	}
}

func (s *Server) answer(msg []byte) ([]byte, error) {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil {
		return nil, err
	}
	q, err := p.Question()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.questions = append(s.questions, q)
	s.mu.Unlock()

	name := strings.ToLower(q.Name.String())
	srvs, haveSRV := s.SRV[name]
	a, haveA := s.A[name]

	respHeader := dnsmessage.Header{
		ID:                 h.ID,
		Response:           true,
		Authoritative:      true,
		RecursionAvailable: true,
	}
	if !haveSRV && !haveA {
		respHeader.RCode = dnsmessage.RCodeNameError
	}
	b := dnsmessage.NewBuilder(nil, respHeader)
	b.EnableCompression()
	if err = b.StartQuestions(); err != nil {
		return nil, err
	}
	if err = b.Question(q); err != nil {
		return nil, err
	}
	if err = b.StartAnswers(); err != nil {
		return nil, err
	}
	rh := dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 60}
	switch q.Type {
	case dnsmessage.TypeSRV:
		for _, srv := range srvs {
			if err = b.SRVResource(rh, srv); err != nil {
				return nil, err
			}
		}
	case dnsmessage.TypeA:
		if haveA {
			if err = b.AResource(rh, dnsmessage.AResource{A: a}); err != nil {
				return nil, err
			}
		}
	}
	return b.Finish()
}
