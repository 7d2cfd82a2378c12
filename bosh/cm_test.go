// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	/* #nosec */
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
)

const (
	saslFeatures = `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	bindFeatures = `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`
	testBound    = "me@example.net/laptop"

	// holdTime is how long the fake connection manager holds empty requests.
	holdTime = 100 * time.Millisecond
)

// received is a request as seen by the connection manager.
type received struct {
	raw      []byte
	body     *response
	encoding string
}

func (r received) rid() uint64 {
	return r.body.number("rid", 0)
}

// prefixed returns the value of an attribute in the xmpp namespace.
func (r received) prefixed(local string) string {
	for _, a := range r.body.attr {
		if a.Name.Space == ns.XBOSH && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// cm is a minimal BOSH connection manager.
// It accepts any PLAIN credentials, binds the resource "laptop", and hands
// every other IQ to iq.
// Empty requests are held for holdTime unless there is something to send.
type cm struct {
	srv *httptest.Server

	// Attributes of the session creation response.
	accept   string
	requests string

	// creation, if set, replaces the session creation response.
	creation string

	// hook, if set, sees every request first and may answer it.
	hook func(r received) (status int, body string, ok bool)

	// iq answers IQs that are not resource binding requests.
	iq func(iq stanza.IQ) string

	// gzip compresses responses if the client accepts it.
	gzip bool

	mu       sync.Mutex
	received []received
	outbox   []string
	answered map[uint64]string
	wakeup   chan struct{}
}

func newCM(t *testing.T, tls bool, opts ...func(*cm)) *cm {
	t.Helper()
	m := &cm{
		answered: make(map[uint64]string),
		wakeup:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.requests == "" {
		m.requests = "2"
	}
	if tls {
		m.srv = httptest.NewTLSServer(m)
	} else {
		m.srv = httptest.NewServer(m)
	}
	t.Cleanup(m.srv.Close)
	return m
}

// push queues elements for the client and releases held requests.
func (m *cm) push(el ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, el...)
	close(m.wakeup)
	m.wakeup = make(chan struct{})
}

func (m *cm) requestsSeen() []received {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]received(nil), m.received...)
}

// waitFor polls until f reports true for the requests seen so far.
func (m *cm) waitFor(t *testing.T, f func([]received) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f(m.requestsSeen()) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the connection manager")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *cm) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/.well-known/host-meta" {
		/* #nosec */
		io.WriteString(w, `<XRD xmlns='http://docs.oasis-open.org/ns/xri/xrd-1.0'><Link rel='urn:xmpp:alt-connections:xbosh' href='https://example.com/http-bind'/></XRD>`)
		return
	}
	coding := r.Header.Get("Content-Encoding")
	body, err := decode(coding, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := decodeBody(bytes.NewReader(raw))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := received{raw: raw, body: req, encoding: coding}
	m.mu.Lock()
	m.received = append(m.received, rec)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if status, resp, ok := hook(rec); ok {
			w.WriteHeader(status)
			/* #nosec */
			io.WriteString(w, resp)
			return
		}
	}

	if req.get("sid") == "" {
		resp := m.creation
		if resp == "" {
			resp = fmt.Sprintf(`<body xmlns='%s' sid='sid-1' wait='60' requests='%s' ack='%s' accept='%s' from='example.net'>%s</body>`,
				ns.HTTPBind, m.requests, req.get("rid"), m.accept, saslFeatures)
		}
		m.write(w, r, resp)
		return
	}
	m.mu.Lock()
	cached, ok := m.answered[rec.rid()]
	m.mu.Unlock()
	if ok {
		m.write(w, r, cached)
		return
	}
	if req.get("type") == typeTerminate {
		m.push()
		m.write(w, r, `<body xmlns='`+ns.HTTPBind+`' type='terminate'/>`)
		return
	}

	var out []string
	if rec.prefixed("restart") == "true" {
		out = append(out, bindFeatures)
	}
	for _, v := range req.payload {
		switch el := v.(type) {
		case stream.Element:
			if el.XMLName.Local == "auth" {
				out = append(out, `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
			}
		case stanza.IQ:
			switch {
			case el.PayloadName().Local == "bind":
				out = append(out, fmt.Sprintf(`<iq xmlns='jabber:client' type='result' id='%s'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>%s</jid></bind></iq>`, el.ID, testBound))
			case m.iq != nil:
				if reply := m.iq(el); reply != "" {
					out = append(out, reply)
				}
			}
		}
	}
	if len(out) > 0 {
		m.push(out...)
	}

	rid := rec.rid()
	m.mu.Lock()
	wakeup := m.wakeup
	empty := len(m.outbox) == 0
	m.mu.Unlock()
	if empty && len(req.payload) == 0 {
		select {
		case <-wakeup:
		case <-time.After(holdTime):
		case <-r.Context().Done():
			return
		}
	}

	m.mu.Lock()
	resp, ok := m.answered[rid]
	if !ok {
		resp = `<body xmlns='` + ns.HTTPBind + `'>` + strings.Join(m.outbox, "") + `</body>`
		m.outbox = nil
		m.answered[rid] = resp
	}
	m.mu.Unlock()
	m.write(w, r, resp)
}

func (m *cm) write(w http.ResponseWriter, r *http.Request, body string) {
	if !m.gzip || !strings.Contains(r.Header.Get("Accept-Encoding"), encodingGzip) {
		/* #nosec */
		io.WriteString(w, body)
		return
	}
	b, err := encode(encodingGzip, []byte(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Encoding", encodingGzip)
	/* #nosec */
	w.Write(b)
}

// checkRIDs reports an error unless the requests use every rid from the first
// one without gaps.
func checkRIDs(t *testing.T, reqs []received) {
	t.Helper()
	seen := make(map[uint64]struct{})
	for _, r := range reqs {
		seen[r.rid()] = struct{}{}
	}
	rids := make([]uint64, 0, len(seen))
	for rid := range seen {
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })
	for i := 1; i < len(rids); i++ {
		if rids[i] != rids[i-1]+1 {
			t.Errorf("rids are not consecutive: %v", rids)
			return
		}
	}
}

// checkKeys reports an error unless every request reveals the key that hashes
// to the last key seen, in rid order.
func checkKeys(t *testing.T, reqs []received) {
	t.Helper()
	byRID := make(map[uint64]received)
	for _, r := range reqs {
		byRID[r.rid()] = r
	}
	rids := make([]uint64, 0, len(byRID))
	for rid := range byRID {
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	var last string
	for i, rid := range rids {
		r := byRID[rid]
		if i > 0 {
			key := r.body.get("key")
			/* #nosec */
			sum := sha1.Sum([]byte(key))
			if hex.EncodeToString(sum[:]) != last {
				t.Errorf("key of request %d does not match the previous key", rid)
			}
			last = key
		}
		if newKey := r.body.get("newkey"); newKey != "" {
			last = newKey
		}
	}
}
