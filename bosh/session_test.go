// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stanza"
)

// recorder is an xmppcore.Handler that records what it is given.
type recorder struct {
	mu       sync.Mutex
	elements []interface{}
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{errs: make(chan error, 10)}
}

func (r *recorder) HandleElement(v interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements = append(r.elements, v)
	return false, nil
}

func (r *recorder) HandleError(err error) {
	r.errs <- err
}

func (r *recorder) seen() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.elements...)
}

// testSession returns a session that has been created with rid 99 and sends
// its requests to url.
func testSession(t *testing.T, url string, h xmppcore.Handler) *session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tr := New(Config{URL: url})
	return &session{
		t:               tr,
		url:             url,
		h:               h,
		stream:          xmppcore.Stream{To: jid.MustParse("example.net"), Lang: "en"},
		log:             tr.cfg.Logger,
		ctx:             ctx,
		cancel:          cancel,
		kick:            make(chan struct{}, 1),
		done:            make(chan struct{}),
		sid:             "sid-1",
		wait:            time.Second,
		rid:             100,
		highestReceived: 99,
		next:            100,
		requests:        2,
		unacked:         make(map[uint64]*request),
		responses:       make(map[uint64]*response),
		poll:            rate.NewLimiter(rate.Inf, 1),
	}
}

func mustBody(t *testing.T, s string) *response {
	t.Helper()
	resp, err := decodeBody(strings.NewReader(s))
	if err != nil {
		t.Fatalf("error decoding body %q: %v", s, err)
	}
	return resp
}

func TestNextRequest(t *testing.T) {
	s := testSession(t, "", newRecorder())
	next := func() string {
		t.Helper()
		req, _ := s.nextRequest()
		if req == nil {
			return ""
		}
		return string(req.body)
	}

	if body := next(); !strings.Contains(body, "rid='100'") || !strings.HasSuffix(body, "/>") {
		t.Errorf("expected an empty request with rid 100, got %q", body)
	}
	if body := next(); body != "" {
		t.Errorf("expected only one empty request to be held, got %q", body)
	}

	s.pending = [][]byte{[]byte(`<presence/>`), []byte(`<message/>`)}
	if body := next(); !strings.Contains(body, "rid='101'") || !strings.Contains(body, `<presence/><message/></body>`) {
		t.Errorf("expected queued elements to be sent together with rid 101, got %q", body)
	}
	s.pending = [][]byte{[]byte(`<presence/>`)}
	if body := next(); body != "" {
		t.Errorf("expected the window to be full, got %q", body)
	}

	s.restart = true
	s.inFlight = 1
	body := next()
	if !strings.Contains(body, "rid='102'") || !strings.Contains(body, "xmpp:restart='true'") ||
		!strings.Contains(body, "to='example.net'") || !strings.Contains(body, "xml:lang='en'") {
		t.Errorf("expected a restart request with rid 102, got %q", body)
	}
	if strings.Contains(body, "<presence/>") {
		t.Errorf("restart request must not carry elements, got %q", body)
	}

	s.terminating = true
	body = next()
	if !strings.Contains(body, "rid='103'") || !strings.Contains(body, "type='terminate'") || !strings.Contains(body, "<presence/>") {
		t.Errorf("expected a terminate request with the queued elements, got %q", body)
	}
	if body = next(); body != "" {
		t.Errorf("expected nothing after the terminate request, got %q", body)
	}
	if len(s.unacked) != 4 {
		t.Errorf("expected 4 unacknowledged requests, got %d", len(s.unacked))
	}
}

func TestPollingInterval(t *testing.T) {
	s := testSession(t, "", newRecorder())
	s.poll = rate.NewLimiter(rate.Every(time.Hour), 1)
	s.lastEmpty = true

	if req, _ := s.nextRequest(); req == nil {
		t.Fatalf("expected the first empty request to be sent")
	}
	s.inFlight = 0
	req, delay := s.nextRequest()
	if req != nil || delay <= 0 {
		t.Errorf("expected a second empty exchange to wait, got request=%v delay=%s", req, delay)
	}

	s.lastEmpty = false
	if req, _ = s.nextRequest(); req == nil {
		t.Errorf("expected an empty request after a response with a payload")
	}
}

func TestAcknowledgedBeforeWake(t *testing.T) {
	var srv bodyServer
	hs := httptest.NewServer(&srv)
	defer hs.Close()
	s := testSession(t, hs.URL, newRecorder())

	s.mu.Lock()
	req := s.newRequest(nil, nil)
	s.mu.Unlock()
	empty := make(chan bool, 1)
	go func() {
		<-s.kick
		s.mu.Lock()
		defer s.mu.Unlock()
		empty <- s.lastEmpty
	}()
	s.send(req, false, nil)
	if !<-empty {
		t.Errorf("the request loop was woken before the empty response was recorded")
	}
}

var ackTestCases = [...]struct {
	ack     bool
	highest uint64
	want    string
}{
	0: {ack: true, highest: 99},
	1: {ack: true, highest: 97, want: "ack='97'"},
	2: {highest: 97},
}

func TestRequestAck(t *testing.T) {
	for i, tc := range ackTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			s := testSession(t, "", newRecorder())
			s.ack = tc.ack
			s.highestReceived = tc.highest
			s.mu.Lock()
			req := s.newRequest(nil, nil)
			s.mu.Unlock()
			body := string(req.body)
			switch {
			case tc.want == "" && strings.Contains(body, "ack="):
				t.Errorf("unexpected ack in %q", body)
			case tc.want != "" && !strings.Contains(body, tc.want):
				t.Errorf("expected %q in %q", tc.want, body)
			}
		})
	}
}

func TestOrderedProcessing(t *testing.T) {
	rec := newRecorder()
	s := testSession(t, "", rec)
	msg := func(id string) *response {
		return mustBody(t, `<body xmlns='`+ns.HTTPBind+`'><message xmlns='jabber:client' id='`+id+`'/></body>`)
	}

	s.received(102, msg("c"))
	s.received(101, msg("b"))
	if n := len(rec.seen()); n != 0 {
		t.Fatalf("responses were processed before the response to rid 100: %d", n)
	}
	s.received(100, msg("a"))
	s.received(101, msg("duplicate"))

	var ids []string
	for _, v := range rec.seen() {
		m, ok := v.(stanza.Message)
		if !ok {
			t.Fatalf("unexpected element %T", v)
		}
		ids = append(ids, m.ID)
	}
	if got := strings.Join(ids, ","); got != "a,b,c" {
		t.Errorf("wrong processing order: want=a,b,c, got=%s", got)
	}
	if s.highestReceived != 102 {
		t.Errorf("wrong highest received rid: want=102, got=%d", s.highestReceived)
	}
}

// bodyServer answers every request with an empty body and records what it
// receives.
type bodyServer struct {
	mu     sync.Mutex
	bodies []string
}

func (b *bodyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.bodies = append(b.bodies, string(raw))
	b.mu.Unlock()
	/* #nosec */
	io.WriteString(w, `<body xmlns='`+ns.HTTPBind+`'/>`)
}

func (b *bodyServer) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		b.mu.Lock()
		bodies := append([]string(nil), b.bodies...)
		b.mu.Unlock()
		if len(bodies) >= n {
			return bodies
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d requests, got %d", n, len(bodies))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// settled waits until nothing is in flight or unacknowledged.
func settled(t *testing.T, s *session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		done := s.inFlight == 0 && len(s.unacked) == 0
		s.mu.Unlock()
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for requests to complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecover(t *testing.T) {
	var srv bodyServer
	hs := httptest.NewServer(&srv)
	defer hs.Close()
	rec := newRecorder()
	s := testSession(t, hs.URL, rec)

	var want []string
	s.mu.Lock()
	for i := 0; i < 5; i++ {
		req := s.newRequest(nil, [][]byte{[]byte(`<presence id='` + strconv.Itoa(i) + `'/>`)})
		want = append(want, string(req.body))
	}
	s.inFlight = 0
	s.mu.Unlock()

	s.recover(101)
	bodies := srv.wait(t, len(want))
	for i := range want {
		if bodies[i] != want[i] {
			t.Errorf("request %d was not sent again unchanged and in rid order:\nwant=%q,\n got=%q", i, want[i], bodies[i])
		}
	}
	settled(t, s)
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		next := s.next
		s.mu.Unlock()
		if next == 105 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected all responses to be processed, next rid is %d", next)
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-rec.errs:
		t.Errorf("unexpected error: %v", err)
	default:
	}
}

var unsendTestCases = [...]struct {
	keys    int
	restart bool
	pending [][]byte
}{
	0: {keys: 3, pending: [][]byte{[]byte(`<presence/>`), []byte(`<message/>`)}},
	1: {keys: 2, pending: [][]byte{[]byte(`<presence/>`)}},
	2: {keys: 3, restart: true},
	3: {restart: true},
}

func TestUnsend(t *testing.T) {
	for i, tc := range unsendTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			rec := newRecorder()
			s := testSession(t, "", rec)
			if tc.keys > 0 {
				s.keys = newKeyChain(tc.keys)
				s.keys.first()
			}
			// No request can be encoded with an unknown content coding.
			s.coding = "br"
			s.restart = tc.restart
			s.pending = tc.pending

			req, _ := s.nextRequest()
			if req == nil {
				t.Fatalf("expected a request")
			}
			s.send(req, false, nil)

			s.mu.Lock()
			if s.rid != 100 || len(s.unacked) != 0 || s.inFlight != 0 {
				t.Errorf("request was not taken back: rid=%d, unacked=%d, in flight=%d", s.rid, len(s.unacked), s.inFlight)
			}
			if s.restart != tc.restart || len(s.pending) != len(tc.pending) {
				t.Errorf("request contents were not queued again: restart=%t, pending=%q", s.restart, s.pending)
			}
			s.mu.Unlock()
			select {
			case err := <-rec.errs:
				t.Fatalf("session failed: %v", err)
			case <-s.done:
				t.Fatalf("session ended")
			default:
			}

			s.coding = ""
			again, _ := s.nextRequest()
			if again == nil {
				t.Fatalf("expected the request to be made again")
			}
			if again.rid != req.rid || again.key != req.key || (again.newKey == "") != (req.newKey == "") {
				t.Errorf("wrong rid or key: want=%d/%q, got=%d/%q", req.rid, req.key, again.rid, again.key)
			}
			if string(again.body) == string(req.body) && req.newKey != "" {
				t.Errorf("expected a new chain to be generated for the request")
			}
			for j, b := range tc.pending {
				if !strings.Contains(string(again.body), string(b)) {
					t.Errorf("element %d missing from %q", j, again.body)
				}
			}
		})
	}
}

func TestUnsendTooManyErrors(t *testing.T) {
	rec := newRecorder()
	s := testSession(t, "", rec)
	s.coding = "br"
	s.errors = maxRetries
	req, _ := s.nextRequest()
	s.send(req, false, nil)
	select {
	case err := <-rec.errs:
		if !errors.Is(err, errNotSent) {
			t.Errorf("wrong error: want=%v, got=%v", errNotSent, err)
		}
	default:
		t.Errorf("expected the session to fail")
	}
}

func TestUnreadKeys(t *testing.T) {
	k := newKeyChain(2)
	k.first()
	key, newKey := k.next()
	if newKey == "" {
		t.Fatalf("expected the chain to be exhausted")
	}
	k.unread(key, newKey)
	if again, _ := k.next(); again != key {
		t.Errorf("wrong key after unread: want=%q, got=%q", key, again)
	}
}

func TestRecoverTooManyErrors(t *testing.T) {
	rec := newRecorder()
	s := testSession(t, "", rec)
	s.errors = maxRetries
	s.recover(100)
	select {
	case err := <-rec.errs:
		if !errors.Is(err, ErrTooManyErrors) {
			t.Errorf("wrong error: want=%v, got=%v", ErrTooManyErrors, err)
		}
	default:
		t.Errorf("expected the session to fail")
	}
	select {
	case <-s.done:
	default:
		t.Errorf("expected the session to end")
	}
}

func TestReport(t *testing.T) {
	var srv bodyServer
	hs := httptest.NewServer(&srv)
	defer hs.Close()
	s := testSession(t, hs.URL, newRecorder())

	s.mu.Lock()
	lost := s.newRequest(nil, [][]byte{[]byte(`<presence/>`)})
	s.inFlight = 0
	s.mu.Unlock()

	s.acknowledged(101, mustBody(t, `<body xmlns='`+ns.HTTPBind+`' report='100' time='250'/>`))
	bodies := srv.wait(t, 1)
	if bodies[0] != string(lost.body) {
		t.Errorf("reported request was not sent again unchanged: want=%q, got=%q", lost.body, bodies[0])
	}
	settled(t, s)
}

func TestServerAck(t *testing.T) {
	s := testSession(t, "", newRecorder())
	s.mu.Lock()
	for i := 0; i < 3; i++ {
		s.newRequest(nil, nil)
	}
	s.mu.Unlock()

	s.acknowledged(102, mustBody(t, `<body xmlns='`+ns.HTTPBind+`' ack='100'/>`))
	if _, ok := s.unacked[101]; !ok || len(s.unacked) != 1 {
		t.Errorf("expected only request 101 to remain unacknowledged, got %v", s.unacked)
	}
}
