// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bosh implements an XMPP client transport over BOSH, Bidirectional
// streams Over Synchronous HTTP (XEP-0124 and XEP-0206).
//
// Elements written by the client are queued and sent in batches as the body
// of HTTP POST requests, and the connection manager holds a request open until
// it has something to send back.
// Every request carries a request ID (rid) that increases by one for each new
// request, and responses are handed to the client strictly in rid order no
// matter in which order the HTTP responses arrive.
// Requests that the connection manager reports as lost, or that fail with a
// recoverable binding error, are sent again unchanged.
//
// If no URL is configured, the connection manager is discovered using Web Host
// Metadata (XEP-0156).
package bosh // import "mellium.im/xmppcore/bosh"

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptrace"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/internal/attr"
	"mellium.im/xmppcore/internal/discover"
	istream "mellium.im/xmppcore/internal/stream"
	"mellium.im/xmppcore/stream"
)

// Default values used when the corresponding Config fields are not set.
const (
	DefaultWait             = 60 * time.Second
	DefaultHold             = 1
	DefaultVersion          = "1.11"
	DefaultTerminateTimeout = 5 * time.Second
)

const (
	// defaultRequests is the window used when the connection manager does not
	// announce one.
	defaultRequests = 2

	// maxRetries bounds the number of times a request is retried after a
	// network error, and the number of consecutive recoverable binding errors.
	maxRetries = 3

	// requestMargin is added to the wait time to bound every HTTP request.
	requestMargin = 10 * time.Second

	// maxRID is the largest rid a session may use (2^53-1).
	// Initial rids leave enough room below it for any practical session.
	maxRID    = 1<<53 - 1
	ridMargin = 1 << 32

	// maxBody limits the size of a decompressed response.
	maxBody = 10 << 20
)

var errNotSent = errors.New("bosh: request was not sent")

// Observer receives events about the requests made by a transport.
// The metrics package provides an implementation.
type Observer interface {
	RequestSent(resend bool)
	RequestsInFlight(n int)
}

// Config configures a Transport.
type Config struct {
	// URL is the connection manager endpoint.
	// If empty, it is discovered from the host-meta file of the domain.
	URL string

	// Client makes the HTTP requests.
	// If nil, http.DefaultClient is used.
	Client *http.Client

	// Wait is the longest time the connection manager may hold a request.
	// It is sent in whole seconds.
	// If zero, DefaultWait is used.
	Wait time.Duration

	// Hold is the number of requests the connection manager may keep waiting.
	// If zero, DefaultHold is used.
	Hold int

	// Version is the BOSH protocol version that is requested.
	// If empty, DefaultVersion is used.
	Version string

	// Route asks the connection manager to connect to a specific host and
	// port, for example "xmpp:example.net:5222".
	Route string

	// Lang is the default language of the stream if the client does not set
	// one.
	Lang string

	// UseKeys enables key sequencing (XEP-0124 §15) and KeyChainLength sets
	// the number of keys generated at a time.
	UseKeys        bool
	KeyChainLength int

	// Compression enables compression of request bodies with a content coding
	// accepted by the connection manager.
	// Responses are always decompressed.
	Compression bool

	// TerminateTimeout bounds the time spent terminating the session
	// gracefully.
	// If zero, DefaultTerminateTimeout is used.
	TerminateTimeout time.Duration

	// Logger receives debug messages.
	// If nil, nothing is logged.
	Logger *log.Logger

	// Metrics, if set, is told about each request.
	Metrics Observer
}

// Transport is an xmppcore.Transport that uses BOSH.
// Each call to Connect creates a new session; sessions are never reused.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	sess *session
}

// New returns a transport that uses cfg.
func New(cfg Config) *Transport {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultHold
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = DefaultTerminateTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", log.LstdFlags)
	}
	return &Transport{cfg: cfg}
}

var (
	_ xmppcore.Transport        = (*Transport)(nil)
	_ xmppcore.ConnectionStater = (*Transport)(nil)
)

// request is a body that has been assigned a rid.
// Resent requests reuse the same encoded body.
// The remaining fields let a request that was never transmitted be taken
// back.
type request struct {
	rid  uint64
	body []byte

	payload   [][]byte
	key       string
	newKey    string
	restart   bool
	terminate bool
}

// session is the state of a single BOSH session.
type session struct {
	t      *Transport
	url    string
	h      xmppcore.Handler
	stream xmppcore.Stream
	log    *log.Logger
	obs    Observer
	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}

	// Set before the session is published and never modified afterwards.
	sid      string
	wait     time.Duration
	coding   string
	tlsState *tls.ConnectionState
	keys     *keyChain

	mu              sync.Mutex
	rid             uint64
	ack             bool
	highestReceived uint64
	next            uint64
	requests        int
	inFlight        int
	unacked         map[uint64]*request
	responses       map[uint64]*response
	pending         [][]byte
	restart         bool
	lastEmpty       bool
	errors          int
	endErr          error
	poll            *rate.Limiter
	terminating     bool
	terminateSent   bool
	closed          bool

	// procMu serializes calls to the handler.
	procMu  sync.Mutex
	endOnce sync.Once
}

// initialRID returns a random rid that leaves room for a long session before
// reaching maxRID.
func initialRID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:])%(maxRID-ridMargin) + 1, nil
}

// Connect creates a new session with the connection manager.
// It returns once the connection manager has accepted the session; the stream
// features are delivered to h asynchronously.
func (t *Transport) Connect(ctx context.Context, st xmppcore.Stream, h xmppcore.Handler) error {
	t.mu.Lock()
	old := t.sess
	t.sess = nil
	t.mu.Unlock()
	if old != nil {
		/* #nosec */
		old.close(ctx, t.cfg.TerminateTimeout)
	}

	endpoint := t.cfg.URL
	if endpoint == "" {
		urls, err := discover.LookupBOSH(ctx, t.cfg.Client, st.To.Domainpart())
		if err != nil {
			return fmt.Errorf("bosh: discovering the connection manager of %s: %w", st.To, err)
		}
		endpoint = urls[0]
	}
	if st.Lang == "" {
		st.Lang = t.cfg.Lang
	}
	rid, err := initialRID()
	if err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		t:         t,
		url:       endpoint,
		h:         h,
		stream:    st,
		log:       t.cfg.Logger,
		obs:       t.cfg.Metrics,
		ctx:       sctx,
		cancel:    cancel,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		wait:      t.cfg.Wait,
		unacked:   make(map[uint64]*request),
		responses: make(map[uint64]*response),
		poll:      rate.NewLimiter(rate.Inf, 1),
	}

	attrs := []xml.Attr{
		{Name: xml.Name{Local: "content"}, Value: "text/xml; charset=utf-8"},
	}
	if !st.From.IsZero() {
		attrs = attr.Set(attrs, "from", st.From.String())
	}
	attrs = setUint(attrs, "hold", uint64(t.cfg.Hold))
	attrs = setUint(attrs, "rid", rid)
	attrs = attr.Set(attrs, "to", st.To.String())
	if t.cfg.Route != "" {
		attrs = attr.Set(attrs, "route", t.cfg.Route)
	}
	attrs = attr.Set(attrs, "ver", t.cfg.Version)
	attrs = setUint(attrs, "wait", uint64(t.cfg.Wait/time.Second))
	attrs = attr.Set(attrs, "ack", "1")
	if st.Lang != "" {
		attrs = attr.Set(attrs, "xml:lang", st.Lang)
	}
	attrs = attr.Set(attrs, "xmpp:version", istream.Version)
	if t.cfg.UseKeys {
		s.keys = newKeyChain(t.cfg.KeyChainLength)
		attrs = attr.Set(attrs, "newkey", s.keys.first())
	}
	var buf bytes.Buffer
	writeBody(&buf, attrs, nil)

	resp, err := s.post(ctx, buf.Bytes(), "", nil)
	if err != nil {
		cancel()
		return err
	}
	if resp.get("type") == typeTerminate {
		cancel()
		return terminalError(resp)
	}
	s.sid = resp.get("sid")
	if s.sid == "" {
		cancel()
		return ErrNoSID
	}
	if w := resp.number("wait", 0); w > 0 {
		s.wait = time.Duration(w) * time.Second
	}
	if t.cfg.Compression {
		s.coding = chooseEncoding(resp.get("accept"))
	}
	s.tlsState = resp.tls
	s.rid = rid + 1
	s.ack = resp.get("ack") == strconv.FormatUint(rid, 10)
	s.highestReceived = rid
	s.next = rid
	s.requests = int(resp.number("requests", defaultRequests))
	if s.requests < 1 {
		s.requests = 1
	}
	if polling := resp.number("polling", 0); polling > 0 {
		s.poll = rate.NewLimiter(rate.Every(time.Duration(polling)*time.Second), 1)
	}
	s.log.Printf("bosh: session %s created with %s (requests=%d, wait=%s, ack=%t)", s.sid, endpoint, s.requests, s.wait, s.ack)

	t.mu.Lock()
	t.sess = s
	t.mu.Unlock()

	go s.run()
	go s.received(rid, resp)
	s.wake()
	return nil
}

func (t *Transport) current() (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil, ErrClosed
	}
	return t.sess, nil
}

// forget removes s if it is the current session.
func (t *Transport) forget(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == s {
		t.sess = nil
	}
}

// Send queues b to be sent with the next request.
// It does not wait for the request to be made.
func (t *Transport) Send(_ context.Context, b []byte) error {
	s, err := t.current()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed || s.terminating {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = append(s.pending, append([]byte(nil), b...))
	s.mu.Unlock()
	s.wake()
	return nil
}

// RestartStream asks the connection manager to restart the stream.
// The transport restarts the stream itself when the handler asks it to, so
// this is only needed by callers that negotiate features outside of
// HandleElement.
func (t *Transport) RestartStream(context.Context) error {
	s, err := t.current()
	if err != nil {
		return err
	}
	s.requestRestart()
	return nil
}

// Close terminates the session.
// Elements that are still queued are sent with the terminate request.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	s := t.sess
	t.sess = nil
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close(ctx, t.cfg.TerminateTimeout)
}

// ConnectionState returns the TLS state of the HTTP connection that created
// the session.
// ok is false if the connection manager was not reached over HTTPS.
func (t *Transport) ConnectionState() (tls.ConnectionState, bool) {
	s, err := t.current()
	if err != nil || s.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *s.tlsState, true
}

func (s *session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *session) requestRestart() {
	s.mu.Lock()
	s.restart = true
	s.mu.Unlock()
	s.wake()
}

// run makes new requests whenever there is something to send or no request is
// being held by the connection manager.
func (s *session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		}
		for {
			req, delay := s.nextRequest()
			if delay > 0 {
				time.AfterFunc(delay, s.wake)
			}
			if req == nil {
				break
			}
			if !s.issue(req, false) {
				return
			}
		}
	}
}

// nextRequest returns the next request to make, if the window allows one.
// If an empty request must wait for the polling interval, the delay is
// returned instead.
func (s *session) nextRequest() (*request, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminateSent {
		return nil, 0
	}

	switch {
	case s.terminating:
		// The terminate request is not limited by the window.
		payload := s.pending
		s.pending = nil
		s.terminateSent = true
		attrs := []xml.Attr{{Name: xml.Name{Local: "type"}, Value: typeTerminate}}
		req := s.newRequest(attrs, payload)
		req.terminate = true
		return req, 0
	case s.inFlight >= s.requests:
		return nil, 0
	case s.restart:
		s.restart = false
		attrs := []xml.Attr{{Name: xml.Name{Local: "to"}, Value: s.stream.To.String()}}
		if s.stream.Lang != "" {
			attrs = attr.Set(attrs, "xml:lang", s.stream.Lang)
		}
		attrs = attr.Set(attrs, "xmpp:restart", "true")
		req := s.newRequest(attrs, nil)
		req.restart = true
		return req, 0
	case len(s.pending) > 0:
		payload := s.pending
		s.pending = nil
		return s.newRequest(nil, payload), 0
	case s.inFlight == 0:
		// Keep one empty request waiting at the connection manager so that it
		// can push elements at any time.
		// Consecutive empty exchanges are limited to the polling interval.
		now := time.Now()
		if s.lastEmpty {
			r := s.poll.ReserveN(now, 1)
			if d := r.DelayFrom(now); d > 0 {
				r.CancelAt(now)
				return nil, d
			}
		} else {
			s.poll.AllowN(now, 1)
		}
		return s.newRequest(nil, nil), 0
	}
	return nil, 0
}

// newRequest assigns the next rid to a new body.
// It must be called with mu held.
func (s *session) newRequest(attrs []xml.Attr, payload [][]byte) *request {
	rid := s.rid
	s.rid++
	attrs = setUint(attrs, "rid", rid)
	attrs = attr.Set(attrs, "sid", s.sid)
	if s.ack && s.highestReceived+1 != rid {
		attrs = setUint(attrs, "ack", s.highestReceived)
	}
	req := &request{rid: rid, payload: payload}
	if s.keys != nil {
		req.key, req.newKey = s.keys.next()
		attrs = attr.Set(attrs, "key", req.key)
		if req.newKey != "" {
			attrs = attr.Set(attrs, "newkey", req.newKey)
		}
	}
	var buf bytes.Buffer
	writeBody(&buf, attrs, payload)
	req.body = buf.Bytes()
	s.unacked[rid] = req
	s.inFlight++
	return req
}

// issue starts sending req and waits until its body has been written or the
// attempt failed, so that requests reach the connection manager in the order
// they are issued.
// It reports false if the session ended first.
func (s *session) issue(req *request, resend bool) bool {
	wrote := make(chan struct{})
	go s.send(req, resend, wrote)
	select {
	case <-wrote:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// send makes the HTTP request for req and handles the response.
// If wrote is not nil it is closed once the body has been written, or once
// sending it failed.
func (s *session) send(req *request, resend bool, wrote chan struct{}) {
	var once sync.Once
	written := func() {
		if wrote != nil {
			once.Do(func() { close(wrote) })
		}
	}
	if s.obs != nil {
		s.obs.RequestSent(resend)
		s.mu.Lock()
		n := s.inFlight
		s.mu.Unlock()
		s.obs.RequestsInFlight(n)
	}

	var resp *response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = s.post(s.ctx, req.body, s.coding, written)
		var terminal *TerminalError
		if err == nil || errors.As(err, &terminal) || errors.Is(err, errNotSent) ||
			s.ctx.Err() != nil || attempt >= maxRetries {
			break
		}
		s.log.Printf("bosh: request %d failed, sending it again: %v", req.rid, err)
	}
	written()

	s.mu.Lock()
	s.inFlight--
	n := s.inFlight
	requeued := errors.Is(err, errNotSent) && s.unsend(req, resend)
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.RequestsInFlight(n)
	}

	switch {
	case s.ctx.Err() != nil:
		return
	case requeued:
		s.log.Printf("bosh: request %d was not sent, its contents will be sent again: %v", req.rid, err)
		s.wake()
		return
	case err != nil:
		s.end(err)
		return
	case resp.get("type") == typeError:
		s.recover(req.rid)
		s.wake()
		return
	}
	s.acknowledged(req.rid, resp)
	s.wake()
	s.received(req.rid, resp)
}

// unsend takes back a request that was never transmitted so that its rid,
// key and payload are used by the next request.
// It reports false if the request cannot be taken back.
// It must be called with mu held.
func (s *session) unsend(req *request, resend bool) bool {
	if resend || req.rid != s.rid-1 {
		return false
	}
	s.errors++
	if s.errors > maxRetries {
		return false
	}
	s.rid--
	delete(s.unacked, req.rid)
	if s.keys != nil {
		s.keys.unread(req.key, req.newKey)
	}
	if len(req.payload) > 0 {
		s.pending = append(append([][]byte(nil), req.payload...), s.pending...)
	}
	if req.restart {
		s.restart = true
	}
	if req.terminate {
		s.terminateSent = false
	}
	return true
}

// post makes a single HTTP request with the encoded body b.
// If wrote is not nil it is called once the request has been written.
func (s *session) post(ctx context.Context, b []byte, coding string, wrote func()) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.wait+requestMargin)
	defer cancel()
	if wrote != nil {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(httptrace.WroteRequestInfo) { wrote() },
		})
	}

	if coding != "" {
		var err error
		b, err = encode(coding, b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errNotSent, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotSent, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if coding != "" {
		req.Header.Set("Content-Encoding", coding)
	}

	resp, err := s.t.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	/* #nosec */
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TerminalError{
			Condition:  conditionForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	body, err := decode(resp.Header.Get("Content-Encoding"), io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	/* #nosec */
	defer body.Close()
	r, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	r.tls = resp.TLS
	return r, nil
}

// recover sends every unacknowledged request again, in rid order, after the
// connection manager answered rid with a recoverable binding error.
func (s *session) recover(rid uint64) {
	s.mu.Lock()
	s.errors++
	if s.errors > maxRetries {
		s.mu.Unlock()
		s.end(ErrTooManyErrors)
		return
	}
	reqs := make([]*request, 0, len(s.unacked))
	for _, r := range s.unacked {
		reqs = append(reqs, r)
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].rid < reqs[j].rid
	})
	s.inFlight += len(reqs)
	s.mu.Unlock()

	s.log.Printf("bosh: recoverable error in response to request %d, sending %d requests again", rid, len(reqs))
	go func() {
		for _, r := range reqs {
			if !s.issue(r, true) {
				return
			}
		}
	}()
}

// acknowledged records the response to rid and the acknowledgements and
// reports that it carries.
func (s *session) acknowledged(rid uint64, resp *response) {
	s.mu.Lock()
	delete(s.unacked, rid)
	s.errors = 0
	s.lastEmpty = len(resp.payload) == 0
	if resp.has("ack") {
		ack := resp.number("ack", 0)
		for r := range s.unacked {
			if r <= ack {
				delete(s.unacked, r)
			}
		}
	}
	var missing *request
	if resp.has("report") {
		missing = s.unacked[resp.number("report", 0)]
		if missing != nil {
			s.inFlight++
		}
	}
	s.mu.Unlock()

	if missing != nil {
		s.log.Printf("bosh: connection manager did not receive request %d (%sms ago), sending it again", missing.rid, resp.get("time"))
		go s.send(missing, true, nil)
	}
}

// received stores the response to rid and hands every response that is next
// in rid order to the handler.
func (s *session) received(rid uint64, resp *response) {
	s.mu.Lock()
	if rid < s.next {
		// A duplicate response to a request that was sent again.
		s.mu.Unlock()
		return
	}
	s.responses[rid] = resp
	s.mu.Unlock()

	s.procMu.Lock()
	defer s.procMu.Unlock()
	for {
		s.mu.Lock()
		r, ok := s.responses[s.next]
		if ok {
			delete(s.responses, s.next)
			if s.next > s.highestReceived {
				s.highestReceived = s.next
			}
			s.next++
		}
		s.mu.Unlock()
		if !ok || s.process(r) {
			return
		}
	}
}

// process hands the payload of a response to the handler.
// It must be called with procMu held and reports whether the session ended.
func (s *session) process(resp *response) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	for _, v := range resp.payload {
		restart, err := s.h.HandleElement(v)
		if err != nil {
			s.end(err)
			return true
		}
		if restart {
			s.requestRestart()
		}
	}
	if resp.get("type") == typeTerminate {
		s.end(terminalError(resp))
		return true
	}
	return false
}

// terminalError returns the error carried by a terminate body.
// A remote-stream-error returns the stream error it wraps.
func terminalError(resp *response) error {
	for _, v := range resp.payload {
		if se, ok := v.(stream.Error); ok {
			return se
		}
	}
	return &TerminalError{Condition: resp.get("condition")}
}

// close sends the terminate request and waits for the response, or for the
// timeout to elapse, before ending the session.
// If the connection manager rejects the terminate request, or the session
// fails while it is being terminated, the error is returned.
func (s *session) close(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.closed || s.terminating {
		s.mu.Unlock()
		return nil
	}
	s.terminating = true
	s.mu.Unlock()
	s.wake()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Printf("bosh: session %s was not terminated by the connection manager: %v", s.sid, ctx.Err())
	}
	s.end(nil)

	s.mu.Lock()
	err := s.endErr
	s.mu.Unlock()
	var terminal *TerminalError
	if errors.As(err, &terminal) && terminal.Condition == "" && terminal.StatusCode == 0 {
		// The connection manager acknowledged the terminate request.
		return nil
	}
	return err
}

// end ends the session and reports err to the handler, unless the session is
// being terminated by the client.
func (s *session) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.endErr = err
		quiet := s.terminating
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		s.t.forget(s)
		if err != nil && !quiet {
			s.log.Printf("bosh: session %s failed: %v", s.sid, err)
			s.h.HandleError(err)
		}
	})
}
