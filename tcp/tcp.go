// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package tcp implements an XMPP client transport over a single persistent TCP
// connection.
//
// The transport discovers the server with DNS SRV records (see the dial
// package), opens the XML stream, and reads first-level elements on a
// dedicated goroutine, handing each of them to the client.
// Writes are serialized by a StreamWriter.
// The connection can be upgraded in place to TLS (STARTTLS) and stream
// compression (XEP-0138) when the client negotiates those features.
package tcp // import "mellium.im/xmppcore/tcp"

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/codec"
	"mellium.im/xmppcore/compress"
	"mellium.im/xmppcore/dial"
	istream "mellium.im/xmppcore/internal/stream"
)

// Default values used when the corresponding Config fields are not set.
const (
	DefaultKeepAlive       = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// ErrClosed is returned when sending on a transport that is not connected.
var ErrClosed = errors.New("tcp: connection closed")

// Config configures a Transport.
type Config struct {
	// Host and Port connect to an explicit address instead of looking up the
	// SRV records of the domain.
	// If Host is set and Port is zero, 5222 is used.
	Host string
	Port uint16

	// Dialer is used to open the connection.
	// If nil, a zero net.Dialer is used.
	Dialer *net.Dialer

	// Resolver is used to look up SRV records.
	// If nil, the resolver of Dialer (or the default resolver) is used.
	Resolver *net.Resolver

	// KeepAlive is the interval of inactivity after which a whitespace
	// keep-alive is sent.
	// If zero, DefaultKeepAlive is used, if negative keep-alives are disabled.
	KeepAlive time.Duration

	// ShutdownTimeout bounds the time spent closing the stream gracefully before
	// the connection is closed.
	// If zero, DefaultShutdownTimeout is used.
	ShutdownTimeout time.Duration

	// Logger receives debug messages.
	// If nil, nothing is logged.
	Logger *log.Logger
}

// Transport is an xmppcore.Transport that uses a TCP connection.
// A Transport may be connected again after it is closed.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	conn *conn
}

// New returns a transport that uses cfg.
func New(cfg Config) *Transport {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", log.LstdFlags)
	}
	return &Transport{cfg: cfg}
}

var (
	_ xmppcore.Transport        = (*Transport)(nil)
	_ xmppcore.TLSUpgrader      = (*Transport)(nil)
	_ xmppcore.Compressor       = (*Transport)(nil)
	_ xmppcore.ConnectionStater = (*Transport)(nil)
)

// conn is the state of a single connection.
type conn struct {
	stream xmppcore.Stream
	h      xmppcore.Handler
	log    *log.Logger

	w  *StreamWriter
	mu sync.Mutex
	// raw is the network connection, possibly wrapped in TLS.
	raw net.Conn
	// rw is raw, possibly wrapped by a compressor, and br buffers reads from it
	// across stream restarts.
	rw         io.ReadWriter
	br         *bufio.Reader
	compressor io.Closer
	tlsState   tls.ConnectionState
	secure     bool

	closeOnce sync.Once
	closing   chan struct{}
	closeErr  error
}

// Connect dials the server of st.To, opens the stream, and starts reading
// from it.
func (t *Transport) Connect(ctx context.Context, st xmppcore.Stream, h xmppcore.Handler) error {
	t.mu.Lock()
	old := t.conn
	t.mu.Unlock()
	if old != nil {
		/* #nosec */
		old.close(ctx, t.cfg.ShutdownTimeout)
	}

	d := dial.Dialer{Host: t.cfg.Host, Port: t.cfg.Port}
	if t.cfg.Dialer != nil {
		d.Dialer = *t.cfg.Dialer
	}
	if t.cfg.Resolver != nil {
		d.Resolver = t.cfg.Resolver
	}
	raw, err := d.Dial(ctx, "tcp", st.To)
	if err != nil {
		return err
	}
	t.cfg.Logger.Printf("tcp: connected to %s (%s)", st.To, raw.RemoteAddr())

	c := &conn{
		stream:  st,
		h:       h,
		log:     t.cfg.Logger,
		raw:     raw,
		rw:      raw,
		br:      bufio.NewReader(raw),
		w:       NewStreamWriter(raw, t.cfg.KeepAlive),
		closing: make(chan struct{}),
	}
	if err = c.w.Restart(ctx, st.To, st.Lang); err != nil {
		/* #nosec */
		raw.Close()
		return err
	}

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()

	go c.read(t)
	return nil
}

func (t *Transport) current() (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrClosed
	}
	return t.conn, nil
}

// Send writes b to the stream.
func (t *Transport) Send(ctx context.Context, b []byte) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return c.w.Write(ctx, b)
}

// RestartStream writes a new stream header.
// The reader expects the new header from the server before it reads further
// elements.
// The transport restarts the stream itself when the handler asks it to, so
// this is only needed by callers that negotiate features outside of
// HandleElement.
func (t *Transport) RestartStream(ctx context.Context) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return c.w.Restart(ctx, c.stream.To, c.stream.Lang)
}

// Close closes the stream and the connection.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.close(ctx, t.cfg.ShutdownTimeout)
}

// StartTLS upgrades the connection to TLS.
// It must be called from HandleElement after the server has told the client to
// proceed.
func (t *Transport) StartTLS(ctx context.Context, cfg *tls.Config) (tls.ConnectionState, error) {
	c, err := t.current()
	if err != nil {
		return tls.ConnectionState{}, err
	}

	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	tlsConn := tls.Client(raw, cfg)
	// Anything already queued is written in the clear before the writer switches
	// to the TLS connection.
	if err = c.w.Reset(ctx, tlsConn); err != nil {
		return tls.ConnectionState{}, err
	}
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		return tls.ConnectionState{}, err
	}
	state := tlsConn.ConnectionState()

	c.mu.Lock()
	c.raw = tlsConn
	c.rw = tlsConn
	c.br = bufio.NewReader(tlsConn)
	c.tlsState = state
	c.secure = true
	c.mu.Unlock()
	return state, nil
}

// Compress enables stream compression with m.
// It must be called from HandleElement after the server has confirmed that
// compression is in effect.
func (t *Transport) Compress(m compress.Method) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	rw, err := m.Wrapper(raw)
	if err != nil {
		return err
	}
	if err = c.w.Reset(context.Background(), rw); err != nil {
		return err
	}
	c.mu.Lock()
	c.rw = rw
	c.br = bufio.NewReader(rw)
	if closer, ok := rw.(io.Closer); ok {
		c.compressor = closer
	}
	c.mu.Unlock()
	return nil
}

// ConnectionState returns the state of the TLS connection, if any.
func (t *Transport) ConnectionState() (tls.ConnectionState, bool) {
	c, err := t.current()
	if err != nil {
		return tls.ConnectionState{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsState, c.secure
}

// read runs the reader pump until the connection fails or is closed.
func (c *conn) read(t *Transport) {
	err := c.readStreams()
	select {
	case <-c.closing:
		// Errors caused by closing the connection are expected.
		return
	default:
	}

	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("tcp: stream closed by the server: %w", io.EOF)
	}
	c.log.Printf("tcp: connection to %s failed: %v", c.stream.To, err)
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()
	/* #nosec */
	c.close(context.Background(), t.cfg.ShutdownTimeout)
	c.h.HandleError(err)
}

// readStreams reads each stream in turn, starting a new one every time the
// handler requests a restart.
func (c *conn) readStreams() error {
	for {
		c.mu.Lock()
		d := xml.NewDecoder(c.br)
		c.mu.Unlock()

		info, err := istream.Expect(context.Background(), d)
		if err != nil {
			return err
		}
		c.log.Printf("tcp: stream %s opened by %s", info.ID, info.From)

		if err = c.readElements(d); err != nil {
			return err
		}
		if err = c.w.Restart(context.Background(), c.stream.To, c.stream.Lang); err != nil {
			return err
		}
	}
}

// readElements hands elements to the handler until the stream must be
// restarted, in which case it returns nil.
func (c *conn) readElements(d *xml.Decoder) error {
	for {
		start, err := istream.Next(d)
		if err != nil {
			return err
		}
		v, err := codec.Decode(d, start)
		if err != nil {
			return err
		}
		restart, err := c.h.HandleElement(v)
		if err != nil {
			return err
		}
		if restart {
			return nil
		}
	}
}

// close shuts down the stream and closes the connection.
// It is safe to call more than once; only the first call has an effect.
func (c *conn) close(ctx context.Context, timeout time.Duration) error {
	c.closeOnce.Do(func() {
		close(c.closing)
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := c.w.Shutdown(ctx)
		if errors.Is(err, ErrWriterClosed) {
			err = nil
		}

		c.mu.Lock()
		compressor, raw := c.compressor, c.raw
		c.mu.Unlock()
		if compressor != nil {
			/* #nosec */
			compressor.Close()
		}
		if e := raw.Close(); err == nil {
			err = e
		}
		c.closeErr = err
	})
	return c.closeErr
}
