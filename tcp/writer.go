// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mellium.im/xmppcore/internal/stream"
	"mellium.im/xmppcore/jid"
)

// ErrWriterClosed is returned when writing to a StreamWriter that has been
// shut down.
var ErrWriterClosed = errors.New("tcp: stream writer closed")

// op is a single unit of work for the writer goroutine.
// If w is set the sink is replaced, otherwise b is written.
type op struct {
	b    []byte
	w    io.Writer
	done chan error
}

// StreamWriter serializes writes to an XML stream.
//
// All writes are performed in order by a single goroutine so that elements
// written concurrently are never interleaved.
// When nothing has been written for the keep-alive interval a single space is
// written to keep the connection open.
type StreamWriter struct {
	keepAlive time.Duration
	queue     chan op
	exited    chan struct{}
	g         *errgroup.Group

	mu     sync.RWMutex
	closed bool

	// w is only accessed by the writer goroutine.
	w io.Writer
}

// NewStreamWriter starts a writer that writes to w.
// A keepAlive of zero or less disables keep-alives.
func NewStreamWriter(w io.Writer, keepAlive time.Duration) *StreamWriter {
	sw := &StreamWriter{
		keepAlive: keepAlive,
		queue:     make(chan op, 16),
		exited:    make(chan struct{}),
		w:         w,
		g:         &errgroup.Group{},
	}
	sw.g.Go(func() error {
		defer close(sw.exited)
		return sw.run()
	})
	return sw
}

// Write queues b to be written to the stream and waits until it has been
// written.
func (sw *StreamWriter) Write(ctx context.Context, b []byte) error {
	return sw.do(ctx, op{b: b})
}

// Reset replaces the underlying writer.
// Writes that were queued before Reset are written to the old writer and
// writes queued afterwards are written to w.
// If w is the current writer Reset is a no-op.
func (sw *StreamWriter) Reset(ctx context.Context, w io.Writer) error {
	return sw.do(ctx, op{w: w})
}

// Restart writes a new stream header without closing the underlying writer.
func (sw *StreamWriter) Restart(ctx context.Context, to jid.JID, lang string) error {
	var buf bytes.Buffer
	if err := stream.Send(&buf, to, jid.JID{}, lang); err != nil {
		return err
	}
	return sw.Write(ctx, buf.Bytes())
}

// Shutdown closes the stream.
// It writes the closing stream tag after any writes that were already queued,
// refuses all further writes, and waits for the writer goroutine to exit or for
// ctx to be done.
// It does not close the underlying writer.
func (sw *StreamWriter) Shutdown(ctx context.Context) error {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return ErrWriterClosed
	}
	sw.closed = true
	o := op{b: []byte(`</stream:stream>`), done: make(chan error, 1)}
	err := sw.enqueue(ctx, o)
	sw.mu.Unlock()

	if err == nil {
		err = sw.wait(ctx, o)
	}
	close(sw.queue)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- sw.g.Wait()
	}()
	select {
	case e := <-waitErr:
		if err == nil {
			err = e
		}
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (sw *StreamWriter) do(ctx context.Context, o op) error {
	o.done = make(chan error, 1)
	sw.mu.RLock()
	if sw.closed {
		sw.mu.RUnlock()
		return ErrWriterClosed
	}
	err := sw.enqueue(ctx, o)
	sw.mu.RUnlock()
	if err != nil {
		return err
	}
	return sw.wait(ctx, o)
}

// enqueue must be called with mu held.
func (sw *StreamWriter) enqueue(ctx context.Context, o op) error {
	select {
	case sw.queue <- o:
		return nil
	case <-sw.exited:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sw *StreamWriter) wait(ctx context.Context, o op) error {
	select {
	case err := <-o.done:
		return err
	case <-sw.exited:
		// The op may have completed just before the writer exited.
		select {
		case err := <-o.done:
			return err
		default:
			return ErrWriterClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sw *StreamWriter) run() error {
	var idle <-chan time.Time
	var timer *time.Timer
	if sw.keepAlive > 0 {
		timer = time.NewTimer(sw.keepAlive)
		defer timer.Stop()
		idle = timer.C
	}
	resetIdle := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sw.keepAlive)
	}

	for {
		select {
		case o, ok := <-sw.queue:
			if !ok {
				return nil
			}
			var err error
			if o.w != nil {
				if !sameWriter(o.w, sw.w) {
					sw.w = o.w
				}
			} else {
				_, err = sw.w.Write(o.b)
			}
			o.done <- err
			if err != nil {
				return err
			}
			resetIdle()
		case <-idle:
			if _, err := sw.w.Write([]byte{' '}); err != nil {
				return err
			}
			timer.Reset(sw.keepAlive)
		}
	}
}

// sameWriter reports whether a and b are the same writer without panicking on
// writers with incomparable dynamic types.
func sameWriter(a, b io.Writer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
