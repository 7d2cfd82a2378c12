// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

// Status is the state of the connection owned by a Client.
//
// The zero value is Closed: a client that has never been connected is in the
// same state as a client that has been closed.
type Status uint8

const (
	// Closed indicates that the client is not connected and is not trying to
	// connect.
	Closed Status = iota

	// Connecting indicates that the transport is being connected and the stream
	// is being negotiated.
	Connecting

	// Connected indicates that negotiation has progressed far enough for the
	// client to log in.
	Connected

	// Disconnected indicates that the connection was lost unexpectedly.
	Disconnected

	// Closing indicates that the client is being closed.
	Closing
)

// String satisfies fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// StatusEvent is delivered to status listeners each time the status of a
// client changes.
type StatusEvent struct {
	Old, New Status

	// Err is the error that caused the change, if any.
	Err error
}

// updateStatus sets the status and notifies listeners.
// It is a no-op if the status is already s.
func (c *Client) updateStatus(s Status, err error) {
	c.mu.Lock()
	old := c.status
	if old == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.notifyStatus(StatusEvent{Old: old, New: s, Err: err})
}

// swapStatus is like updateStatus except that the status is only changed if
// it is currently from.
func (c *Client) swapStatus(from, to Status, err error) bool {
	c.mu.Lock()
	if c.status != from || from == to {
		c.mu.Unlock()
		return false
	}
	c.status = to
	c.mu.Unlock()
	c.notifyStatus(StatusEvent{Old: from, New: to, Err: err})
	return true
}

func (c *Client) notifyStatus(ev StatusEvent) {
	if c.opts.observer != nil {
		c.opts.observer.StatusChanged(ev.New)
	}
	for _, f := range c.listeners.status.snapshot() {
		c.safeCall("status", func() { f(ev) })
	}
	if ev.New == Closed {
		c.listeners.clear()
	}
}
