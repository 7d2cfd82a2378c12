// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"encoding/xml"

	"mellium.im/xmppcore/codec"
	"mellium.im/xmppcore/stream"
)

// result is the outcome of processing an element with a negotiator.
type result uint8

const (
	// success means that the feature has been negotiated (or skipped) and
	// negotiation may continue with the next feature.
	success result = iota

	// failure means that the feature could not be negotiated.
	// If it is accompanied by an error the failure is fatal, otherwise
	// negotiation continues with the next feature.
	failure

	// incomplete means that negotiation of the feature is waiting for another
	// element.
	incomplete
)

// negotiator negotiates a single stream feature.
//
// process is called with the feature element from a features announcement and
// then with every element for which canProcess returns true.
// If restart is true the stream must be restarted.
type negotiator interface {
	name() xml.Name
	canProcess(el stream.Element) bool
	process(c *Client, at *attempt, el stream.Element) (res result, restart bool, err error)

	// deferred reports whether an incomplete result is finished by the client
	// at a later time (for example when Login is called) instead of by the next
	// element from the server.
	deferred() bool
}

// newNegotiators returns the negotiators in the order in which their features
// are negotiated.
func newNegotiators() []negotiator {
	return []negotiator{
		&startTLS{},
		&compression{},
		&mechanisms{},
		&binding{},
	}
}

// negotiateFeatures runs every negotiator whose feature was announced in f, in
// order, until one of them has to wait for the server.
func (c *Client) negotiateFeatures(at *attempt, f stream.Features) (bool, error) {
	at.setFeatures(f)
	return c.negotiateFrom(at, f, 0)
}

func (c *Client) negotiateFrom(at *attempt, f stream.Features, start int) (bool, error) {
	for _, n := range at.negotiators[start:] {
		el, ok := f.Get(n.name())
		if !ok {
			continue
		}
		res, restart, err := n.process(c, at, el)
		switch {
		case err != nil:
			return false, err
		case restart:
			return true, nil
		case res == incomplete && !n.deferred():
			return false, nil
		}
	}
	return false, nil
}

// negotiateElement hands a negotiation element to the negotiator that expects
// it.
// If the negotiator finishes without requiring a restart, the remaining
// features of the last announcement are negotiated.
func (c *Client) negotiateElement(at *attempt, el stream.Element) (bool, error) {
	for i, n := range at.negotiators {
		if !n.canProcess(el) {
			continue
		}
		res, restart, err := n.process(c, at, el)
		switch {
		case err != nil:
			return false, err
		case restart:
			return true, nil
		case res == incomplete:
			return false, nil
		}
		at.mu.Lock()
		f := at.features
		at.mu.Unlock()
		return c.negotiateFrom(at, f, i+1)
	}
	c.opts.log.Printf("xmppcore: ignoring unexpected %s element %v", codec.Classify(el), el.XMLName)
	return false, nil
}

// sendNegotiation writes a negotiation element on behalf of a negotiator.
// Negotiation happens before the client is connected, so the status check
// done by Send does not apply.
func (c *Client) sendNegotiation(at *attempt, v interface{}) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return c.transport.Send(at.ctx, b)
}
