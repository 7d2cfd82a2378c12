// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"encoding/xml"

	"mellium.im/xmppcore/compress"
	"mellium.im/xmppcore/stream"
)

// compression negotiates XEP-0138 stream compression on transports that
// implement Compressor.
type compression struct{}

func (compression) name() xml.Name { return compress.Feature }

func (compression) deferred() bool { return false }

func (compression) canProcess(el stream.Element) bool {
	return compress.IsCompressed(el) || compress.IsFailure(el)
}

func (compression) process(c *Client, at *attempt, el stream.Element) (result, bool, error) {
	compressor, ok := c.transport.(Compressor)
	if !ok || len(c.opts.compression) == 0 {
		return success, false, nil
	}

	switch {
	case compress.IsCompressed(el):
		at.mu.Lock()
		m := at.compression
		at.mu.Unlock()
		if err := compressor.Compress(m); err != nil {
			return failure, false, err
		}
		return success, true, nil
	case compress.IsFailure(el):
		// XEP-0138 §6: the client may continue without compression.
		c.opts.log.Printf("xmppcore: server refused stream compression")
		return failure, false, nil
	}

	offered, err := compress.Methods(el)
	if err != nil {
		return failure, false, err
	}
	m, ok := compress.Select(offered, c.opts.compression)
	if !ok {
		return success, false, nil
	}
	at.mu.Lock()
	at.compression = m
	at.mu.Unlock()
	if err = c.sendNegotiation(at, compress.Request(m.Name)); err != nil {
		return failure, false, err
	}
	return incomplete, false, nil
}
