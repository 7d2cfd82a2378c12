// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"

	"mellium.im/xmlstream"

	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/stream"
)

// ErrTLSRefused is returned when the server answers a STARTTLS request with a
// failure.
var ErrTLSRefused = errors.New("xmppcore: server refused to negotiate TLS")

// startTLS negotiates TLS on transports that implement TLSUpgrader.
type startTLS struct{}

func (startTLS) name() xml.Name {
	return xml.Name{Space: ns.StartTLS, Local: "starttls"}
}

func (startTLS) deferred() bool { return false }

func (startTLS) canProcess(el stream.Element) bool {
	return el.XMLName.Space == ns.StartTLS && (el.XMLName.Local == "proceed" || el.XMLName.Local == "failure")
}

func (s startTLS) process(c *Client, at *attempt, el stream.Element) (result, bool, error) {
	upgrader, canUpgrade := c.transport.(TLSUpgrader)

	switch el.XMLName.Local {
	case "starttls":
		parsed := struct {
			Required *struct{} `xml:"required"`
		}{}
		if err := el.Decode(&parsed); err != nil {
			return failure, false, err
		}
		required := parsed.Required != nil
		if !canUpgrade || (c.opts.noTLS && !required) {
			if required {
				return failure, false, fmt.Errorf("xmppcore: server requires STARTTLS but the transport cannot negotiate it: %w", stream.UnsupportedFeature)
			}
			return success, false, nil
		}
		err := c.sendNegotiation(at, xmlstream.Wrap(nil, xml.StartElement{Name: s.name()}))
		if err != nil {
			return failure, false, err
		}
		return incomplete, false, nil
	case "proceed":
		if !canUpgrade {
			return failure, false, stream.UnsupportedStanzaType
		}
		// If no TLSConfig was specified, use a default config.
		cfg := c.opts.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = c.domain.Domainpart()
		}
		state, err := upgrader.StartTLS(at.ctx, cfg)
		if err != nil {
			return failure, false, err
		}
		at.setSecure(state)
		return success, true, nil
	}

	// Failure is not an "error", it's expected behavior. Immediately afterwards
	// the server will end the stream.
	return failure, false, ErrTLSRefused
}
