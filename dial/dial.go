// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dial contains methods and types for dialing XMPP connections.
package dial // import "mellium.im/xmppcore/dial"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"mellium.im/xmppcore/internal/discover"
	"mellium.im/xmppcore/jid"
)

// ErrServiceUnavailable is returned when the DNS records of a domain state that
// it does not offer an XMPP client service.
var ErrServiceUnavailable = discover.ErrServiceUnavailable

// Client discovers and connects to the address on the named network with a
// client-to-server (c2s) connection.
//
// For more information see the Dialer type.
func Client(ctx context.Context, network string, addr jid.JID) (net.Conn, error) {
	var d Dialer
	return d.Dial(ctx, network, addr)
}

// A Dialer contains options for connecting to an XMPP address.
// After a connection is established the Dial method does not attempt to create
// an XMPP session on the connection.
//
// The zero value for each field is equivalent to dialing without that option.
// Dialing with the zero value of Dialer is equivalent to calling the Client
// function.
type Dialer struct {
	net.Dialer

	// Host and Port connect to an explicit address instead of looking one up.
	// If Host is set and Port is zero, 5222 is used.
	Host string
	Port uint16

	// NoLookup stops the dialer from looking up SRV records for the given domain.
	// Instead, it will try to connect to the domain directly.
	NoLookup bool
}

// Dial discovers and connects to the address on the named network.
// If the context expires before the connection is complete, an error is
// returned. Once successfully connected, any expiration of the context will not
// affect the connection.
//
// Unless an explicit host is configured, the _xmpp-client._tcp SRV records of
// the domain are tried in order of priority and weight.
// If looking up the records fails the domain itself is dialed on the default
// port.
// If the records were found but none of them could be connected to, the
// domain is not dialed and the last error is returned.
//
// Network may be any of the network types supported by net.Dial, but you most
// likely want to use one of the tcp connection types ("tcp", "tcp4", or
// "tcp6").
func (d *Dialer) Dial(ctx context.Context, network string, addr jid.JID) (net.Conn, error) {
	domain := addr.Domainpart()
	if d.Host != "" {
		port := d.Port
		if port == 0 {
			port = discover.DefaultClientPort
		}
		return d.dialRecord(ctx, network, &net.SRV{Target: d.Host, Port: port})
	}
	if d.NoLookup {
		return d.dialRecord(ctx, network, discover.FallbackRecords(domain)[0])
	}

	addrs, err := discover.LookupService(ctx, d.Resolver, domain)
	switch {
	case errors.Is(err, discover.ErrServiceUnavailable):
		return nil, err
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// RFC 6120 §3.2.2
		//    If the initiating entity fails to receive a response from the DNS
		//    SRV lookup, it SHOULD proceed to fallback resolution.
		return d.dialRecord(ctx, network, discover.FallbackRecords(domain)[0])
	}

	// Try dialing all of the SRV records we know about, breaking as soon as the
	// connection is established.
	for _, record := range addrs {
		var c net.Conn
		c, err = d.dialRecord(ctx, network, record)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("dial: no service record for %s could be reached: %w", domain, err)
}

// dialRecord connects to the target of record, trying each of the addresses
// that the target resolves to in turn.
func (d *Dialer) dialRecord(ctx context.Context, network string, record *net.SRV) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, network, net.JoinHostPort(
		record.Target,
		strconv.FormatUint(uint64(record.Port), 10),
	))
}
