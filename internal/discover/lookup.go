// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover is used to look up information about XMPP-based services.
package discover // import "mellium.im/xmppcore/internal/discover"

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
)

const (
	boshRel     = "urn:xmpp:alt-connections:xbosh"
	hostMetaXML = "/.well-known/host-meta"

	// ClientService is the SRV service name of XMPP client-to-server
	// connections.
	ClientService = "xmpp-client"

	// DefaultClientPort is the port used when no port is known.
	DefaultClientPort = 5222
)

// Errors returned by this package.
var (
	// ErrServiceUnavailable is returned when the SRV records of a domain state
	// that the service is decidedly not available.
	ErrServiceUnavailable = errors.New("discover: service is not available at this domain")

	ErrNoEndpoint = errors.New("discover: no endpoint found in host-meta")
)

// Resolver looks up SRV records.
// It is satisfied by *net.Resolver.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
}

// XRD represents an Extensible Resource Descriptor document of the form:
//
//	<?xml version='1.0' encoding=utf-9'?>
//	<XRD xmlns='http://docs.oasis-open.org/ns/xri/xrd-1.0'>
//	  …
//	  <Link rel="urn:xmpp:alt-connections:xbosh"
//	        href="https://web.example.com:5280/bosh" />
//	  …
//	</XRD>
//
// as defined by RFC 6415 and OASIS.XRD-1.0.
type XRD struct {
	XMLName xml.Name `xml:"http://docs.oasis-open.org/ns/xri/xrd-1.0 XRD"`
	Links   []Link   `xml:"Link"`
}

// Link is an individual hyperlink in an XRD document.
type Link struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// FallbackRecords returns fake SRV records based on the service that can be
// used if no SRV records can be looked up but we believe that an XMPP service
// exists at the given domain.
func FallbackRecords(domain string) []*net.SRV {
	return []*net.SRV{{
		Target: domain,
		Port:   DefaultClientPort,
	}}
}

// LookupService looks up the SRV records of the XMPP client service hosted at
// domain.
//
// Records are returned ordered by priority (ascending) and then by weight
// (descending) so that they can be tried in order.
// If the only record has a target of "." ErrServiceUnavailable is returned.
// Lookup errors are returned as is and it is up to the caller to decide
// whether to fall back to connecting to the domain directly.
func LookupService(ctx context.Context, resolver Resolver, domain string) ([]*net.SRV, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, addrs, err := resolver.LookupSRV(ctx, ClientService, "tcp", domain)
	if err != nil {
		return nil, err
	}

	// RFC 6120 §3.2.1
	//    3.  If a response is received, it will contain one or more
	//        combinations of a port and FDQN, each of which is weighted and
	//        prioritized as described in [DNS-SRV].  (However, if the result
	//        of the SRV lookup is a single resource record with a Target of
	//        ".", i.e., the root domain, then the initiating entity MUST abort
	//        SRV processing at this point because according to [DNS-SRV] such
	//        a Target "means that the service is decidedly not available at
	//        this domain".)
	if len(addrs) == 1 && (addrs[0].Target == "." || addrs[0].Target == "") {
		return nil, ErrServiceUnavailable
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no SRV records", Name: domain, IsNotFound: true}
	}

	sorted := make([]*net.SRV, len(addrs))
	copy(sorted, addrs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Weight > sorted[j].Weight
	})
	return sorted, nil
}

// LookupBOSH discovers BOSH endpoints that are valid for the given domain
// using Web Host Metadata as described in XEP-0156.
func LookupBOSH(ctx context.Context, client *http.Client, domain string) (urls []string, err error) {
	u, err := url.Parse("https://" + path.Join(domain, hostMetaXML))
	if err != nil {
		return nil, err
	}

	xrd, err := getHostMetaXML(ctx, client, u.String())
	if err != nil {
		return nil, err
	}

	for _, link := range xrd.Links {
		if link.Rel == boshRel {
			urls = append(urls, link.Href)
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoEndpoint
	}
	return urls, nil
}

func getHostMetaXML(ctx context.Context, client *http.Client, name string) (xrd XRD, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, name, nil)
	if err != nil {
		return xrd, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return xrd, err
	}
	/* #nosec */
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xrd, fmt.Errorf("discover: unexpected status fetching host-meta: %s", resp.Status)
	}
	// If the server sends us a lot of data it's probably good to just error out.
	body := io.LimitReader(resp.Body, http.DefaultMaxHeaderBytes)
	err = xml.NewDecoder(body).Decode(&xrd)
	return xrd, err
}
