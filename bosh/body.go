// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"mellium.im/xmppcore/codec"
	"mellium.im/xmppcore/internal/attr"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/stanza"
)

// Values of the type attribute of a body.
const (
	typeTerminate = "terminate"
	typeError     = "error"
)

var bodyName = xml.Name{Space: ns.HTTPBind, Local: "body"}

var errNotBody = errors.New("bosh: response is not a body element")

// writeBody writes a body wrapper with the given attributes around the
// already encoded payload.
// Attribute names may carry the xml or xmpp prefixes, the latter is declared
// on every body.
func writeBody(b *bytes.Buffer, attrs []xml.Attr, payload [][]byte) {
	b.WriteString(`<body`)
	for _, a := range attrs {
		b.WriteString(" " + a.Name.Local + "='")
		// Writes to a bytes.Buffer never fail.
		_ = xml.EscapeText(b, []byte(a.Value))
		b.WriteByte('\'')
	}
	b.WriteString(` xmlns='` + ns.HTTPBind + `' xmlns:xmpp='` + ns.XBOSH + `'`)
	if len(payload) == 0 {
		b.WriteString(`/>`)
		return
	}
	b.WriteByte('>')
	for _, p := range payload {
		b.Write(p)
	}
	b.WriteString(`</body>`)
}

// response is a body received from the connection manager.
type response struct {
	attr    []xml.Attr
	payload []interface{}
	tls     *tls.ConnectionState
}

// get returns the value of the unprefixed attribute with the given name.
func (r *response) get(local string) string {
	for _, a := range r.attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// has reports whether the unprefixed attribute with the given name is
// present.
func (r *response) has(local string) bool {
	for _, a := range r.attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return true
		}
	}
	return false
}

// number returns the value of the unprefixed attribute with the given name as
// an integer, or def if it is missing or malformed.
func (r *response) number(local string, def uint64) uint64 {
	v, err := strconv.ParseUint(r.get(local), 10, 64)
	if err != nil {
		return def
	}
	return v
}

// decodeBody reads a single body wrapper from r and decodes its children.
//
// Stanzas are expected in the jabber:client namespace, but connection managers
// that leave them in the namespace of the body are tolerated.
func decodeBody(r io.Reader) (*response, error) {
	d := xml.NewDecoder(r)
	var start xml.StartElement
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		if s, ok := tok.(xml.StartElement); ok {
			start = s
			break
		}
	}
	if start.Name != bodyName {
		return nil, fmt.Errorf("%w: got %v", errNotBody, start.Name)
	}

	resp := &response{attr: start.Attr}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == ns.HTTPBind && stanza.Is(xml.Name{Local: t.Name.Local}) {
				t.Name.Space = ns.Client
			}
			v, err := codec.Decode(d, t)
			if err != nil {
				return nil, err
			}
			resp.payload = append(resp.payload, v)
		case xml.EndElement:
			return resp, nil
		}
	}
}

// setUint is attr.Set for integer values.
func setUint(attrs []xml.Attr, local string, v uint64) []xml.Attr {
	return attr.Set(attrs, local, strconv.FormatUint(v, 10))
}
