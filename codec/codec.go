// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmppcore/internal/marshal"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/stream"
)

// Kind is the routing category of a first-level element.
type Kind uint8

// A list of element kinds.
const (
	// KindOther is any element that is not one of the kinds below; these are
	// offered to the stream feature negotiators.
	KindOther Kind = iota

	// KindStanza is an IQ, message, or presence.
	KindStanza

	// KindFeatures is a stream features announcement.
	KindFeatures

	// KindStreamError is a stream level error and is always fatal.
	KindStreamError
)

func (k Kind) String() string {
	switch k {
	case KindStanza:
		return "stanza"
	case KindFeatures:
		return "features"
	case KindStreamError:
		return "stream-error"
	}
	return "other"
}

var (
	featuresName    = xml.Name{Space: ns.Stream, Local: "features"}
	streamErrorName = xml.Name{Space: ns.Stream, Local: "error"}
)

// Decode reads the element that begins with start from d.
// d must have been created with xml.NewDecoder so that the raw inner XML of
// stanzas can be retained.
func Decode(d *xml.Decoder, start xml.StartElement) (interface{}, error) {
	switch {
	case stanza.Is(start.Name):
		switch start.Name.Local {
		case "iq":
			iq := stanza.IQ{}
			err := d.DecodeElement(&iq, &start)
			return iq, err
		case "message":
			msg := stanza.Message{}
			err := d.DecodeElement(&msg, &start)
			return msg, err
		default:
			p := stanza.Presence{}
			err := d.DecodeElement(&p, &start)
			return p, err
		}
	case start.Name == featuresName:
		features := stream.Features{}
		err := d.DecodeElement(&features, &start)
		return features, err
	case start.Name == streamErrorName:
		se := stream.Error{}
		err := d.DecodeElement(&se, &start)
		return se, err
	}
	el := stream.Element{}
	err := d.DecodeElement(&el, &start)
	return el, err
}

// Unmarshal decodes a single element from b.
// Leading whitespace is ignored.
func Unmarshal(b []byte) (interface{}, error) {
	d := xml.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return Decode(d, start)
		}
	}
}

// Classify returns the kind of a value returned by Decode.
// Pointers to the same types are also recognized.
func Classify(v interface{}) Kind {
	switch v.(type) {
	case stanza.IQ, *stanza.IQ, stanza.Message, *stanza.Message, stanza.Presence, *stanza.Presence:
		return KindStanza
	case stream.Features, *stream.Features:
		return KindFeatures
	case stream.Error, *stream.Error:
		return KindStreamError
	}
	return KindOther
}

// Marshal returns the encoding of v.
//
// v may be one of the stanza types, an xml.TokenReader, an xmlstream.Marshaler,
// a byte slice of raw XML (which is returned as is), or any value that can be
// marshaled by the encoding/xml package.
// Top-level stanzas that do not have a namespace are placed in the
// jabber:client namespace.
func Marshal(v interface{}) ([]byte, error) {
	var start xml.StartElement
	switch s := v.(type) {
	case *stanza.IQ:
		v = *s
		start.Name.Local = "iq"
	case stanza.IQ:
		start.Name.Local = "iq"
	case *stanza.Message:
		v = *s
		start.Name.Local = "message"
	case stanza.Message:
		start.Name.Local = "message"
	case *stanza.Presence:
		v = *s
		start.Name.Local = "presence"
	case stanza.Presence:
		start.Name.Local = "presence"
	case xml.TokenReader:
		return marshal.Bytes(&clientNS{r: s})
	case xmlstream.Marshaler:
		return marshal.Bytes(&clientNS{r: s.TokenReader()})
	default:
		return marshal.Bytes(v)
	}

	start.Name.Space = ns.Client
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if err := e.EncodeElement(v, start); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// clientNS places the first element read from r into the jabber:client
// namespace if it is a stanza with no namespace.
type clientNS struct {
	r       xml.TokenReader
	seen    bool
	rewrite bool
	depth   int
}

func (c *clientNS) Token() (xml.Token, error) {
	tok, err := c.r.Token()
	switch t := tok.(type) {
	case xml.StartElement:
		if !c.seen {
			c.seen = true
			c.rewrite = t.Name.Space == "" && stanza.Is(t.Name)
			if c.rewrite {
				t.Name.Space = ns.Client
				tok = t
			}
		}
		c.depth++
	case xml.EndElement:
		c.depth--
		if c.rewrite && c.depth == 0 {
			t.Name.Space = ns.Client
			tok = t
			c.rewrite = false
		}
	}
	return tok, err
}
