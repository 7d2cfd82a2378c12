// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains internal stream header handling and first-level
// element framing.
package stream // import "mellium.im/xmppcore/internal/stream"

import (
	"bufio"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"mellium.im/xmppcore/internal/decl"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/stream"
)

// Version is the only supported stream version.
const Version = "1.0"

// Info contains metadata extracted from a stream start token.
type Info struct {
	To      jid.JID
	From    jid.JID
	ID      string
	Version string
	Lang    string
}

// This MUST only return stream errors.
func streamFromStartElement(s xml.StartElement) (Info, error) {
	streamData := Info{}
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := streamData.To.UnmarshalXMLAttr(attr); err != nil {
				return streamData, stream.ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := streamData.From.UnmarshalXMLAttr(attr); err != nil {
				return streamData, stream.ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			streamData.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			streamData.Version = attr.Value
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client {
				return streamData, stream.InvalidNamespace
			}
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != stream.NS {
				return streamData, stream.InvalidNamespace
			}
		case xml.Name{Space: ns.XML, Local: "lang"}:
			streamData.Lang = attr.Value
		}
	}
	return streamData, nil
}

// supportedVersion reports whether v has major version 1.
func supportedVersion(v string) bool {
	major, _, ok := strings.Cut(v, ".")
	return ok && strings.TrimLeft(major, "0") == "1"
}

// Send sends a new XML header followed by a stream start element on the given
// io.Writer.
// We don't use an xml.Encoder both because Go's standard library xml package
// really doesn't like the namespaced stream:stream attribute and because we can
// guarantee well-formedness of the XML with a print in this case and printing
// is much faster than encoding.
func Send(w io.Writer, to, from jid.JID, lang string) error {
	b := bufio.NewWriter(w)
	writeAttr := func(name, value string) {
		b.WriteString(" " + name + "='")
		// Writes to a bufio.Writer only fail if the underlying writer fails, which
		// is reported by Flush.
		_ = xml.EscapeText(b, []byte(value))
		b.WriteByte('\'')
	}

	b.WriteString(decl.XMLHeader + `<stream:stream`)
	if !to.IsZero() {
		writeAttr("to", to.String())
	}
	if !from.IsZero() {
		writeAttr("from", from.String())
	}
	writeAttr("version", Version)
	if lang != "" {
		writeAttr("xml:lang", lang)
	}
	b.WriteString(` xmlns='` + ns.Client + `' xmlns:stream='` + stream.NS + `'>`)
	return b.Flush()
}

// Close writes the closing stream tag.
func Close(w io.Writer) error {
	_, err := io.WriteString(w, `</stream:stream>`)
	return err
}

// Expect reads a token from d and expects that it will be a new stream start
// token.
// If not, an error is returned.
// If an XML header is discovered instead, it is skipped.
func Expect(ctx context.Context, d xml.TokenReader) (streamData Info, err error) {
	// Skip the XML declaration (if any).
	d = decl.Skip(d)

	select {
	case <-ctx.Done():
		return streamData, ctx.Err()
	default:
	}
	t, err := d.Token()
	if err != nil {
		return streamData, err
	}
	switch tok := t.(type) {
	case xml.StartElement:
		switch {
		case tok.Name.Local == "error" && tok.Name.Space == stream.NS:
			se := stream.Error{}
			if err := xml.NewTokenDecoder(d).DecodeElement(&se, &tok); err != nil {
				return streamData, err
			}
			return streamData, se
		case tok.Name.Local != "stream":
			return streamData, stream.BadFormat
		case tok.Name.Space != stream.NS:
			return streamData, stream.InvalidNamespace
		}

		streamData, err = streamFromStartElement(tok)
		switch {
		case err != nil:
			return streamData, err
		case !supportedVersion(streamData.Version):
			return streamData, stream.UnsupportedVersion
		case streamData.ID == "":
			// We are always the initiating entity and the responding entity must
			// provide a stream ID.
			return streamData, stream.BadFormat
		}
		return streamData, nil
	case xml.ProcInst:
		return streamData, stream.RestrictedXML
	case xml.EndElement:
		return streamData, stream.NotWellFormed
	default:
		return streamData, stream.RestrictedXML
	}
}
