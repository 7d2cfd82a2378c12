// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"mellium.im/xmppcore/stream"
)

// Errors related to stream handling
var (
	ErrUnknownStreamElement = errors.New("xmpp: unknown stream level element")
	ErrUnexpectedRestart    = errors.New("xmpp: unexpected stream restart")
)

// Next reads tokens from an established stream until the start of the next
// first-level element and returns it.
// The caller is expected to consume the rest of the element, for instance by
// passing the decoder and the start element to codec.Decode.
// Whitespace between elements is skipped.
// When the stream is closed by the remote entity io.EOF is returned.
func Next(d xml.TokenReader) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != stream.NS {
				return t, nil
			}

			// Stream errors and features are handled by the codec, other stream
			// namespaced elements are not allowed.
			switch t.Name.Local {
			case "error", "features":
				return t, nil
			case "stream":
				return xml.StartElement{}, ErrUnexpectedRestart
			default:
				return xml.StartElement{}, ErrUnknownStreamElement
			}
		case xml.EndElement:
			// If this is a stream end element, we're done.
			if t.Name.Space == stream.NS && t.Name.Local == "stream" {
				return xml.StartElement{}, io.EOF
			}

			// Any other first-level end element means something is really weird…
			return xml.StartElement{}, stream.BadFormat
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return xml.StartElement{}, stream.BadFormat
			}
		case xml.Comment, xml.ProcInst, xml.Directive:
			return xml.StartElement{}, stream.RestrictedXML
		default:
			return xml.StartElement{}, fmt.Errorf("xmpp: invalid token type: %T", tok)
		}
	}
}
