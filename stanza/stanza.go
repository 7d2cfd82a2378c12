// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"mellium.im/xmppcore/internal/ns"
)

// ErrNoPayload is returned when a stanza payload is requested but the stanza
// has no child elements.
var ErrNoPayload = errors.New("stanza: no payload")

// Is tests whether name is a valid stanza based on name and space.
// Stanzas with no namespace are accepted since they inherit jabber:client from
// the stream or from the wrapper element in which they are carried.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == "")
}

// firstChild returns the start element of the first child element in inner as
// well as a decoder positioned just after it.
func firstChild(inner []byte) (xml.StartElement, *xml.Decoder, error) {
	d := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := d.Token()
		switch {
		case err == io.EOF:
			return xml.StartElement{}, nil, ErrNoPayload
		case err != nil:
			return xml.StartElement{}, nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, d, nil
		}
	}
}

// payloadName returns the name of the first child element in inner.
// Elements that do not declare a namespace inherit jabber:client.
func payloadName(inner []byte) xml.Name {
	start, _, err := firstChild(inner)
	if err != nil {
		return xml.Name{}
	}
	if start.Name.Space == "" {
		start.Name.Space = ns.Client
	}
	return start.Name
}

// unmarshalPayload decodes the first child element of inner into v.
func unmarshalPayload(inner []byte, v interface{}) error {
	start, d, err := firstChild(inner)
	if err != nil {
		return err
	}
	return d.DecodeElement(v, &start)
}

// errorChild finds and decodes the first stanza error child of inner.
func errorChild(inner []byte) (Error, bool) {
	d := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := d.Token()
		if err != nil {
			return Error{}, false
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "error" || (start.Name.Space != "" && start.Name.Space != ns.Client) {
			if err = d.Skip(); err != nil {
				return Error{}, false
			}
			continue
		}
		var se Error
		if err = d.DecodeElement(&se, &start); err != nil {
			return Error{}, false
		}
		return se, true
	}
}
