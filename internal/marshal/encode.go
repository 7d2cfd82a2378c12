// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package marshal contains functions for encoding values as XML bytes or as an
// XML token stream.
package marshal // import "mellium.im/xmppcore/internal/marshal"

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmlstream"
)

// EncodeXML writes the XML encoding of v to the stream.
//
// If v is an xml.TokenReader or an xmlstream.Marshaler its tokens are copied to
// w, otherwise v is encoded using the rules of xml.Marshal.
// If the stream is an xmlstream.Flusher, EncodeXML calls Flush before
// returning.
func EncodeXML(w xmlstream.TokenWriter, v interface{}) error {
	var r xml.TokenReader
	switch vv := v.(type) {
	case xml.TokenReader:
		r = vv
	case xmlstream.Marshaler:
		r = vv.TokenReader()
	default:
		if e, ok := w.(*xml.Encoder); ok {
			// Encode flushes on its own.
			return e.Encode(v)
		}
		b, err := xml.Marshal(v)
		if err != nil {
			return err
		}
		r = xml.NewDecoder(bytes.NewReader(b))
	}

	if _, err := xmlstream.Copy(w, r); err != nil {
		return err
	}

	if wf, ok := w.(xmlstream.Flusher); ok {
		return wf.Flush()
	}
	return nil
}

// Bytes returns the XML encoding of v as described by EncodeXML.
func Bytes(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	var buf bytes.Buffer
	if err := EncodeXML(xml.NewEncoder(&buf), v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
