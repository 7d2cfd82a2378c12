// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package compress implements the wire format and compression methods of
// XEP-0138: Stream Compression and XEP-0229: Stream Compression with LZW.
//
// Be advised: stream compression has many of the same security considerations
// as TLS compression (see RFC3749 §6) and may be difficult to implement safely
// without special expertise.
package compress // import "mellium.im/xmppcore/compress"

import (
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/stream"
)

// Namespaces used by stream compression.
const (
	NSFeatures = ns.CompressFeature
	NSProtocol = ns.CompressProtocol
)

// Feature is the name of the stream feature advertised by servers that support
// stream compression.
var Feature = xml.Name{Space: NSFeatures, Local: "compression"}

// Methods returns the names of the compression methods advertised in a stream
// compression feature.
func Methods(feature stream.Element) ([]string, error) {
	parsed := struct {
		Methods []string `xml:"method"`
	}{}
	if err := feature.Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Methods, nil
}

// Select returns the first of the supported methods that was also offered by
// the server.
func Select(offered []string, supported []Method) (Method, bool) {
	for _, m := range supported {
		for _, name := range offered {
			if m.Name == name {
				return m, true
			}
		}
	}
	return Method{}, false
}

// Request returns the element that asks the server to start compressing the
// stream with the named method.
func Request(method string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Wrap(
			xmlstream.Token(xml.CharData(method)),
			xml.StartElement{Name: xml.Name{Space: NSProtocol, Local: "method"}},
		),
		xml.StartElement{Name: xml.Name{Space: NSProtocol, Local: "compress"}},
	)
}

// IsCompressed reports whether el is the server's confirmation that
// compression has started.
func IsCompressed(el stream.Element) bool {
	return el.XMLName == xml.Name{Space: NSProtocol, Local: "compressed"}
}

// IsFailure reports whether el is the server's refusal to start compression.
func IsFailure(el stream.Element) bool {
	return el.XMLName == xml.Name{Space: NSProtocol, Local: "failure"}
}
