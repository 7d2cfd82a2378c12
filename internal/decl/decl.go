// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package decl contains functionality related to XML declarations.
package decl // import "mellium.im/xmppcore/internal/decl"

import (
	"bytes"
	"encoding/xml"
)

// XMLHeader is an XML header like the one in encoding/xml but without a
// newline at the end.
const XMLHeader = `<?xml version='1.0' encoding='UTF-8'?>`

type skipper struct {
	r       xml.TokenReader
	started bool
}

// Token implements xml.TokenReader. Until the first element or non-space
// character data is seen, whitespace and the XML declaration are dropped.
func (r *skipper) Token() (xml.Token, error) {
	for {
		tok, err := r.r.Token()
		if tok == nil || r.started {
			return tok, err
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if t.Target == "xml" {
				if err != nil {
					return nil, err
				}
				continue
			}
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				if err != nil {
					return nil, err
				}
				continue
			}
		}
		r.started = true
		return tok, err
	}
}

// Skip wraps a token reader and skips any leading XML declaration and
// whitespace.
func Skip(r xml.TokenReader) xml.TokenReader {
	return &skipper{r: r}
}
