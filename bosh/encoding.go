// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
)

// HTTP content codings supported for request and response bodies, in order of
// preference.
const (
	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
)

const acceptEncoding = encodingGzip + ", " + encodingDeflate

// chooseEncoding picks the coding used to compress requests from the accept
// attribute of the session creation response.
// If the connection manager does not accept any coding we support, the empty
// string is returned.
func chooseEncoding(accept string) string {
	offered := strings.FieldsFunc(accept, func(r rune) bool {
		return r == ',' || r == ' '
	})
	for _, want := range []string{encodingGzip, encodingDeflate} {
		for _, o := range offered {
			if strings.EqualFold(o, want) {
				return want
			}
		}
	}
	return ""
}

// encode compresses b with the named coding.
func encode(coding string, b []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case encodingGzip:
		w = gzip.NewWriter(&buf)
	case encodingDeflate:
		// HTTP deflate is the zlib format.
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("bosh: unsupported content coding %q", coding)
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode wraps r so that it is decompressed according to the value of the
// Content-Encoding header.
func decode(coding string, r io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(coding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case encodingGzip:
		return gzip.NewReader(r)
	case encodingDeflate:
		return zlib.NewReader(r)
	}
	return nil, fmt.Errorf("bosh: unsupported content coding %q", coding)
}
