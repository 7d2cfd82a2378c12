// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"strings"

	"golang.org/x/text/transform"
)

// escapedChars are the characters that XEP-0106 maps to an escape sequence.
const escapedChars = ` "&'/:<>@\`

const hexDigits = "0123456789abcdef"

// Transformers that implement the escaping mechanism defined in XEP-0106: JID
// Escaping.
// Escape maps reserved characters to a backslash followed by their two
// lowercase hexadecimal digits and Unescape reverses the mapping.
// Backslashes that do not begin a known escape sequence are left as is when
// unescaping.
var (
	Escape   transform.Transformer = escapeMapping{}
	Unescape transform.Transformer = unescapeMapping{}
)

// EscapeLocal returns s with every character reserved by XEP-0106 escaped.
func EscapeLocal(s string) string {
	if !strings.ContainsAny(s, escapedChars) {
		return s
	}
	out, _, err := transform.String(Escape, s)
	if err != nil {
		// Escape never returns an error other than a short buffer which is
		// handled by transform.String.
		panic("jid: unexpected error escaping localpart: " + err.Error())
	}
	return out
}

// UnescapeLocal reverses EscapeLocal.
func UnescapeLocal(s string) string {
	if strings.IndexByte(s, '\\') == -1 {
		return s
	}
	out, _, err := transform.String(Unescape, s)
	if err != nil {
		panic("jid: unexpected error unescaping localpart: " + err.Error())
	}
	return out
}

type escapeMapping struct{}

func (escapeMapping) Reset() {}

func (escapeMapping) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		// All escaped characters are ASCII so it is safe to compare bytes even
		// in the middle of a multi-byte UTF-8 sequence.
		if strings.IndexByte(escapedChars, c) != -1 {
			if nDst+3 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '\\'
			dst[nDst+1] = hexDigits[c>>4]
			dst[nDst+2] = hexDigits[c&0x0f]
			nDst += 3
			nSrc++
			continue
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

type unescapeMapping struct{}

func (unescapeMapping) Reset() {}

func (unescapeMapping) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\\' {
			if nSrc+3 > len(src) && !atEOF {
				return nDst, nSrc, transform.ErrShortSrc
			}
			if nSrc+3 <= len(src) {
				if r, ok := unhex(src[nSrc+1], src[nSrc+2]); ok {
					if nDst >= len(dst) {
						return nDst, nSrc, transform.ErrShortDst
					}
					dst[nDst] = r
					nDst++
					nSrc += 3
					continue
				}
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// unhex decodes a two digit escape sequence if it maps to one of the escaped
// characters.
func unhex(hi, lo byte) (byte, bool) {
	h := strings.IndexByte(hexDigits, hi)
	l := strings.IndexByte(hexDigits, lo)
	if h == -1 || l == -1 {
		return 0, false
	}
	c := byte(h<<4 | l)
	if strings.IndexByte(escapedChars, c) == -1 {
		return 0, false
	}
	return c, true
}
