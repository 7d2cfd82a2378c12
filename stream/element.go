// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
)

// Element is a first-level element that is neither a stanza, a stream error,
// nor a features announcement.
// Elements of this kind are mostly exchanged during stream negotiation, for
// example <proceed/> during STARTTLS or <success/> during SASL.
// Features announcements also contain one Element per advertised feature.
type Element struct {
	XMLName xml.Name
	Attr    []xml.Attr
	Inner   []byte
}

// AttrValue returns the value of the attribute with the given local name or
// the empty string if no such attribute exists.
func (e Element) AttrValue(local string) string {
	for _, a := range e.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Decode unmarshals the element into v following the rules of xml.Unmarshal.
func (e Element) Decode(v interface{}) error {
	b, err := xml.Marshal(e)
	if err != nil {
		return err
	}
	return xml.Unmarshal(b, v)
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	return enc.EncodeElement(struct {
		Inner []byte `xml:",innerxml"`
	}{Inner: e.Inner}, xml.StartElement{Name: e.XMLName, Attr: e.Attr})
}

// UnmarshalXML satisfies the xml.Unmarshaler interface.
// Namespace declarations are not retained as attributes.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	inner := struct {
		Inner []byte `xml:",innerxml"`
	}{}
	if err := d.DecodeElement(&inner, &start); err != nil {
		return err
	}
	e.XMLName = start.Name
	e.Attr = e.Attr[:0]
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		e.Attr = append(e.Attr, a)
	}
	e.Inner = inner.Inner
	return nil
}
