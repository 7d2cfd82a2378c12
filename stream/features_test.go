// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream_test

import (
	"encoding/xml"
	"testing"

	"mellium.im/xmppcore/stream"
)

const featuresXML = `<stream:features xmlns:stream="http://etherx.jabber.org/streams">` +
	`<starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"><required/></starttls>` +
	`<mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>SCRAM-SHA-1</mechanism><mechanism>PLAIN</mechanism></mechanisms>` +
	`<sm xmlns="urn:xmpp:sm:3" version="3"/>` +
	`</stream:features>`

func TestFeatures(t *testing.T) {
	var features stream.Features
	if err := xml.Unmarshal([]byte(featuresXML), &features); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l := len(features.List); l != 3 {
		t.Fatalf("wrong number of features: want=3, got=%d", l)
	}

	tlsName := xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-tls", Local: "starttls"}
	if !features.Has(tlsName) {
		t.Errorf("expected starttls feature")
	}
	if features.Has(xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-bind", Local: "bind"}) {
		t.Errorf("did not expect bind feature")
	}

	sm, ok := features.Get(xml.Name{Space: "urn:xmpp:sm:3", Local: "sm"})
	if !ok {
		t.Fatalf("expected sm feature")
	}
	if v := sm.AttrValue("version"); v != "3" {
		t.Errorf("wrong attribute value: want=3, got=%q", v)
	}
	for _, a := range sm.Attr {
		if a.Name.Local == "xmlns" {
			t.Errorf("namespace declaration retained as attribute")
		}
	}

	mechs, _ := features.Get(xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-sasl", Local: "mechanisms"})
	var list struct {
		Mechanisms []string `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanism"`
	}
	if err := mechs.Decode(&list); err != nil {
		t.Fatalf("error decoding mechanisms: %v", err)
	}
	if len(list.Mechanisms) != 2 || list.Mechanisms[0] != "SCRAM-SHA-1" || list.Mechanisms[1] != "PLAIN" {
		t.Errorf("unexpected mechanisms: %v", list.Mechanisms)
	}
}

func TestElementMarshal(t *testing.T) {
	el := stream.Element{
		XMLName: xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-sasl", Local: "auth"},
		Attr:    []xml.Attr{{Name: xml.Name{Local: "mechanism"}, Value: "PLAIN"}},
		Inner:   []byte("AGp1bGlldAByMG0zMG15cjBtMzA="),
	}
	b, err := xml.Marshal(el)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const want = `<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">AGp1bGlldAByMG0zMG15cjBtMzA=</auth>`
	if string(b) != want {
		t.Errorf("wrong encoding:\nwant=%s,\n got=%s", want, b)
	}
}
