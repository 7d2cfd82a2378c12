// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppcore/internal/marshal"
	"mellium.im/xmppcore/jid"
)

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)

// IQ ("Information Query") is used as a general request response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	To      jid.JID  `xml:"to,attr"`
	From    jid.JID  `xml:"from,attr"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    IQType   `xml:"type,attr"`
	Inner   []byte   `xml:",innerxml"`
}

// NewIQ returns an IQ of the given type with payload as its only child.
// The payload is encoded following the rules of xml.Marshal unless it is an
// xml.TokenReader, an xmlstream.Marshaler, or a byte slice of raw XML.
func NewIQ(typ IQType, to jid.JID, payload interface{}) (IQ, error) {
	iq := IQ{Type: typ, To: to}
	if payload == nil {
		return iq, nil
	}
	inner, err := marshal.Bytes(payload)
	if err != nil {
		return iq, err
	}
	iq.Inner = inner
	return iq, nil
}

// IsRequest reports whether the IQ is of type get or set and must be replied
// to.
func (iq IQ) IsRequest() bool {
	return iq.Type == GetIQ || iq.Type == SetIQ
}

// Result returns a result IQ in reply to iq with the addresses swapped.
// inner may be nil for an empty result.
func (iq IQ) Result(inner []byte) IQ {
	return IQ{
		ID:    iq.ID,
		To:    iq.From,
		From:  iq.To,
		Lang:  iq.Lang,
		Type:  ResultIQ,
		Inner: inner,
	}
}

// ErrorReply returns an error IQ in reply to iq with the addresses swapped.
// The original payload is included followed by the stanza error.
func (iq IQ) ErrorReply(se Error) IQ {
	reply := iq.Result(nil)
	reply.Type = ErrorIQ
	errXML, err := marshal.Bytes(se)
	if err != nil {
		// Error always encodes to valid tokens.
		panic("stanza: error encoding stanza error: " + err.Error())
	}
	reply.Inner = append(append([]byte{}, iq.Inner...), errXML...)
	return reply
}

// Err returns the stanza error carried by an IQ of type error.
// If the IQ is not of type error or does not contain an error element, ok is
// false.
func (iq IQ) Err() (se Error, ok bool) {
	if iq.Type != ErrorIQ {
		return Error{}, false
	}
	return errorChild(iq.Inner)
}

// PayloadName returns the name of the first child element of the IQ.
// If the IQ has no payload the zero name is returned.
func (iq IQ) PayloadName() xml.Name {
	return payloadName(iq.Inner)
}

// Unmarshal decodes the first child element of the IQ into v.
// If the IQ has no payload ErrNoPayload is returned.
func (iq IQ) Unmarshal(v interface{}) error {
	return unmarshalPayload(iq.Inner, v)
}
