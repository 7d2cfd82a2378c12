// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"strings"

	"mellium.im/sasl"
	"mellium.im/xmlstream"

	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/stream"
)

// SASLFailure is the condition sent by the server when it rejects
// authentication, as defined in RFC 6120 §6.5.
type SASLFailure struct {
	Condition string
	Text      string
}

// Error satisfies the error interface.
func (f SASLFailure) Error() string {
	if f.Text != "" {
		return "sasl: " + f.Condition + ": " + f.Text
	}
	return "sasl: " + f.Condition
}

// mechanisms records the SASL mechanisms offered by the server and then
// processes the challenges sent in response to an authentication started by
// Login.
type mechanisms struct{}

func (mechanisms) name() xml.Name {
	return xml.Name{Space: ns.SASL, Local: "mechanisms"}
}

func (mechanisms) deferred() bool { return true }

func (mechanisms) canProcess(el stream.Element) bool {
	if el.XMLName.Space != ns.SASL {
		return false
	}
	switch el.XMLName.Local {
	case "challenge", "success", "failure":
		return true
	}
	return false
}

func (m mechanisms) process(c *Client, at *attempt, el stream.Element) (result, bool, error) {
	switch el.XMLName.Local {
	case "mechanisms":
		if _, secure := at.connectionState(c.transport); c.opts.tlsRequired && !secure {
			return failure, false, ErrTLSRequired
		}
		parsed := struct {
			List []string `xml:"mechanism"`
		}{}
		if err := el.Decode(&parsed); err != nil {
			return failure, false, err
		}
		at.mu.Lock()
		at.mechanisms = parsed.List
		at.mu.Unlock()
		at.releaseSASL()
		return incomplete, false, nil
	case "failure":
		at.authResult(&LoginError{Kind: AuthFailed, Err: decodeSASLFailure(el)})
		return failure, false, nil
	}

	at.mu.Lock()
	neg, more := at.sasl, at.saslMore
	at.mu.Unlock()
	if neg == nil {
		return failure, false, stream.UnsupportedStanzaType
	}

	data, err := decodeSASLPayload(el.Inner)
	if err != nil {
		return failure, false, stream.BadFormat
	}

	if el.XMLName.Local == "success" {
		// Any additional data with success is the final server message that must
		// be verified (for example the SCRAM server signature).
		if more {
			if _, _, err = neg.Step(data); err != nil {
				at.authResult(&LoginError{Kind: AuthFailed, Err: err})
				return failure, false, err
			}
		}
		at.authResult(nil)
		return success, true, nil
	}

	more, resp, err := neg.Step(data)
	if err != nil {
		// Abort and wait for the server to confirm with a failure.
		return incomplete, false, c.sendNegotiation(at, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: ns.SASL, Local: "abort"},
		}))
	}
	at.mu.Lock()
	at.saslMore = more
	at.mu.Unlock()
	err = c.sendNegotiation(at, xmlstream.Wrap(
		xmlstream.Token(xml.CharData(encodeSASLPayload(resp))),
		xml.StartElement{Name: xml.Name{Space: ns.SASL, Local: "response"}},
	))
	if err != nil {
		return failure, false, err
	}
	return incomplete, false, nil
}

// authenticate performs SASL authentication with the first of the configured
// mechanisms that is also offered by the server.
func (c *Client) authenticate(ctx context.Context, at *attempt, username, password string) error {
	at.mu.Lock()
	offered := at.mechanisms
	authenticated := at.authenticated
	at.mu.Unlock()
	if authenticated {
		return nil
	}

	tlsState, secure := at.connectionState(c.transport)

	// Select a mechanism, preferring the client order.
	var selected sasl.Mechanism
selectmechanism:
	for _, m := range c.opts.mechanisms {
		if strings.HasSuffix(m.Name, "-PLUS") && !secure {
			continue
		}
		for _, name := range offered {
			if name == m.Name {
				selected = m
				break selectmechanism
			}
		}
	}
	// No matching mechanism found…
	if selected.Name == "" {
		return &LoginError{Kind: AuthFailed, Err: ErrNoMechanism}
	}

	opts := []sasl.Option{
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(username), []byte(password), nil
		}),
		sasl.RemoteMechanisms(offered...),
	}
	if secure {
		opts = append(opts, sasl.TLSState(tlsState))
	}
	neg := sasl.NewClient(selected, opts...)

	// Calculate the initial response
	more, resp, err := neg.Step(nil)
	if err != nil {
		return &LoginError{Kind: AuthFailed, Err: err}
	}

	done := make(chan error, 1)
	at.mu.Lock()
	at.sasl = neg
	at.saslMore = more
	at.authDone = done
	at.mu.Unlock()

	err = c.sendNegotiation(at, xmlstream.Wrap(
		xmlstream.Token(xml.CharData(encodeSASLPayload(resp))),
		xml.StartElement{
			Name: xml.Name{Space: ns.SASL, Local: "auth"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "mechanism"}, Value: selected.Name}},
		},
	))
	if err != nil {
		return err
	}

	select {
	case err = <-done:
		return err
	case <-at.failed:
		return at.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RFC 6120 §6.4.2:
//
//	If the initiating entity needs to send a zero-length initial response, it
//	MUST transmit the response as a single equals sign character ("="), which
//	indicates that the response is present but contains no data.
func encodeSASLPayload(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeSASLPayload(inner []byte) ([]byte, error) {
	s := strings.TrimSpace(string(inner))
	if s == "" || s == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func decodeSASLFailure(el stream.Element) error {
	parsed := struct {
		Conditions []struct {
			XMLName xml.Name
		} `xml:",any"`
		Text string `xml:"text"`
	}{}
	if err := el.Decode(&parsed); err != nil {
		return err
	}
	f := SASLFailure{Text: parsed.Text}
	for _, cond := range parsed.Conditions {
		if cond.XMLName.Local != "text" {
			f.Condition = cond.XMLName.Local
			break
		}
	}
	if f.Condition == "" {
		return errors.New("sasl: authentication failed")
	}
	return f
}
