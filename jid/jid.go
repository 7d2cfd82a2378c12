// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// maxPartLen is the maximum length in bytes of each part of a JID.
const maxPartLen = 1023

// Errors returned when parsing or composing a JID.
var (
	ErrInvalidUTF8      = errors.New("jid: address contains invalid UTF-8")
	ErrEmptyLocalpart   = errors.New("jid: the localpart must be larger than 0 bytes")
	ErrEmptyResource    = errors.New("jid: the resourcepart must be larger than 0 bytes")
	ErrLongLocalpart    = errors.New("jid: the localpart must be smaller than 1024 bytes")
	ErrLongResourcepart = errors.New("jid: the resourcepart must be smaller than 1024 bytes")
	ErrDomainLength     = errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	ErrForbiddenLocal   = errors.New("jid: localpart contains forbidden characters")
	ErrForbiddenDomain  = errors.New("jid: domainpart contains forbidden characters")
	ErrInvalidIP6       = errors.New("jid: domainpart is not a valid IPv6 address")
)

// JID represents an XMPP address (Jabber ID) comprising a localpart,
// domainpart, and resourcepart. All parts of a JID are guaranteed to be valid
// UTF-8 and will be represented in their canonical form which gives comparison
// the greatest chance of succeeding.
//
// The zero value is an empty address that is not valid for routing.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a new JID from the given string representation of the form
// [localpart "@"] domainpart ["/" resourcepart].
func Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(localpart, domainpart, resourcepart)
}

// MustParse is like Parse but panics if the JID cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a new JID from the given localpart, domainpart, and
// resourcepart.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	// Ensure that parts are valid UTF-8 (and short circuit the rest of the
	// process if they're not). We'll check the domainpart after performing
	// the IDNA ToUnicode operation.
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) || !utf8.ValidString(domainpart) {
		return JID{}, ErrInvalidUTF8
	}

	domainpart, err := prepDomain(domainpart)
	if err != nil {
		return JID{}, err
	}

	if localpart != "" {
		// RFC 7622 §3.3.1 provides a small table of characters which are still
		// not allowed in localpart's even though the IdentifierClass base class
		// and the UsernameCaseMapped profile don't forbid them; check them first
		// so that the more specific error is returned.
		if strings.ContainsAny(localpart, `"&'/:<>@`) {
			return JID{}, ErrForbiddenLocal
		}
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
		if len(localpart) > maxPartLen {
			return JID{}, ErrLongLocalpart
		}
	}

	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
		if len(resourcepart) > maxPartLen {
			return JID{}, ErrLongResourcepart
		}
	}

	return JID{
		local:    localpart,
		domain:   domainpart,
		resource: resourcepart,
	}, nil
}

// NewEscaped is like New except that the localpart is first escaped using the
// XEP-0106 escaping mechanism.
func NewEscaped(localpart, domainpart, resourcepart string) (JID, error) {
	return New(EscapeLocal(localpart), domainpart, resourcepart)
}

func prepDomain(domainpart string) (string, error) {
	domainpart = strings.TrimSuffix(domainpart, ".")
	if l := len(domainpart); l < 1 || l > maxPartLen {
		return "", ErrDomainLength
	}
	if strings.ContainsAny(domainpart, "@/") {
		return "", ErrForbiddenDomain
	}

	// If the domainpart is an IP literal it is not subject to IDNA processing.
	if strings.HasPrefix(domainpart, "[") || strings.HasSuffix(domainpart, "]") {
		l := len(domainpart)
		if l <= 2 || !strings.HasPrefix(domainpart, "[") || !strings.HasSuffix(domainpart, "]") {
			return "", ErrInvalidIP6
		}
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return "", ErrInvalidIP6
		}
		return domainpart, nil
	}
	if ip := net.ParseIP(domainpart); ip != nil {
		if ip.To4() == nil {
			// Bare IPv6 addresses must be bracketed.
			return "", ErrInvalidIP6
		}
		return domainpart, nil
	}

	// RFC 7622 §3.2.1.  Preparation
	//
	//    An entity that prepares a string for inclusion in an XMPP domainpart
	//    slot MUST ensure that the string consists only of Unicode code points
	//    that are allowed in NR-LDH labels or U-labels as defined in
	//    [RFC5890].  This implies that the string MUST NOT include A-labels as
	//    defined in [RFC5890]; each A-label MUST be converted to a U-label
	//    during preparation of a string for inclusion in a domainpart slot.
	domainpart, err := idna.Lookup.ToUnicode(domainpart)
	if err != nil {
		return "", err
	}
	if l := len(domainpart); l < 1 || l > maxPartLen {
		return "", ErrDomainLength
	}
	return domainpart, nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1.  Fundamentals:
	//
	//    Implementation Note: When dividing a JID into its component parts,
	//    an implementation needs to match the separator characters '@' and
	//    '/' before applying any transformation algorithms, which might
	//    decompose certain Unicode code points to the separator characters.
	//
	//    1.  Remove any portion from the first '/' character to the end of the
	//        string (if there is a '/' character present).
	if sep := strings.IndexByte(s, '/'); sep != -1 {
		if sep == len(s)-1 {
			return "", "", "", ErrEmptyResource
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	//    2.  Remove any portion from the beginning of the string to the first
	//        '@' character (if there is an '@' character present).
	switch sep := strings.IndexByte(s, '@'); sep {
	case -1:
		domainpart = s
	case 0:
		return "", "", "", ErrEmptyLocalpart
	default:
		localpart = s[:sep]
		domainpart = s[sep+1:]
	}

	// If the domainpart includes a final character considered to be a label
	// separator (dot) by [RFC1034], this character MUST be stripped from
	// the domainpart before the JID of which it is a part is used for the
	// purpose of routing an XML stanza.
	domainpart = strings.TrimSuffix(domainpart, ".")
	return localpart, domainpart, resourcepart, nil
}

// WithResource returns a copy of the JID with a new resourcepart.
// This elides validation of the localpart and domainpart.
func (j JID) WithResource(resourcepart string) (JID, error) {
	j.resource = ""
	if resourcepart == "" {
		return j, nil
	}
	if !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}
	rp, err := precis.OpaqueString.String(resourcepart)
	if err != nil {
		return JID{}, err
	}
	if len(rp) > maxPartLen {
		return JID{}, ErrLongResourcepart
	}
	j.resource = rp
	return j, nil
}

// Bare returns a copy of the JID without a resourcepart. This is sometimes
// called a "bare" JID.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// Domain returns a copy of the JID without a resourcepart or localpart.
func (j JID) Domain() JID {
	return JID{domain: j.domain}
}

// Localpart gets the localpart of a JID (eg "username").
func (j JID) Localpart() string {
	return j.local
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (j JID) Domainpart() string {
	return j.domain
}

// Resourcepart gets the resourcepart of a JID.
func (j JID) Resourcepart() string {
	return j.resource
}

// IsBare reports whether the JID has no resourcepart.
func (j JID) IsBare() bool {
	return j.resource == ""
}

// IsFull reports whether the JID has a resourcepart.
func (j JID) IsFull() bool {
	return j.resource != ""
}

// IsZero reports whether j is the zero value.
func (j JID) IsZero() bool {
	return j == JID{}
}

// Network satisfies the net.Addr interface by returning the name of the network
// ("xmpp").
func (JID) Network() string {
	return "xmpp"
}

// String converts an JID to its string representation.
func (j JID) String() string {
	var b strings.Builder
	b.Grow(len(j.local) + len(j.domain) + len(j.resource) + 2)
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// Equal performs an octet-for-octet comparison with the given JID.
func (j JID) Equal(j2 JID) bool {
	return j == j2
}

// MarshalXML satisfies the xml.Marshaler interface and marshals the JID as
// XML chardata.
func (j JID) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(j.String())); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML satisfies the xml.Unmarshaler interface and unmarshals the JID
// from the elements chardata.
func (j *JID) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	data := struct {
		CharData string `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&data, &start); err != nil {
		return err
	}
	j2, err := Parse(strings.TrimSpace(data.CharData))
	if err != nil {
		return err
	}
	*j = j2
	return nil
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface and marshals the JID
// as an XML attribute.
// The zero JID results in no attribute being written.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface and unmarshals
// an XML attribute into a valid JID (or returns an error).
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	j2, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = j2
	return nil
}
