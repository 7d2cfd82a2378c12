// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppcore

import (
	"crypto/tls"
	"io"
	"log"
	"time"

	"mellium.im/sasl"

	"mellium.im/xmppcore/compress"
)

// Default values of options that are not set.
const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultBindTimeout    = 20 * time.Second
	DefaultQueryTimeout   = 30 * time.Second
)

// DefaultMechanisms is the list of SASL mechanisms that are used if the
// Mechanisms option is not provided, in order of preference.
var DefaultMechanisms = []sasl.Mechanism{
	sasl.ScramSha256Plus,
	sasl.ScramSha1Plus,
	sasl.ScramSha256,
	sasl.ScramSha1,
	sasl.Plain,
}

// Observer receives events about a client for instrumentation.
// The metrics package provides an implementation.
type Observer interface {
	StatusChanged(Status)
	StanzaSent(name string)
	StanzaReceived(name string)
	QueryDone(outcome string)
}

// Option's can be used to configure the client.
type Option func(*options)
type options struct {
	log            *log.Logger
	lang           string
	tlsConfig      *tls.Config
	noTLS          bool
	tlsRequired    bool
	mechanisms     []sasl.Mechanism
	compression    []compress.Method
	connectTimeout time.Duration
	bindTimeout    time.Duration
	queryTimeout   time.Duration
	workers        int
	observer       Observer
}

func getOpts(o ...Option) (res options) {
	for _, f := range o {
		f(&res)
	}

	// Log to /dev/null by default.
	if res.log == nil {
		res.log = log.New(io.Discard, "", log.LstdFlags)
	}
	if len(res.mechanisms) == 0 {
		res.mechanisms = DefaultMechanisms
	}
	if res.connectTimeout <= 0 {
		res.connectTimeout = DefaultConnectTimeout
	}
	if res.bindTimeout <= 0 {
		res.bindTimeout = DefaultBindTimeout
	}
	if res.queryTimeout <= 0 {
		res.queryTimeout = DefaultQueryTimeout
	}
	if res.workers <= 0 {
		res.workers = 1
	}
	return
}

// The Logger option can be provided to have Client log debug messages and other
// helpful info.
func Logger(logger *log.Logger) Option {
	return func(o *options) {
		o.log = logger
	}
}

// Lang sets the default language of the stream (the xml:lang attribute of the
// stream header).
func Lang(lang string) Option {
	return func(o *options) {
		o.lang = lang
	}
}

// StartTLS configures the TLS connection that is negotiated when the server
// offers STARTTLS and the transport can upgrade the connection in place.
// If config is nil a default config with the server name set to the domain of
// the client is used.
// If required is true, authentication is refused on connections that have not
// been secured.
func StartTLS(config *tls.Config, required bool) Option {
	return func(o *options) {
		o.tlsConfig = config
		o.tlsRequired = required
	}
}

// NoStartTLS disables STARTTLS negotiation unless the server requires it.
func NoStartTLS() Option {
	return func(o *options) {
		o.noTLS = true
	}
}

// Mechanisms sets the SASL mechanisms that may be used for authentication in
// order of preference.
func Mechanisms(m ...sasl.Mechanism) Option {
	return func(o *options) {
		o.mechanisms = m
	}
}

// Compression enables stream compression with the given methods in order of
// preference.
// Compression is only used if the transport supports it.
func Compression(m ...compress.Method) Option {
	return func(o *options) {
		o.compression = m
	}
}

// ConnectTimeout bounds the time Connect waits for the server to offer
// authentication.
func ConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// BindTimeout bounds the time Login waits for the server to offer resource
// binding after authentication.
func BindTimeout(d time.Duration) Option {
	return func(o *options) {
		o.bindTimeout = d
	}
}

// QueryTimeout is the timeout used by Query when it is called with a timeout
// of zero.
func QueryTimeout(d time.Duration) Option {
	return func(o *options) {
		o.queryTimeout = d
	}
}

// Workers sets the number of goroutines that deliver stanzas to listeners.
// The default of 1 delivers stanzas in the order they were received.
func Workers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithObserver registers an observer that is told about status changes and
// traffic for instrumentation.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}
