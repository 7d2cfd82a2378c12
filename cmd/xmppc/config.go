// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/BurntSushi/toml"

	"mellium.im/sasl"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/bosh"
	"mellium.im/xmppcore/compress"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/tcp"
)

// Transport kinds.
const (
	transportTCP  = "tcp"
	transportBOSH = "bosh"
)

type config struct {
	Account   accountConfig   `toml:"account"`
	Transport transportConfig `toml:"transport"`
	Client    clientConfig    `toml:"client"`
	Ping      pingConfig      `toml:"ping"`
	Metrics   metricsConfig   `toml:"metrics"`
}

type accountConfig struct {
	JID      string `toml:"jid"`
	Password string `toml:"password"`
}

type transportConfig struct {
	Kind string `toml:"kind"`

	// TCP
	Host      string        `toml:"host"`
	Port      uint16        `toml:"port"`
	KeepAlive time.Duration `toml:"keep_alive"`

	// BOSH
	URL         string        `toml:"url"`
	Route       string        `toml:"route"`
	Wait        time.Duration `toml:"wait"`
	Hold        int           `toml:"hold"`
	UseKeys     bool          `toml:"use_keys"`
	Compression bool          `toml:"compression"`
}

type clientConfig struct {
	Lang           string        `toml:"lang"`
	NoTLS          bool          `toml:"no_tls"`
	TLSRequired    bool          `toml:"tls_required"`
	Insecure       bool          `toml:"insecure_skip_verify"`
	Compression    []string      `toml:"compression"`
	Mechanisms     []string      `toml:"mechanisms"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	QueryTimeout   time.Duration `toml:"query_timeout"`
	Workers        int           `toml:"workers"`
}

type pingConfig struct {
	To       string        `toml:"to"`
	Interval time.Duration `toml:"interval"`
	Timeout  time.Duration `toml:"timeout"`
	Count    int           `toml:"count"`
}

type metricsConfig struct {
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

func defaultConfig() config {
	return config{
		Transport: transportConfig{Kind: transportTCP},
		Client: clientConfig{
			TLSRequired: true,
			Mechanisms:  []string{sasl.ScramSha256Plus.Name, sasl.ScramSha256.Name, sasl.ScramSha1Plus.Name, sasl.ScramSha1.Name, sasl.Plain.Name},
		},
		Ping: pingConfig{
			Interval: time.Minute,
			Timeout:  10 * time.Second,
		},
		Metrics: metricsConfig{Namespace: "xmppc"},
	}
}

// loadConfig reads the TOML file at path on top of the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown configuration key %q", undecoded[0].String())
	}
	return cfg, cfg.validate()
}

func (cfg config) validate() error {
	if cfg.Account.JID == "" {
		return fmt.Errorf("no account JID configured")
	}
	if _, err := jid.Parse(cfg.Account.JID); err != nil {
		return fmt.Errorf("invalid account JID: %w", err)
	}
	if cfg.Ping.To != "" {
		if _, err := jid.Parse(cfg.Ping.To); err != nil {
			return fmt.Errorf("invalid ping address: %w", err)
		}
	}
	if cfg.Ping.Interval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}
	switch cfg.Transport.Kind {
	case transportTCP, transportBOSH:
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
	if _, err := mechanisms(cfg.Client.Mechanisms); err != nil {
		return err
	}
	_, err := compression(cfg.Client.Compression)
	return err
}

var knownMechanisms = []sasl.Mechanism{
	sasl.Plain,
	sasl.ScramSha1,
	sasl.ScramSha1Plus,
	sasl.ScramSha256,
	sasl.ScramSha256Plus,
}

func mechanisms(names []string) ([]sasl.Mechanism, error) {
	var m []sasl.Mechanism
outer:
	for _, name := range names {
		for _, known := range knownMechanisms {
			if known.Name == name {
				m = append(m, known)
				continue outer
			}
		}
		return nil, fmt.Errorf("unknown SASL mechanism %q", name)
	}
	return m, nil
}

func compression(names []string) ([]compress.Method, error) {
	var m []compress.Method
	for _, name := range names {
		switch name {
		case compress.ZLIB.Name:
			m = append(m, compress.ZLIB)
		case compress.LZW.Name:
			m = append(m, compress.LZW)
		default:
			return nil, fmt.Errorf("unknown compression method %q", name)
		}
	}
	return m, nil
}

// transport builds the transport selected by the configuration.
func (cfg config) transport(debug *log.Logger, obs bosh.Observer) xmppcore.Transport {
	t := cfg.Transport
	if t.Kind == transportBOSH {
		var client *http.Client
		if cfg.Client.Insecure {
			client = &http.Client{Transport: &http.Transport{
				/* #nosec */
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}}
		}
		return bosh.New(bosh.Config{
			URL:         t.URL,
			Client:      client,
			Route:       t.Route,
			Wait:        t.Wait,
			Hold:        t.Hold,
			UseKeys:     t.UseKeys,
			Compression: t.Compression,
			Lang:        cfg.Client.Lang,
			Logger:      debug,
			Metrics:     obs,
		})
	}
	return tcp.New(tcp.Config{
		Host:      t.Host,
		Port:      t.Port,
		KeepAlive: t.KeepAlive,
		Logger:    debug,
	})
}

// options returns the client options of the configuration.
// The configuration must already have been validated.
func (cfg config) options(addr jid.JID, debug *log.Logger, obs xmppcore.Observer) []xmppcore.Option {
	mech, _ := mechanisms(cfg.Client.Mechanisms)
	methods, _ := compression(cfg.Client.Compression)
	opts := []xmppcore.Option{
		xmppcore.Logger(debug),
		xmppcore.Mechanisms(mech...),
		xmppcore.WithObserver(obs),
	}
	if cfg.Client.NoTLS {
		opts = append(opts, xmppcore.NoStartTLS())
	} else {
		opts = append(opts, xmppcore.StartTLS(&tls.Config{
			ServerName: addr.Domain().String(),
			/* #nosec */
			InsecureSkipVerify: cfg.Client.Insecure,
		}, cfg.Client.TLSRequired))
	}
	if len(methods) > 0 {
		opts = append(opts, xmppcore.Compression(methods...))
	}
	if cfg.Client.Lang != "" {
		opts = append(opts, xmppcore.Lang(cfg.Client.Lang))
	}
	if cfg.Client.ConnectTimeout > 0 {
		opts = append(opts, xmppcore.ConnectTimeout(cfg.Client.ConnectTimeout))
	}
	if cfg.Client.QueryTimeout > 0 {
		opts = append(opts, xmppcore.QueryTimeout(cfg.Client.QueryTimeout))
	}
	if cfg.Client.Workers > 0 {
		opts = append(opts, xmppcore.Workers(cfg.Client.Workers))
	}
	return opts
}
