// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package metrics exports statistics about XMPP clients and BOSH sessions to
// Prometheus.
//
// A Collector is registered with a client using the xmppcore.WithObserver
// option and with a BOSH transport using bosh.Config.Metrics.
// It implements prometheus.Collector so it can be registered directly:
//
//	c := metrics.New("xmppc")
//	prometheus.MustRegister(c)
//	client := xmppcore.New(domain, transport, xmppcore.WithObserver(c))
package metrics // import "mellium.im/xmppcore/metrics"

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/bosh"
)

var statuses = []xmppcore.Status{
	xmppcore.Closed,
	xmppcore.Connecting,
	xmppcore.Connected,
	xmppcore.Disconnected,
	xmppcore.Closing,
}

// Collector gathers metrics about a client and its transport.
type Collector struct {
	status        *prometheus.GaugeVec
	statusChanges *prometheus.CounterVec
	sent          *prometheus.CounterVec
	received      *prometheus.CounterVec
	queries       *prometheus.CounterVec
	requests      *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

var (
	_ xmppcore.Observer    = (*Collector)(nil)
	_ bosh.Observer        = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

// New returns a collector whose metrics are prefixed with namespace.
func New(namespace string) *Collector {
	c := &Collector{
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "status",
				Help:      "Current connection status, 1 for the active status and 0 otherwise.",
			},
			[]string{"status"},
		),
		statusChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "status_changes_total",
				Help:      "Number of times the client entered each status.",
			},
			[]string{"status"},
		),
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "stanzas_sent_total",
				Help:      "Number of stanzas sent.",
			},
			[]string{"stanza"},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "stanzas_received_total",
				Help:      "Number of stanzas received.",
			},
			[]string{"stanza"},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "queries_total",
				Help:      "Number of IQ queries by outcome (result, error, or timeout).",
			},
			[]string{"outcome"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bosh",
				Name:      "requests_total",
				Help:      "Number of BOSH requests made, by whether they were sent again.",
			},
			[]string{"resend"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bosh",
				Name:      "requests_in_flight",
				Help:      "Number of BOSH requests waiting for a response.",
			},
		),
	}
	c.StatusChanged(xmppcore.Closed)
	c.statusChanges.Reset()
	return c
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.status,
		c.statusChanges,
		c.sent,
		c.received,
		c.queries,
		c.requests,
		c.inFlight,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// StatusChanged implements xmppcore.Observer.
func (c *Collector) StatusChanged(s xmppcore.Status) {
	for _, st := range statuses {
		v := 0.0
		if st == s {
			v = 1
		}
		c.status.WithLabelValues(st.String()).Set(v)
	}
	c.statusChanges.WithLabelValues(s.String()).Inc()
}

// StanzaSent implements xmppcore.Observer.
func (c *Collector) StanzaSent(name string) {
	c.sent.WithLabelValues(name).Inc()
}

// StanzaReceived implements xmppcore.Observer.
func (c *Collector) StanzaReceived(name string) {
	c.received.WithLabelValues(name).Inc()
}

// QueryDone implements xmppcore.Observer.
func (c *Collector) QueryDone(outcome string) {
	c.queries.WithLabelValues(outcome).Inc()
}

// RequestSent implements bosh.Observer.
func (c *Collector) RequestSent(resend bool) {
	c.requests.WithLabelValues(strconv.FormatBool(resend)).Inc()
}

// RequestsInFlight implements bosh.Observer.
func (c *Collector) RequestsInFlight(n int) {
	c.inFlight.Set(float64(n))
}
