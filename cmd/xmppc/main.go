// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppc command logs in to an XMPP server over TCP or BOSH and keeps the
// session alive by pinging the server, optionally exporting Prometheus metrics
// about the connection.
//
// The account and connection settings are read from a TOML file:
//
//	[account]
//	jid = "me@example.net/xmppc"
//
//	[transport]
//	kind = "bosh"
//	url = "https://example.net/http-bind"
//
//	[ping]
//	interval = "30s"
//
//	[metrics]
//	listen = "localhost:9090"
//
// For more information try running:
//
//	xmppc -help
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"mellium.im/xmppcore"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/metrics"
	"mellium.im/xmppcore/ping"
)

/* #nosec */
const envPass = "XMPPC_PASS"

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	debug := log.New(io.Discard, "DEBUG ", log.LstdFlags)

	var (
		configPath = "xmppc.toml"
		verbose    bool
	)
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage of %s:\n", flags.Name())
		fmt.Fprintf(flags.Output(), "\n  $%s: The password, if not set in the configuration file\n\n", envPass)
		flags.PrintDefaults()
	}
	flags.StringVar(&configPath, "config", configPath, "the configuration file")
	flags.BoolVar(&verbose, "v", verbose, "turns on verbose debug logging")

	switch err := flags.Parse(os.Args[1:]); err {
	case flag.ErrHelp:
		return
	case nil:
	default:
		logger.Fatal(err)
	}
	if verbose {
		debug.SetOutput(os.Stderr)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Fatalf("error loading %s: %v", configPath, err)
	}
	if pass := os.Getenv(envPass); pass != "" {
		cfg.Account.Password = pass
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err = run(ctx, cfg, logger, debug); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, cfg config, logger, debug *log.Logger) error {
	addr := jid.MustParse(cfg.Account.JID)
	collector := metrics.New(cfg.Metrics.Namespace)

	c := xmppcore.New(addr.Domain(), cfg.transport(debug, collector), cfg.options(addr, debug, collector)...)
	c.OnStatus(func(ev xmppcore.StatusEvent) {
		if ev.Err != nil {
			logger.Printf("%s → %s: %v", ev.Old, ev.New, ev.Err)
			return
		}
		debug.Printf("%s → %s", ev.Old, ev.New)
	})

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector, collectors.NewGoCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		defer stop()
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("error connecting to %s: %w", addr.Domain(), err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Close(closeCtx); err != nil {
				logger.Printf("error closing the connection: %v", err)
			}
		}()
		if err := c.Login(ctx, addr.Localpart(), cfg.Account.Password, addr.Resourcepart()); err != nil {
			return err
		}
		logger.Printf("logged in as %s", c.LocalAddr())
		return keepAlive(ctx, c, cfg.Ping, logger)
	})
	return g.Wait()
}

// keepAlive pings the configured entity until ctx is canceled or, if a count
// was set, that many pings have been sent.
func keepAlive(ctx context.Context, c *xmppcore.Client, cfg pingConfig, logger *log.Logger) error {
	m, err := ping.For(c)
	if err != nil {
		return err
	}
	defer m.Stop()

	var to jid.JID
	if cfg.To != "" {
		to = jid.MustParse(cfg.To)
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for sent := 0; cfg.Count == 0 || sent < cfg.Count; sent++ {
		rtt, err := m.Ping(ctx, to, cfg.Timeout)
		switch {
		case errors.Is(err, xmppcore.ErrNoResponse):
			logger.Printf("no reply to ping within %s", cfg.Timeout)
		case err != nil && rtt == 0:
			return err
		default:
			logger.Printf("ping reply in %s", rtt.Round(time.Millisecond))
		}
		if cfg.Count != 0 && sent+1 == cfg.Count {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
