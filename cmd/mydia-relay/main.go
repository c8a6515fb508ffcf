// mydia-relay is the cloud rendezvous for self-hosted instances: it keeps
// their control channels, mints and redeems pairing claim codes, and forwards
// client requests to whichever instance they belong to.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mydia/relay/api"
	"github.com/mydia/relay/config"
	"github.com/mydia/relay/controlplane/namespace"
	"github.com/mydia/relay/observability"
	"github.com/mydia/relay/observability/prom"
	"github.com/mydia/relay/pending"
	"github.com/mydia/relay/registry"
	"github.com/mydia/relay/store"
	"github.com/mydia/relay/sweep"
	tunnel "github.com/mydia/relay/tunnel/server"
)

func main() {
	log := logrus.New()

	cfg, err := config.New()
	if err != nil {
		log.WithError(err).Error("configuration invalid")
		config.Usage(os.Stderr)
		os.Exit(1)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("relay exited")
	}
}

func run(cfg *config.C, log *logrus.Logger) error {
	pepper, err := cfg.Pepper()
	if err != nil {
		return err
	}
	ns, err := namespace.New(pepper)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	obs := observability.NewAtomicObserver()
	var metricsHandler http.Handler
	if cfg.Metrics {
		reg := prom.NewRegistry()
		obs.Set(prom.NewObserver(reg))
		metricsHandler = prom.Handler(reg)
	}

	reg := registry.New()
	pend := pending.New(0)

	tcfg := tunnel.DefaultConfig()
	tcfg.Path = cfg.TunnelPath
	tcfg.MaxConns = cfg.MaxConns
	tcfg.IdleTimeout = cfg.IdleTimeout
	tcfg.ForwardTimeout = cfg.ForwardTimeout
	tcfg.StaleAfter = cfg.StaleAfter
	tcfg.AllowedOrigins = cfg.AllowedOrigins
	tun := tunnel.New(tcfg, st, reg, pend, log, obs)
	defer tun.Close()

	acfg := api.DefaultConfig()
	acfg.ForwardTimeout = cfg.ForwardTimeout
	a := api.New(acfg, st, tun, ns, log, obs)

	sw := sweep.New(sweep.Config{
		Interval:    cfg.SweepInterval,
		StaleAfter:  cfg.StaleAfter,
		ClaimMaxAge: cfg.ClaimMaxAge,
	}, st, reg, log, obs)
	// A restart leaves stale online flags behind; reconcile before serving.
	sw.Sweep()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sw.Run(sweepCtx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Router(cfg.TunnelPath, tun.HandleWS, metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.WithFields(logrus.Fields{
		"listen":      cfg.ListenAddr,
		"tunnel_path": cfg.TunnelPath,
		"metrics":     cfg.Metrics,
		"tls":         cfg.TLSCertFile != "",
	}).Info("relay listening")

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	}

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	tun.Close()
	return nil
}
