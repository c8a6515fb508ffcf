// Package sweep periodically reclaims dead state: expired or long-consumed
// claims are deleted, and instances whose heartbeats went stale are flagged
// offline so the directory stops advertising them.
package sweep

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mydia/relay/observability"
	"github.com/mydia/relay/registry"
	"github.com/mydia/relay/relayerrors"
	"github.com/mydia/relay/store"
)

type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	ClaimMaxAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    300 * time.Second,
		StaleAfter:  120 * time.Second,
		ClaimMaxAge: time.Hour,
	}
}

type Sweeper struct {
	cfg Config
	st  *store.Store
	reg *registry.Registry
	log logrus.FieldLogger
	obs observability.Observer
}

func New(cfg Config, st *store.Store, reg *registry.Registry, log logrus.FieldLogger, obs observability.Observer) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 120 * time.Second
	}
	if cfg.ClaimMaxAge <= 0 {
		cfg.ClaimMaxAge = time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if obs == nil {
		obs = observability.Noop
	}
	return &Sweeper{
		cfg: cfg,
		st:  st,
		reg: reg,
		log: log.WithField("component", "sweep"),
		obs: obs,
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass. Exposed for startup and for tests.
func (s *Sweeper) Sweep() (stale, deleted int) {
	stale, err := s.st.SweepStale(s.cfg.StaleAfter)
	if err != nil {
		s.log.WithError(err).Warn("stale instance sweep failed")
	}
	deleted, err = s.st.CleanupClaims(s.cfg.ClaimMaxAge)
	if err != nil {
		s.log.WithError(err).Warn("claim cleanup failed")
	}

	// A store row can claim online while no live channel exists, for example
	// after an unclean relay restart. The registry is authoritative.
	reconciled := 0
	for _, id := range s.reg.List() {
		if !s.st.Fresh(id, s.cfg.StaleAfter) {
			if e := s.reg.Lookup(id); e != nil {
				e.Handler.Close(relayerrors.CodeInstanceOffline)
				reconciled++
			}
		}
	}

	s.obs.Sweep(stale, deleted)
	s.log.WithFields(logrus.Fields{
		"stale_instances": stale,
		"deleted_claims":  deleted,
		"reconciled":      reconciled,
	}).Debug("sweep pass complete")
	return stale, deleted
}
