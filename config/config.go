// Package config reads the relay's configuration from MYDIA_RELAY_*
// environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"go-simpler.org/env"

	"github.com/mydia/relay/controlplane/namespace"
)

// C is the relay configuration table.
type C struct {
	ListenAddr string `env:"MYDIA_RELAY_LISTEN_ADDR" default:":8470" usage:"HTTP listen address"`
	TunnelPath string `env:"MYDIA_RELAY_TUNNEL_PATH" default:"/tunnel" usage:"websocket path for instance control channels"`
	DBPath     string `env:"MYDIA_RELAY_DB_PATH" default:"relay.db" usage:"sqlite database path"`
	LogLevel   string `env:"MYDIA_RELAY_LOG_LEVEL" default:"info" usage:"log level: panic fatal error warn info debug trace"`
	LogJSON    bool   `env:"MYDIA_RELAY_LOG_JSON" default:"false" usage:"emit logs as JSON"`

	// PepperB64 keys the rendezvous namespace derivation. Rotating it
	// invalidates every outstanding claim namespace.
	PepperB64 string `env:"MYDIA_RELAY_PEPPER_B64" usage:"base64 master pepper, at least 32 bytes decoded"`

	Metrics bool `env:"MYDIA_RELAY_METRICS" default:"true" usage:"expose prometheus metrics on /metrics"`

	MaxConns       int           `env:"MYDIA_RELAY_MAX_CONNS" default:"4096" usage:"maximum concurrent control channels"`
	ForwardTimeout time.Duration `env:"MYDIA_RELAY_FORWARD_TIMEOUT" default:"30s" usage:"ceiling on forwarded request wait"`
	IdleTimeout    time.Duration `env:"MYDIA_RELAY_IDLE_TIMEOUT" default:"60s" usage:"control channel idle deadline"`
	StaleAfter     time.Duration `env:"MYDIA_RELAY_STALE_AFTER" default:"120s" usage:"heartbeat freshness window for online status"`
	SweepInterval  time.Duration `env:"MYDIA_RELAY_SWEEP_INTERVAL" default:"300s" usage:"cleanup sweep interval"`
	ClaimMaxAge    time.Duration `env:"MYDIA_RELAY_CLAIM_MAX_AGE" default:"1h" usage:"retention of expired or consumed claims"`

	AllowedOrigins []string `env:"MYDIA_RELAY_ALLOWED_ORIGINS" usage:"comma separated websocket origins; empty allows none (non-browser clients send no origin)"`

	TLSCertFile string `env:"MYDIA_RELAY_TLS_CERT" usage:"TLS certificate file; empty serves plain HTTP"`
	TLSKeyFile  string `env:"MYDIA_RELAY_TLS_KEY" usage:"TLS key file"`
}

// New loads and validates the configuration from the environment.
func New() (*C, error) {
	cfg := &C{}
	if err := env.Load(cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c *C) Validate() error {
	if _, err := c.Pepper(); err != nil {
		return err
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("MYDIA_RELAY_TLS_CERT and MYDIA_RELAY_TLS_KEY must be set together")
	}
	return nil
}

// Pepper decodes and length-checks the namespace pepper.
func (c *C) Pepper() ([]byte, error) {
	if c.PepperB64 == "" {
		return nil, fmt.Errorf("MYDIA_RELAY_PEPPER_B64 is required")
	}
	p, err := base64.StdEncoding.DecodeString(c.PepperB64)
	if err != nil {
		return nil, fmt.Errorf("MYDIA_RELAY_PEPPER_B64 is not valid base64: %w", err)
	}
	if len(p) < namespace.MinPepperBytes {
		return nil, fmt.Errorf("pepper must decode to at least %d bytes, got %d", namespace.MinPepperBytes, len(p))
	}
	return p, nil
}

// Usage prints the configuration table to w.
func Usage(w io.Writer) {
	env.Usage(&C{}, w, &env.Options{SliceSep: ","})
}
