// Package yamux multiplexes media streams over the Noise session's media
// channel, so one encrypted session can carry several concurrent transfers
// (segments, artwork, subtitles) without head-of-line blocking on the API
// channel.
package yamux

import (
	"io"
	"net"

	"github.com/hashicorp/yamux"

	"github.com/mydia/relay/crypto/noisesession"
)

// sessionConfig tunes yamux for a transport that already provides its own
// keepalive (the control channel heartbeat) and encryption.
func sessionConfig(cfg *yamux.Config) *yamux.Config {
	if cfg != nil {
		return cfg
	}
	cfg = yamux.DefaultConfig()
	cfg.EnableKeepAlive = false
	cfg.LogOutput = io.Discard
	return cfg
}

// Client opens the initiator-side mux over a net.Conn, typically the media
// channel of a Noise transport.
func Client(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	return yamux.Client(conn, sessionConfig(cfg))
}

// Server opens the responder-side mux.
func Server(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	return yamux.Server(conn, sessionConfig(cfg))
}

// ClientOverNoise muxes the media channel of an established initiator-side
// Noise transport.
func ClientOverNoise(t *noisesession.Transport, cfg *yamux.Config) (*yamux.Session, error) {
	return Client(t.MediaConn(), cfg)
}

// ServerOverNoise muxes the media channel of an established responder-side
// Noise transport.
func ServerOverNoise(t *noisesession.Transport, cfg *yamux.Config) (*yamux.Session, error) {
	return Server(t.MediaConn(), cfg)
}
