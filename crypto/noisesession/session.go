// Package noisesession implements the end-to-end encrypted channel a paired
// client runs with its instance: a Noise_IK_25519_ChaChaPoly_SHA256 handshake
// followed by framed, replay-protected transport messages. The relay only
// ever carries the resulting ciphertext.
package noisesession

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
)

// RekeyThreshold is the per-direction message count at which a side rekeys
// and resets its counter.
const RekeyThreshold = uint64(1) << 32

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var (
	ErrClosed          = errors.New("noise session closed")
	ErrNotTransport    = errors.New("noise session not in transport state")
	ErrReplay          = errors.New("noise replay detected")
	ErrDecryptFailed   = errors.New("noise decrypt failed")
	ErrHandshakeFailed = errors.New("noise handshake failed")
	ErrMissingStatic   = errors.New("missing static keypair")
	ErrMissingPeerKey  = errors.New("missing peer static public key")
)

// State of a session.
type State int

const (
	StateHandshake State = iota
	StateTransport
	StateClosed
)

// Role of the local party.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// BinaryTransport carries opaque binary frames between the two endpoints,
// typically a relay-forwarded tunnel or a direct websocket.
type BinaryTransport interface {
	ReadBinary(ctx context.Context) ([]byte, error)
	WriteBinary(ctx context.Context, b []byte) error
	Close() error
}

// Config for one session.
type Config struct {
	// StaticKeypair is the local long-term X25519 identity.
	StaticKeypair noise.DHKey
	// PeerStaticPublic is the responder's long-term public key. Required for
	// the initiator (learned during pairing); ignored by the responder.
	PeerStaticPublic []byte
	// SessionID and InstanceID bind the handshake to this pairing context via
	// the prologue; a mismatch on either side fails the handshake.
	SessionID  string
	InstanceID string
}

// GenerateKeypair creates a fresh X25519 static keypair.
func GenerateKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(rand.Reader)
}

// Prologue derives the handshake prologue binding a session to its pairing.
func Prologue(sessionID, instanceID string) []byte {
	out := make([]byte, 0, len(sessionID)+len(instanceID)+1)
	out = append(out, sessionID...)
	out = append(out, instanceID...)
	return append(out, FrameVersion)
}

// Session is an established (or in-progress) Noise session. All methods are
// safe for concurrent use.
type Session struct {
	mu    sync.Mutex
	state State
	role  Role

	send *noise.CipherState
	recv *noise.CipherState

	txCounter uint64
	rxLast    uint64
	rxStarted bool

	channelBinding []byte
	remoteStatic   []byte
}

// Initiate runs the client side of the IK handshake over t. The peer's static
// key must already be known; a failed handshake is not retried.
func Initiate(ctx context.Context, t BinaryTransport, cfg Config) (*Session, error) {
	if len(cfg.StaticKeypair.Private) == 0 {
		return nil, ErrMissingStatic
	}
	if len(cfg.PeerStaticPublic) == 0 {
		return nil, ErrMissingPeerKey
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		Prologue:      Prologue(cfg.SessionID, cfg.InstanceID),
		StaticKeypair: cfg.StaticKeypair,
		PeerStatic:    cfg.PeerStaticPublic,
	})
	if err != nil {
		return nil, err
	}
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := t.WriteBinary(ctx, msg1); err != nil {
		return nil, err
	}
	msg2, err := t.ReadBinary(ctx)
	if err != nil {
		return nil, err
	}
	_, cs0, cs1, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return newTransportSession(RoleInitiator, cs0, cs1, hs), nil
}

// Respond runs the instance side of the IK handshake over t.
func Respond(ctx context.Context, t BinaryTransport, cfg Config) (*Session, error) {
	if len(cfg.StaticKeypair.Private) == 0 {
		return nil, ErrMissingStatic
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		Prologue:      Prologue(cfg.SessionID, cfg.InstanceID),
		StaticKeypair: cfg.StaticKeypair,
	})
	if err != nil {
		return nil, err
	}
	msg1, err := t.ReadBinary(ctx)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	msg2, cs0, cs1, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := t.WriteBinary(ctx, msg2); err != nil {
		return nil, err
	}
	return newTransportSession(RoleResponder, cs0, cs1, hs), nil
}

// newTransportSession splits the cipherstates by role: cs0 encrypts
// initiator-to-responder traffic, cs1 the reverse.
func newTransportSession(role Role, cs0, cs1 *noise.CipherState, hs *noise.HandshakeState) *Session {
	s := &Session{state: StateTransport, role: role}
	if role == RoleInitiator {
		s.send, s.recv = cs0, cs1
	} else {
		s.send, s.recv = cs1, cs0
	}
	s.channelBinding = append([]byte(nil), hs.ChannelBinding()...)
	s.remoteStatic = append([]byte(nil), hs.PeerStatic()...)
	return s
}

// Encrypt seals plaintext into a transport frame on the given channel. The
// send counter increments per frame; crossing the rekey threshold rekeys the
// send direction and resets it.
func (s *Session) Encrypt(channel byte, plaintext []byte) ([]byte, error) {
	if channel != ChannelAPI && channel != ChannelMedia {
		return nil, ErrUnknownChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.state != StateTransport {
		return nil, ErrNotTransport
	}
	if s.txCounter >= RekeyThreshold {
		s.send.Rekey()
		s.txCounter = 0
	}
	hdr := encodeHeader(header{channel: channel, counter: s.txCounter})
	s.send.SetNonce(s.txCounter)
	ct, err := s.send.Encrypt(nil, hdr, plaintext)
	if err != nil {
		return nil, err
	}
	s.txCounter++
	return append(hdr, ct...), nil
}

// Decrypt opens a transport frame and returns its channel and plaintext.
// Replays (counter not strictly increasing) close the session; any other
// transport decrypt failure discards the frame and leaves the session usable.
func (s *Session) Decrypt(frame []byte) (byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return 0, nil, ErrClosed
	}
	if s.state != StateTransport {
		return 0, nil, ErrNotTransport
	}
	hdr, err := parseHeader(frame)
	if err != nil {
		return 0, nil, err
	}

	rekeying := false
	if s.rxStarted && hdr.counter <= s.rxLast {
		// The peer resets to 0 after rekeying at the threshold; anything else
		// repeating an accepted counter is a replay.
		if s.rxLast == RekeyThreshold-1 && hdr.counter == 0 {
			rekeying = true
		} else {
			s.state = StateClosed
			return 0, nil, ErrReplay
		}
	}
	if rekeying {
		s.recv.Rekey()
	}
	s.recv.SetNonce(hdr.counter)
	pt, err := s.recv.Decrypt(nil, frame[:headerLen], frame[headerLen:])
	if err != nil {
		if rekeying {
			// The receive key already advanced; the session cannot recover.
			s.state = StateClosed
			return 0, nil, fmt.Errorf("%w: post-rekey", ErrDecryptFailed)
		}
		return 0, nil, ErrDecryptFailed
	}
	s.rxLast = hdr.counter
	s.rxStarted = true
	return hdr.channel, pt, nil
}

// ChannelBinding returns the handshake hash for channel-binding tokens.
func (s *Session) ChannelBinding() []byte {
	return append([]byte(nil), s.channelBinding...)
}

// RemoteStatic returns the peer's long-term public key. For the responder
// this identifies the paired device.
func (s *Session) RemoteStatic() []byte {
	return append([]byte(nil), s.remoteStatic...)
}

// Role returns the local role.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close moves the session to the closed state.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}
