package noisesession

import (
	"errors"

	"github.com/mydia/relay/internal/bin"
)

// FrameVersion is the transport framing version byte. It versions the
// end-to-end session layer and is independent of the relay's negotiated
// control-channel protocol version.
const FrameVersion = 1

// Channels multiplexed over one session.
const (
	ChannelAPI   byte = 0x01
	ChannelMedia byte = 0x02
)

// headerLen is version(1) + channel(1) + flags(1) + counter(8 BE).
const headerLen = 11

var (
	ErrInvalidFrame   = errors.New("noise frame too short")
	ErrInvalidVersion = errors.New("noise frame version mismatch")
	ErrUnknownChannel = errors.New("noise frame unknown channel")
)

type header struct {
	channel byte
	flags   byte
	counter uint64
}

// encodeHeader builds the frame header, which is also the AEAD associated
// data for the ciphertext that follows it.
func encodeHeader(h header) []byte {
	out := make([]byte, headerLen)
	out[0] = FrameVersion
	out[1] = h.channel
	out[2] = h.flags
	bin.PutU64BE(out[3:11], h.counter)
	return out
}

func parseHeader(frame []byte) (header, error) {
	if len(frame) < headerLen {
		return header{}, ErrInvalidFrame
	}
	if frame[0] != FrameVersion {
		return header{}, ErrInvalidVersion
	}
	h := header{
		channel: frame[1],
		flags:   frame[2],
		counter: bin.U64BE(frame[3:11]),
	}
	if h.channel != ChannelAPI && h.channel != ChannelMedia {
		return header{}, ErrUnknownChannel
	}
	return h, nil
}
