package rtpsource

import "errors"

// Error definitions for RTP source adaptation.
var (
	// ErrSourceClosed is returned when a packet is pushed into, or PCM is
	// read from, a closed source.
	ErrSourceClosed = errors.New("rtp source is closed")

	// ErrEmptyPayload is returned when an RTP packet carries no audio
	// payload.
	ErrEmptyPayload = errors.New("rtp packet has empty payload")

	// ErrStalePacket is returned when a packet arrives out of order or
	// duplicated. Stale packets are counted and discarded.
	ErrStalePacket = errors.New("rtp packet is stale or duplicated")

	// ErrDecodeFailed wraps Opus decoder failures for a single packet.
	// The source remains usable; the next packet is decoded normally.
	ErrDecodeFailed = errors.New("opus decode failed")
)
