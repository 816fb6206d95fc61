// Package rtpsource adapts an RTP audio feed into a graph.Source the
// spatialization engine can capture.
//
// Each remote conferencing track gets one Source. The transport layer
// pushes raw RTP packets in; the source discards stale packets, decodes
// Opus payloads to mono PCM, and buffers the samples for the audio graph
// to pull. When the packets carry the client-to-mixer audio-level header
// extension, the source also exposes the sender-reported level as a hint,
// independent of the engine's own frequency-domain detection.
package rtpsource

import (
	"fmt"
	"sync"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSampleRate is the Opus output sample rate in Hz.
	DefaultSampleRate = 48000

	// maxFrameSamples is the decode buffer size in samples, 40ms at
	// 48kHz. Opus frames never exceed this.
	maxFrameSamples = 1920

	// DefaultMaxBufferedSamples bounds the pending PCM buffer to one
	// second of audio. Overflow discards the oldest samples; realtime
	// audio prefers a glitch over growing latency.
	DefaultMaxBufferedSamples = 48000
)

// decodeFunc decodes one Opus packet into little-endian int16 PCM bytes
// and reports the number of PCM bytes written, the sample rate, and the
// channel layout.
type decodeFunc func(in, out []byte) (pcmBytes, sampleRate int, stereo bool, err error)

// Config holds the RTP source settings.
type Config struct {
	// AudioLevelExtensionID is the negotiated RTP header extension ID of
	// the audio-level extension (RFC 6464). Zero disables level parsing.
	AudioLevelExtensionID uint8

	// MaxBufferedSamples bounds the pending PCM buffer. Zero selects
	// DefaultMaxBufferedSamples.
	MaxBufferedSamples int
}

// DefaultConfig returns the standard RTP source settings. Level parsing
// stays disabled until the negotiated extension ID is known.
func DefaultConfig() Config {
	return Config{
		MaxBufferedSamples: DefaultMaxBufferedSamples,
	}
}

// Source turns an RTP packet feed into a pull-based mono PCM source.
//
// Push is called from the transport's receive loop; ReadPCM is called
// from the audio graph. Both are safe for concurrent use. A Source is
// inactive until its first packet decodes, which lets the engine's
// capture retry absorb the race between track signaling and media
// arrival.
type Source struct {
	mu sync.Mutex

	cfg    Config
	decode decodeFunc

	sampleRate int
	buf        []float32
	scratch    []byte

	lastSeq uint16
	haveSeq bool

	level     uint8
	voice     bool
	haveLevel bool

	received uint64
	dropped  uint64

	started bool
	closed  bool
}

// New creates an RTP source with a pure Go Opus decoder.
func New(cfg Config) *Source {
	if cfg.MaxBufferedSamples <= 0 {
		cfg.MaxBufferedSamples = DefaultMaxBufferedSamples
	}

	decoder := opus.NewDecoder()
	s := &Source{
		cfg:        cfg,
		sampleRate: DefaultSampleRate,
		scratch:    make([]byte, maxFrameSamples*2),
		decode: func(in, out []byte) (int, int, bool, error) {
			bandwidth, stereo, err := decoder.Decode(in, out)
			if err != nil {
				return 0, 0, false, err
			}
			// The decoder reports no output length, so derive the
			// frame duration from the packet itself. Anything the
			// packet header cannot answer falls back to the full
			// buffer, whose unwritten tail is zeroed by the caller.
			rate := bandwidth.SampleRate()
			n := packetSampleCount(in, rate) * 2
			if stereo {
				n *= 2
			}
			if n <= 0 || n > len(out) {
				n = len(out)
			}
			return n, rate, stereo, nil
		},
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"level_ext_id": cfg.AudioLevelExtensionID,
		"max_buffered": cfg.MaxBufferedSamples,
	}).Debug("RTP source created")

	return s
}

// SampleRate returns the decoded output sample rate in Hz.
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// Active reports whether at least one packet has been decoded. A closed
// source is never active.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Push ingests one RTP packet: drops stale deliveries, records the
// sender-reported audio level when present, decodes the Opus payload and
// buffers the resulting mono PCM.
//
// Decode failures discard only the offending packet; the source stays
// usable for the next one.
func (s *Source) Push(pkt *rtp.Packet) error {
	if pkt == nil || len(pkt.Payload) == 0 {
		return ErrEmptyPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSourceClosed
	}

	if s.haveSeq {
		// Signed distance handles the uint16 wrap.
		if int16(pkt.SequenceNumber-s.lastSeq) <= 0 {
			s.dropped++
			return fmt.Errorf("%w: seq=%d last=%d", ErrStalePacket, pkt.SequenceNumber, s.lastSeq)
		}
	}
	s.lastSeq = pkt.SequenceNumber
	s.haveSeq = true

	s.parseAudioLevel(&pkt.Header)

	// The decoder only writes the decoded frame; clearing the scratch
	// first keeps any overestimated tail silent instead of replaying
	// the previous packet's audio.
	for i := range s.scratch {
		s.scratch[i] = 0
	}

	n, rate, stereo, err := s.decode(pkt.Payload, s.scratch)
	if err != nil {
		s.dropped++
		logrus.WithFields(logrus.Fields{
			"function": "Push",
			"seq":      pkt.SequenceNumber,
			"error":    err.Error(),
		}).Debug("Dropping undecodable packet")
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if rate > 0 {
		s.sampleRate = rate
	}
	if n > len(s.scratch) {
		n = len(s.scratch)
	}

	s.appendPCM(s.scratch[:n], stereo)
	s.received++
	s.started = true
	return nil
}

// packetSampleCount returns the number of PCM samples per channel an
// Opus packet decodes to at the given sample rate, derived from the TOC
// byte (RFC 6716 section 3.1): the config field fixes the frame duration
// and the code field the frame count. Returns 0 when the packet header
// is unreadable.
func packetSampleCount(payload []byte, sampleRate int) int {
	if len(payload) == 0 || sampleRate <= 0 {
		return 0
	}

	toc := payload[0]
	config := toc >> 3

	// Frame duration in microseconds.
	var frameDur int
	switch {
	case config < 12: // SILK NB/MB/WB
		frameDur = []int{10000, 20000, 40000, 60000}[config&0x3]
	case config < 16: // Hybrid SWB/FB
		frameDur = []int{10000, 20000}[config&0x1]
	default: // CELT NB/WB/SWB/FB
		frameDur = []int{2500, 5000, 10000, 20000}[config&0x3]
	}

	var frames int
	switch toc & 0x3 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	case 3:
		if len(payload) < 2 {
			return 0
		}
		frames = int(payload[1] & 0x3F)
	}

	return sampleRate * frameDur / 1000000 * frames
}

// parseAudioLevel reads the RFC 6464 audio-level header extension, if the
// negotiated extension ID is known and the packet carries it.
func (s *Source) parseAudioLevel(header *rtp.Header) {
	if s.cfg.AudioLevelExtensionID == 0 {
		return
	}
	ext := header.GetExtension(s.cfg.AudioLevelExtensionID)
	if ext == nil {
		return
	}

	audioLevel := rtp.AudioLevelExtension{}
	if err := audioLevel.Unmarshal(ext); err != nil {
		return
	}
	s.level = audioLevel.Level
	s.voice = audioLevel.Voice
	s.haveLevel = true
}

// appendPCM converts little-endian int16 PCM bytes to normalized mono
// float32 samples and appends them to the pending buffer, discarding the
// oldest samples on overflow.
func (s *Source) appendPCM(raw []byte, stereo bool) {
	frames := len(raw) / 2
	if stereo {
		frames /= 2
	}

	for i := 0; i < frames; i++ {
		var sample float64
		if stereo {
			left := int16(raw[i*4]) | int16(raw[i*4+1])<<8
			right := int16(raw[i*4+2]) | int16(raw[i*4+3])<<8
			sample = (float64(left) + float64(right)) / 2
		} else {
			sample = float64(int16(raw[i*2]) | int16(raw[i*2+1])<<8)
		}
		s.buf = append(s.buf, float32(sample/32768))
	}

	if overflow := len(s.buf) - s.cfg.MaxBufferedSamples; overflow > 0 {
		s.buf = s.buf[overflow:]
		s.dropped += uint64(overflow)
	}
}

// ReadPCM fills buf with pending mono samples. It never blocks; a starved
// source returns 0.
func (s *Source) ReadPCM(buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSourceClosed
	}

	n := copy(buf, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// AudioLevel returns the most recent sender-reported audio level: the
// dBov attenuation (0 loudest, 127 silence) and the sender's voice flag.
// ok is false until a packet with the extension has been seen.
func (s *Source) AudioLevel() (dBov uint8, voice bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.voice, s.haveLevel
}

// LevelHint maps the sender-reported level onto [0, 1], 0 silence and 1
// loudest. Returns 0 when no level has been reported.
func (s *Source) LevelHint() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLevel {
		return 0
	}
	return 1 - float64(s.level)/127
}

// Buffered returns the number of pending PCM samples.
func (s *Source) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Stats returns the number of packets decoded and the number of packets
// or samples discarded (stale, undecodable, or overflowed).
func (s *Source) Stats() (received, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.dropped
}

// Close marks the source inactive and releases its buffer. Subsequent
// Push and ReadPCM calls fail with ErrSourceClosed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"received": s.received,
		"dropped":  s.dropped,
	}).Debug("RTP source closed")
	return nil
}
