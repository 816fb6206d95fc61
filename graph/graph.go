// Package graph defines the audio primitives consumed by the spatialcore
// engine and provides a pure Go software implementation of them.
//
// The engine never talks to a platform audio API directly. It builds its
// processing topology against the Context interface: a processing context
// with an audio clock and a listener pose, node constructors for panning,
// gain and frequency analysis, and media capture of live sources. Every
// constructor is a runtime capability probe; a backend that lacks a
// capability returns ErrNotSupported and the engine degrades to a simpler
// strategy.
//
// The processing pipeline of the software implementation:
//
//	Source PCM → Capture → Analyser tap → Gain/Pan or Panner → Stereo mix
//
// Backends wrapping real platform audio stacks implement the same
// interfaces.
package graph

// Source is a live mono PCM media source, typically fed by a conferencing
// track adapter. A source may exist before it starts streaming; Capture
// fails with ErrSourceNotActive until Active reports true, and callers are
// expected to retry on a later tick.
type Source interface {
	// SampleRate returns the source sample rate in Hz.
	SampleRate() int

	// Active reports whether the source has started streaming.
	Active() bool

	// ReadPCM fills buf with mono samples in [-1, 1] and returns the
	// number of samples written. It never blocks; a starved source
	// returns 0.
	ReadPCM(buf []float32) (int, error)
}

// Node is a processing element attached to a captured stream. Disconnect
// detaches the node from the graph and is idempotent.
type Node interface {
	Disconnect()
}

// GainNode scales the signal by a linear gain factor.
type GainNode interface {
	Node

	// SetGain sets the linear gain. Values are clamped to [0, 1] by the
	// software implementation.
	SetGain(gain float64)

	// Gain returns the current linear gain.
	Gain() float64
}

// StereoPannerNode places a mono signal in the stereo field.
type StereoPannerNode interface {
	Node

	// SetPan sets the stereo position in [-1, 1], -1 fully left and +1
	// fully right.
	SetPan(pan float64)

	// Pan returns the current stereo position.
	Pan() float64
}

// PannerNode spatializes a signal from its 3D position relative to the
// context listener using an inverse distance model with full-sphere
// emission (no directional cone).
type PannerNode interface {
	Node

	// SetPosition places the emitter in context space.
	SetPosition(x, y, z float64)

	// SetRefDistance sets the reference distance of the distance model.
	SetRefDistance(d float64)

	// SetMaxDistance sets the distance beyond which no further
	// attenuation is applied.
	SetMaxDistance(d float64)

	// SetRolloff sets the rolloff factor of the distance model.
	SetRolloff(f float64)
}

// AnalyserNode taps the signal and exposes its frequency spectrum.
type AnalyserNode interface {
	Node

	// BinCount returns the number of frequency bins (half the FFT size).
	BinCount() int

	// FloatFrequencyData fills dst with per-bin magnitudes in dB and
	// returns the number of bins written. Quiet bins approach the noise
	// floor (about -120 dB).
	FloatFrequencyData(dst []float64) int
}

// Stream is a captured media source bound to the context. Nodes attached to
// the stream process its signal in order before it reaches the stereo mix.
type Stream interface {
	// Attach replaces the stream's processing chain. Nodes run in the
	// given order.
	Attach(nodes ...Node) error

	// Close removes the stream from the context mix. Close is
	// idempotent.
	Close() error
}

// Context is an audio processing context: the audio clock, the listener
// pose, and constructors for nodes and captured streams.
//
// Constructors return ErrNotSupported when the backend lacks the
// capability; callers treat that as a permanent signal for the session and
// degrade. Err reports a fatal context failure; once non-nil the context is
// unusable and must be torn down and recreated.
type Context interface {
	// SampleRate returns the context sample rate in Hz.
	SampleRate() int

	// CurrentTime returns the audio clock in seconds since the context
	// was created.
	CurrentTime() float64

	// SetListenerPosition places the listener in context space.
	SetListenerPosition(x, y, z float64)

	// CreateGain creates a gain node.
	CreateGain() (GainNode, error)

	// CreateStereoPanner creates a stereo panner node.
	CreateStereoPanner() (StereoPannerNode, error)

	// CreatePanner creates a full 3D panner node.
	CreatePanner() (PannerNode, error)

	// CreateAnalyser creates a frequency analyser with the given FFT
	// size (a power of two).
	CreateAnalyser(fftSize int) (AnalyserNode, error)

	// Capture binds a live source to the context. It fails with
	// ErrSourceNotActive while the source has not started streaming.
	Capture(src Source) (Stream, error)

	// Err returns the fatal context failure, or nil while the context is
	// usable.
	Err() error

	// Close tears the context down. Close is idempotent.
	Close() error
}
