package graph

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSampleRate is the context sample rate used when none is
// configured. 48 kHz matches the conferencing codecs the engine ingests.
const DefaultSampleRate = 48000

// SoftwareConfig configures a SoftwareContext.
type SoftwareConfig struct {
	// SampleRate in Hz. Defaults to DefaultSampleRate.
	SampleRate int

	// TimeProvider drives the audio clock. Defaults to the system
	// clock; tests inject a fake for deterministic time.
	TimeProvider TimeProvider
}

// DefaultSoftwareConfig returns the standard software context
// configuration.
func DefaultSoftwareConfig() *SoftwareConfig {
	return &SoftwareConfig{
		SampleRate:   DefaultSampleRate,
		TimeProvider: DefaultTimeProvider{},
	}
}

// SoftwareContext is a pure Go implementation of Context. It processes PCM
// from captured sources entirely in software: gain, equal-power stereo
// panning, inverse-distance 3D panning, FFT frequency analysis, and a
// stereo mixdown of all captured streams.
//
// The software context supports every capability, which makes it the
// first-choice backend; restricted backends (or test fakes) surface
// ErrNotSupported from individual constructors instead.
type SoftwareContext struct {
	mu           sync.Mutex
	sampleRate   int
	timeProvider TimeProvider
	epoch        time.Time
	listener     [3]float64
	streams      []*softwareStream
	failure      error
}

// NewSoftwareContext creates a software audio context. A nil config
// selects DefaultSoftwareConfig.
func NewSoftwareContext(config *SoftwareConfig) (*SoftwareContext, error) {
	if config == nil {
		config = DefaultSoftwareConfig()
	}
	sampleRate := config.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	tp := config.TimeProvider
	if tp == nil {
		tp = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSoftwareContext",
		"sample_rate": sampleRate,
	}).Info("Creating software audio context")

	return &SoftwareContext{
		sampleRate:   sampleRate,
		timeProvider: tp,
		epoch:        tp.Now(),
	}, nil
}

// SampleRate returns the context sample rate in Hz.
func (c *SoftwareContext) SampleRate() int { return c.sampleRate }

// CurrentTime returns the audio clock in seconds since the context was
// created.
func (c *SoftwareContext) CurrentTime() float64 {
	return c.timeProvider.Since(c.epoch).Seconds()
}

// SetListenerPosition places the listener in context space.
func (c *SoftwareContext) SetListenerPosition(x, y, z float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = [3]float64{x, y, z}
}

// CreateGain creates a gain node.
func (c *SoftwareContext) CreateGain() (GainNode, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return &softwareGain{gain: 1}, nil
}

// CreateStereoPanner creates a stereo panner node.
func (c *SoftwareContext) CreateStereoPanner() (StereoPannerNode, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return &softwareStereoPanner{}, nil
}

// CreatePanner creates a full 3D panner node bound to this context's
// listener.
func (c *SoftwareContext) CreatePanner() (PannerNode, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return &softwarePanner{ctx: c, ref: 1, max: 10000, rolloff: 1}, nil
}

// CreateAnalyser creates a frequency analyser with the given FFT size.
func (c *SoftwareContext) CreateAnalyser(fftSize int) (AnalyserNode, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return newSoftwareAnalyser(fftSize)
}

// Capture binds a live source to the context mix. It fails with
// ErrSourceNotActive while the source has not started streaming; callers
// retry on a later tick.
func (c *SoftwareContext) Capture(src Source) (Stream, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrNilSource
	}
	if !src.Active() {
		return nil, ErrSourceNotActive
	}

	stream := &softwareStream{ctx: c, src: src}

	c.mu.Lock()
	c.streams = append(c.streams, stream)
	streamCount := len(c.streams)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Capture",
		"sample_rate":  src.SampleRate(),
		"stream_count": streamCount,
	}).Debug("Captured media source")

	return stream, nil
}

// Err returns the fatal context failure, or nil while the context is
// usable.
func (c *SoftwareContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Fail marks the context as fatally failed. Subsequent node construction
// and capture return the failure; the owner is expected to tear the
// context down and recreate it. Used by backend adapters to report
// platform errors and by tests to simulate them.
func (c *SoftwareContext) Fail(err error) {
	if err == nil {
		err = ErrContextClosed
	}

	c.mu.Lock()
	alreadyFailed := c.failure != nil
	if !alreadyFailed {
		c.failure = err
	}
	c.mu.Unlock()

	if !alreadyFailed {
		logrus.WithFields(logrus.Fields{
			"function": "Fail",
			"error":    err.Error(),
		}).Warn("Software audio context failed")
	}
}

// Close tears the context down, detaching all streams. Close is
// idempotent.
func (c *SoftwareContext) Close() error {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = ErrContextClosed
	}
	c.streams = nil
	c.mu.Unlock()
	return nil
}

// Render mixes the given number of frames from all captured streams into
// interleaved stereo samples clamped to [-1, 1]. Rendering also feeds the
// analyser taps, so hosts without a playback device still get frequency
// data by rendering on a timer.
func (c *SoftwareContext) Render(frames int) ([]float32, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	if frames <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	streams := make([]*softwareStream, len(c.streams))
	copy(streams, c.streams)
	c.mu.Unlock()

	out := make([]float32, frames*2)
	mono := make([]float32, frames)

	for _, stream := range streams {
		n := stream.pull(mono)
		if n == 0 {
			continue
		}
		gainL, gainR := stream.applyChain(mono[:n])
		for i := 0; i < n; i++ {
			out[i*2] += mono[i] * float32(gainL)
			out[i*2+1] += mono[i] * float32(gainR)
		}
	}

	for i, v := range out {
		switch {
		case v > 1:
			out[i] = 1
		case v < -1:
			out[i] = -1
		}
	}
	return out, nil
}

// removeStream detaches a closed stream from the mix.
func (c *SoftwareContext) removeStream(s *softwareStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, stream := range c.streams {
		if stream == s {
			c.streams = append(c.streams[:i], c.streams[i+1:]...)
			return
		}
	}
}

// listenerPosition returns the current listener pose.
func (c *SoftwareContext) listenerPosition() [3]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// softwareNode is the processing hook shared by all software node
// implementations. Each node folds its effect into the render block.
type softwareNode interface {
	apply(samples []float32, gainL, gainR float64) (float64, float64)
	detached() bool
}

// softwareStream is a captured source plus its ordered processing chain.
type softwareStream struct {
	mu     sync.Mutex
	ctx    *SoftwareContext
	src    Source
	chain  []softwareNode
	closed bool
}

// Attach replaces the stream's processing chain. All nodes must originate
// from the same software context.
func (s *softwareStream) Attach(nodes ...Node) error {
	chain := make([]softwareNode, 0, len(nodes))
	for _, n := range nodes {
		sn, ok := n.(softwareNode)
		if !ok {
			return ErrForeignNode
		}
		chain = append(chain, sn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrContextClosed
	}
	s.chain = chain
	return nil
}

// Close removes the stream from the context mix. Idempotent.
func (s *softwareStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.chain = nil
	s.mu.Unlock()

	s.ctx.removeStream(s)
	return nil
}

// pull reads mono PCM from the source into buf.
func (s *softwareStream) pull(buf []float32) int {
	s.mu.Lock()
	src := s.src
	closed := s.closed
	s.mu.Unlock()
	if closed || src == nil {
		return 0
	}

	n, err := src.ReadPCM(buf)
	if err != nil {
		return 0
	}
	return n
}

// applyChain runs the processing chain over the block and returns the
// resulting left/right gains.
func (s *softwareStream) applyChain(samples []float32) (float64, float64) {
	s.mu.Lock()
	chain := s.chain
	s.mu.Unlock()

	gainL, gainR := 1.0, 1.0
	for _, node := range chain {
		if node.detached() {
			continue
		}
		gainL, gainR = node.apply(samples, gainL, gainR)
	}
	return gainL, gainR
}

// softwareGain scales the signal by a linear gain in [0, 1].
type softwareGain struct {
	mu     sync.Mutex
	gain   float64
	detach bool
}

func (g *softwareGain) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	} else if gain > 1 {
		gain = 1
	}
	g.mu.Lock()
	g.gain = gain
	g.mu.Unlock()
}

func (g *softwareGain) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

func (g *softwareGain) Disconnect() {
	g.mu.Lock()
	g.detach = true
	g.mu.Unlock()
}

func (g *softwareGain) detached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.detach
}

func (g *softwareGain) apply(_ []float32, gainL, gainR float64) (float64, float64) {
	g.mu.Lock()
	gain := g.gain
	g.mu.Unlock()
	return gainL * gain, gainR * gain
}

// softwareStereoPanner places the signal in the stereo field using
// equal-power panning.
type softwareStereoPanner struct {
	mu     sync.Mutex
	pan    float64
	detach bool
}

func (p *softwareStereoPanner) SetPan(pan float64) {
	if pan < -1 {
		pan = -1
	} else if pan > 1 {
		pan = 1
	}
	p.mu.Lock()
	p.pan = pan
	p.mu.Unlock()
}

func (p *softwareStereoPanner) Pan() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pan
}

func (p *softwareStereoPanner) Disconnect() {
	p.mu.Lock()
	p.detach = true
	p.mu.Unlock()
}

func (p *softwareStereoPanner) detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detach
}

func (p *softwareStereoPanner) apply(_ []float32, gainL, gainR float64) (float64, float64) {
	p.mu.Lock()
	pan := p.pan
	p.mu.Unlock()

	l, r := equalPowerGains(pan)
	return gainL * l, gainR * r
}

// softwarePanner spatializes the signal from its position relative to the
// context listener using the inverse distance model.
type softwarePanner struct {
	mu      sync.Mutex
	ctx     *SoftwareContext
	x, y, z float64
	ref     float64
	max     float64
	rolloff float64
	detach  bool
}

func (p *softwarePanner) SetPosition(x, y, z float64) {
	p.mu.Lock()
	p.x, p.y, p.z = x, y, z
	p.mu.Unlock()
}

func (p *softwarePanner) SetRefDistance(d float64) {
	p.mu.Lock()
	if d > 0 {
		p.ref = d
	}
	p.mu.Unlock()
}

func (p *softwarePanner) SetMaxDistance(d float64) {
	p.mu.Lock()
	if d > 0 {
		p.max = d
	}
	p.mu.Unlock()
}

func (p *softwarePanner) SetRolloff(f float64) {
	p.mu.Lock()
	if f >= 0 {
		p.rolloff = f
	}
	p.mu.Unlock()
}

func (p *softwarePanner) Disconnect() {
	p.mu.Lock()
	p.detach = true
	p.mu.Unlock()
}

func (p *softwarePanner) detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detach
}

func (p *softwarePanner) apply(_ []float32, gainL, gainR float64) (float64, float64) {
	p.mu.Lock()
	px, py, pz := p.x, p.y, p.z
	ref, max, rolloff := p.ref, p.max, p.rolloff
	p.mu.Unlock()

	listener := p.ctx.listenerPosition()
	dx := px - listener[0]
	dy := py - listener[1]
	dz := pz - listener[2]
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)

	// Inverse distance model, clamped to [ref, max].
	clamped := dist
	if clamped < ref {
		clamped = ref
	}
	if clamped > max {
		clamped = max
	}
	gain := ref / (ref + rolloff*(clamped-ref))

	pan := 0.0
	if dist > 0 {
		pan = dx / dist
	}

	l, r := equalPowerGains(pan)
	return gainL * gain * l, gainR * gain * r
}

// equalPowerGains maps a pan position in [-1, 1] to left/right channel
// gains with constant total power.
func equalPowerGains(pan float64) (l, r float64) {
	theta := (pan + 1) * math.Pi / 4
	return math.Cos(theta), math.Sin(theta)
}
