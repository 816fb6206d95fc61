package spatializer

import (
	"sync"

	"github.com/opd-ai/spatialcore/graph"
)

// fakeContext is a capability-configurable graph.Context for exercising
// the strategy cascade without a real audio backend.
type fakeContext struct {
	mu sync.Mutex

	sampleRate int
	now        float64
	listener   [3]float64
	failure    error

	supportPanner   bool
	supportStereo   bool
	supportGain     bool
	supportAnalyser bool

	// Probe counters let tests assert a failed capability is never
	// re-attempted.
	pannerProbes   int
	stereoProbes   int
	gainProbes     int
	analyserProbes int
	captureCalls   int
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		sampleRate:      48000,
		supportPanner:   true,
		supportStereo:   true,
		supportGain:     true,
		supportAnalyser: true,
	}
}

func (c *fakeContext) SampleRate() int { return c.sampleRate }

func (c *fakeContext) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeContext) advance(seconds float64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

func (c *fakeContext) SetListenerPosition(x, y, z float64) {
	c.mu.Lock()
	c.listener = [3]float64{x, y, z}
	c.mu.Unlock()
}

func (c *fakeContext) CreateGain() (graph.GainNode, error) {
	c.mu.Lock()
	c.gainProbes++
	ok := c.supportGain && c.failure == nil
	c.mu.Unlock()
	if !ok {
		return nil, graph.ErrNotSupported
	}
	return &fakeGain{gain: 1}, nil
}

func (c *fakeContext) CreateStereoPanner() (graph.StereoPannerNode, error) {
	c.mu.Lock()
	c.stereoProbes++
	ok := c.supportStereo && c.failure == nil
	c.mu.Unlock()
	if !ok {
		return nil, graph.ErrNotSupported
	}
	return &fakeStereoPanner{}, nil
}

func (c *fakeContext) CreatePanner() (graph.PannerNode, error) {
	c.mu.Lock()
	c.pannerProbes++
	ok := c.supportPanner && c.failure == nil
	c.mu.Unlock()
	if !ok {
		return nil, graph.ErrNotSupported
	}
	return &fakePanner{}, nil
}

func (c *fakeContext) CreateAnalyser(fftSize int) (graph.AnalyserNode, error) {
	c.mu.Lock()
	c.analyserProbes++
	ok := c.supportAnalyser && c.failure == nil
	c.mu.Unlock()
	if !ok {
		return nil, graph.ErrNotSupported
	}
	return &fakeAnalyser{bins: fftSize / 2}, nil
}

func (c *fakeContext) Capture(src graph.Source) (graph.Stream, error) {
	c.mu.Lock()
	c.captureCalls++
	failure := c.failure
	c.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	if src == nil {
		return nil, graph.ErrNilSource
	}
	if !src.Active() {
		return nil, graph.ErrSourceNotActive
	}
	return &fakeStream{}, nil
}

func (c *fakeContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *fakeContext) fail() {
	c.mu.Lock()
	c.failure = graph.ErrContextClosed
	c.mu.Unlock()
}

func (c *fakeContext) Close() error {
	c.fail()
	return nil
}

type fakeGain struct {
	mu   sync.Mutex
	gain float64
}

func (g *fakeGain) SetGain(v float64) { g.mu.Lock(); g.gain = v; g.mu.Unlock() }
func (g *fakeGain) Gain() float64     { g.mu.Lock(); defer g.mu.Unlock(); return g.gain }
func (g *fakeGain) Disconnect()       {}

type fakeStereoPanner struct {
	mu  sync.Mutex
	pan float64
}

func (p *fakeStereoPanner) SetPan(v float64) { p.mu.Lock(); p.pan = v; p.mu.Unlock() }
func (p *fakeStereoPanner) Pan() float64     { p.mu.Lock(); defer p.mu.Unlock(); return p.pan }
func (p *fakeStereoPanner) Disconnect()      {}

type fakePanner struct {
	mu             sync.Mutex
	x, y, z        float64
	ref, max, roll float64
}

func (p *fakePanner) SetPosition(x, y, z float64) {
	p.mu.Lock()
	p.x, p.y, p.z = x, y, z
	p.mu.Unlock()
}
func (p *fakePanner) SetRefDistance(d float64) { p.mu.Lock(); p.ref = d; p.mu.Unlock() }
func (p *fakePanner) SetMaxDistance(d float64) { p.mu.Lock(); p.max = d; p.mu.Unlock() }
func (p *fakePanner) SetRolloff(f float64)     { p.mu.Lock(); p.roll = f; p.mu.Unlock() }
func (p *fakePanner) Disconnect()              {}

func (p *fakePanner) position() (x, y, z float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.x, p.y, p.z
}

// fakeAnalyser serves a test-controlled spectrum.
type fakeAnalyser struct {
	mu       sync.Mutex
	bins     int
	spectrum []float64
}

func (a *fakeAnalyser) BinCount() int { return a.bins }
func (a *fakeAnalyser) Disconnect()   {}

func (a *fakeAnalyser) setUniform(db float64) {
	a.mu.Lock()
	a.spectrum = make([]float64, a.bins)
	for i := range a.spectrum {
		a.spectrum[i] = db
	}
	a.mu.Unlock()
}

func (a *fakeAnalyser) FloatFrequencyData(dst []float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.spectrum == nil {
		return 0
	}
	n := copy(dst, a.spectrum)
	return n
}

type fakeStream struct {
	mu       sync.Mutex
	attached []graph.Node
	closed   int
}

func (s *fakeStream) Attach(nodes ...graph.Node) error {
	s.mu.Lock()
	s.attached = nodes
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

// fakeSource is a minimal graph.Source with a controllable active flag.
type fakeSource struct {
	mu     sync.Mutex
	active bool
}

func (s *fakeSource) SampleRate() int { return 48000 }

func (s *fakeSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSource) setActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

func (s *fakeSource) ReadPCM(buf []float32) (int, error) { return 0, nil }
