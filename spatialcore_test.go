package spatialcore

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/spatialcore/graph"
	"github.com/opd-ai/spatialcore/spatializer"
)

// fakeClock is a manually advanced graph.TimeProvider for deterministic
// interpolation tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time                  { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// sineSource streams an endless sine tone.
type sineSource struct {
	freq       float64
	sampleRate int
	phase      float64
}

func (s *sineSource) SampleRate() int { return s.sampleRate }
func (s *sineSource) Active() bool    { return true }

func (s *sineSource) ReadPCM(buf []float32) (int, error) {
	step := 2 * math.Pi * s.freq / float64(s.sampleRate)
	for i := range buf {
		buf[i] = float32(math.Sin(s.phase))
		s.phase += step
	}
	return len(buf), nil
}

// voiceSource streams a chord of bin-centered voice-band tones, giving
// the frequency analyser strong energy across the whole detection band.
type voiceSource struct {
	sampleRate int
	phases     [5]float64
}

func (s *voiceSource) SampleRate() int { return s.sampleRate }
func (s *voiceSource) Active() bool    { return true }

func (s *voiceSource) ReadPCM(buf []float32) (int, error) {
	// Analyser bins 1..5 at 1024-point FFT over 48kHz: 46.875 Hz apart,
	// spanning the 85-255 Hz detection band.
	base := 2 * math.Pi * 46.875 / float64(s.sampleRate)
	for i := range buf {
		var v float64
		for k := range s.phases {
			v += 0.19 * math.Sin(s.phases[k])
			s.phases[k] += base * float64(k+1)
		}
		buf[i] = float32(v)
	}
	return len(buf), nil
}

// newTestEngine builds an engine on a software audio graph with a fake
// clock, returning the created contexts so tests can fail or render them.
func newTestEngine(t *testing.T, clock *fakeClock) (*Engine, *[]*graph.SoftwareContext) {
	t.Helper()

	contexts := &[]*graph.SoftwareContext{}
	options := NewOptions()
	options.ContextFactory = func() (graph.Context, error) {
		ctx, err := graph.NewSoftwareContext(&graph.SoftwareConfig{TimeProvider: clock})
		if err != nil {
			return nil, err
		}
		*contexts = append(*contexts, ctx)
		return ctx, nil
	}

	engine, err := New(options)
	require.NoError(t, err)
	t.Cleanup(engine.Kill)
	return engine, contexts
}

func TestNewWithDefaults(t *testing.T) {
	engine, err := New(nil)
	require.NoError(t, err)
	defer engine.Kill()

	if !engine.IsRunning() {
		t.Error("new engine should be running")
	}
	assert.Equal(t, DefaultTickInterval, engine.IterationInterval())
	assert.Zero(t, engine.SourceCount())
}

func TestTickIntervalOption(t *testing.T) {
	options := NewOptions()
	options.TickInterval = 50 * time.Millisecond

	engine, err := New(options)
	require.NoError(t, err)
	defer engine.Kill()

	assert.Equal(t, 50*time.Millisecond, engine.IterationInterval())
}

func TestPositionBeforeSourceExists(t *testing.T) {
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	// Both writes land before the source exists; the second overwrites
	// the first rather than queueing behind it.
	engine.SetUserPosition("alice", 1, 2)
	engine.SetUserPosition("alice", 3, -4)

	require.NoError(t, engine.CreateSource("alice", &sineSource{freq: 440, sampleRate: 48000}))

	clock.Advance(time.Second)
	engine.Iterate()

	x, y, err := engine.UserPosition("alice")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, x, 1e-9)
	assert.InDelta(t, -4.0, y, 1e-9)
}

func TestRemoveSourceForgetsPendingPosition(t *testing.T) {
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	engine.SetUserPosition("bob", 7, 7)
	engine.RemoveSource("bob")

	require.NoError(t, engine.CreateSource("bob", &sineSource{freq: 440, sampleRate: 48000}))
	clock.Advance(time.Second)
	engine.Iterate()

	x, y, err := engine.UserPosition("bob")
	require.NoError(t, err)
	assert.Zero(t, x)
	assert.Zero(t, y)
}

func TestDuplicateSourceRejected(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeClock())

	src := &sineSource{freq: 440, sampleRate: 48000}
	require.NoError(t, engine.CreateSource("alice", src))

	err := engine.CreateSource("alice", src)
	assert.ErrorIs(t, err, spatializer.ErrDuplicateSource)
	assert.Equal(t, 1, engine.SourceCount())
}

func TestUnknownSourceQueries(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeClock())

	_, _, err := engine.UserPosition("ghost")
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = engine.SourceVolume("ghost")
	assert.ErrorIs(t, err, ErrUnknownSource)

	if engine.VoiceActive("ghost") {
		t.Error("unknown source must never report voice activity")
	}
}

func TestInvalidPropertiesRejected(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeClock())

	original := engine.AudioProperties()
	err := engine.SetAudioProperties(spatializer.AudioProperties{
		MinDistance: 10, MaxDistance: 1, Rolloff: 1,
	})
	assert.ErrorIs(t, err, spatializer.ErrInvalidDistance)
	assert.Equal(t, original, engine.AudioProperties())
}

// TestDistanceAttenuationScenario places a participant 5 units to the
// right of the listener and verifies the derived volume and pan after the
// transition settles.
func TestDistanceAttenuationScenario(t *testing.T) {
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	require.NoError(t, engine.SetAudioProperties(spatializer.AudioProperties{
		MinDistance: 1, MaxDistance: 10, Rolloff: 1, TransitionTime: 0.125,
	}))

	require.NoError(t, engine.CreateSource("A", &sineSource{freq: 440, sampleRate: 48000}))
	engine.SetLocalPosition(0, 0)
	engine.SetUserPosition("A", 5, 0)

	clock.Advance(200 * time.Millisecond)
	engine.Iterate()

	volume, err := engine.SourceVolume("A")
	require.NoError(t, err)
	assert.InDelta(t, 1-4.0/9.0, volume, 1e-9)

	x, y, err := engine.UserPosition("A")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, x, 1e-9)
	assert.InDelta(t, 0.0, y, 1e-9)
}

// TestRuntimeRecreation fails the audio backend mid-session and verifies
// the engine rebuilds it transparently: lifecycle events fire in order,
// the source survives at its last position, and iteration continues.
func TestRuntimeRecreation(t *testing.T) {
	clock := newFakeClock()
	engine, contexts := newTestEngine(t, clock)

	var events []LifecycleEvent
	engine.OnLifecycle(func(evt LifecycleEvent) { events = append(events, evt) })

	require.NoError(t, engine.CreateSource("A", &sineSource{freq: 440, sampleRate: 48000}))
	engine.SetUserPosition("A", 5, 0)
	clock.Advance(time.Second)
	engine.Iterate()

	volume, err := engine.SourceVolume("A")
	require.NoError(t, err)

	(*contexts)[0].Fail(graph.ErrContextClosed)
	engine.Iterate()

	require.Equal(t, []LifecycleEvent{LifecycleTearingDown, LifecycleRecreated}, events)
	require.Len(t, *contexts, 2, "a fresh backend must have been created")
	assert.True(t, engine.IsRunning())
	assert.Equal(t, 1, engine.SourceCount())

	engine.Iterate()
	restored, err := engine.SourceVolume("A")
	require.NoError(t, err)
	assert.InDelta(t, volume, restored, 1e-9)

	x, _, err := engine.UserPosition("A")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, x, 1e-9)
}

// TestVoiceActivityThroughSoftwareGraph is an end-to-end check of the
// detection path: a voice-band tone rendered through the software graph
// must flip the participant to speaking and emit exactly one event.
func TestVoiceActivityThroughSoftwareGraph(t *testing.T) {
	clock := newFakeClock()
	engine, contexts := newTestEngine(t, clock)

	var events []AudioActivityEvent
	engine.OnAudioActivity(func(evt AudioActivityEvent) { events = append(events, evt) })

	require.NoError(t, engine.CreateSource("A", &voiceSource{sampleRate: 48000}))

	engine.Iterate() // binds the capture

	// Pump enough audio through the graph to fill the analysis window.
	_, err := (*contexts)[0].Render(4096)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		engine.Iterate()
	}

	require.Len(t, events, 1, "activation fires exactly once")
	assert.Equal(t, "A", events[0].ID)
	assert.True(t, events[0].Active)
	assert.True(t, engine.VoiceActive("A"))
}

// TestBackgroundTickLoop verifies Start drives iterations without manual
// Iterate calls: a zero-transition listener move only becomes visible
// once a background tick samples the position.
func TestBackgroundTickLoop(t *testing.T) {
	options := NewOptions()
	options.TickInterval = 5 * time.Millisecond
	options.Properties = &spatializer.AudioProperties{
		MinDistance: 1, MaxDistance: 10, Rolloff: 1, TransitionTime: 0.01,
	}

	engine, err := New(options)
	require.NoError(t, err)
	defer engine.Kill()

	require.NoError(t, engine.Start())
	assert.ErrorIs(t, engine.Start(), ErrAlreadyStarted)

	// The listener position only advances when a tick samples it, so
	// arrival proves the background loop is iterating.
	engine.SetLocalPosition(3, 0)
	assert.Eventually(t, func() bool {
		x, _ := engine.LocalPosition()
		return x == 3
	}, time.Second, time.Millisecond, "background tick should sample the listener position")

	engine.Stop()
	engine.Stop() // safe when no loop is running

	// The loop can be restarted after Stop.
	require.NoError(t, engine.Start())
	engine.Kill()
	assert.ErrorIs(t, engine.Start(), ErrEngineStopped)
}

func TestKillStopsEngine(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeClock())

	engine.Kill()
	engine.Kill() // idempotent

	if engine.IsRunning() {
		t.Error("killed engine should not be running")
	}

	err := engine.CreateSource("late", &sineSource{freq: 440, sampleRate: 48000})
	assert.ErrorIs(t, err, ErrEngineStopped)

	// Every remaining facade operation on a dead engine degrades
	// gracefully rather than crashing.
	engine.Iterate()
	engine.SetUserPosition("late", 1, 2)
	engine.SetLocalPosition(3, 4)
	engine.RemoveSource("late")
	assert.Zero(t, engine.SourceCount())
}

func TestLifecycleEventString(t *testing.T) {
	assert.Equal(t, "tearing-down", LifecycleTearingDown.String())
	assert.Equal(t, "recreated", LifecycleRecreated.String())
	assert.Equal(t, "unknown", LifecycleEvent(99).String())
}
