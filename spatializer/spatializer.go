// Package spatializer implements the per-participant spatialization state
// machine and the shared listener (Destination) of the spatialcore engine.
//
// Each remote audio source gets exactly one Spatializer, which binds the
// source to an interpolated 2D position and derives gain and stereo pan
// from its distance to the listener every tick. The audio-graph strategy
// behind a Spatializer is selected once per construction through a
// capability cascade owned by the Destination: full 3D panning, stereo
// pan plus gain, volume only, or a silent bookkeeping fallback. All four
// strategies share one distance/pan computation; they differ only in how
// the result is applied to the underlying graph nodes.
package spatializer

import (
	"errors"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/spatialcore/graph"
	"github.com/opd-ai/spatialcore/position"
	"github.com/opd-ai/spatialcore/vad"
)

// Strategy identifies the audio-graph capability level a Spatializer was
// built with.
type Strategy uint8

const (
	// StrategyFullPanner spatializes through a 3D panner node.
	StrategyFullPanner Strategy = iota
	// StrategyStereoPanner uses a stereo pan control plus a gain control.
	StrategyStereoPanner
	// StrategyVolumeOnly encodes distance through volume alone.
	StrategyVolumeOnly
	// StrategySilent maintains position/volume bookkeeping without any
	// sound processing. Used when no audio graph capability exists.
	StrategySilent
)

// String returns a human-readable strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyFullPanner:
		return "full-panner"
	case StrategyStereoPanner:
		return "stereo-panner"
	case StrategyVolumeOnly:
		return "volume-only"
	case StrategySilent:
		return "silent"
	default:
		return "unknown"
	}
}

// ActivityEvent is an immutable voice-activity change record. A fresh
// value is emitted per change; events are never reused or mutated after
// dispatch.
type ActivityEvent struct {
	// ID is the participant identifier of the source.
	ID string

	// Active reports whether the participant is now considered speaking.
	Active bool

	// Level is the normalized energy level that produced the change.
	Level float64
}

// Attenuate computes the distance-derived volume and stereo pan for a
// source at (x, y) heard by a listener at (lx, ly). Volume is 1 at or
// inside MinDistance, 0 at or beyond MaxDistance, and a linear blend
// between. Pan is the normalized horizontal offset, zero when source and
// listener coincide.
//
// This is the single shared implementation used by every strategy.
func Attenuate(x, y, lx, ly float64, props AudioProperties) (volume, pan float64) {
	dx := x - lx
	dy := y - ly
	dist := math.Sqrt(dx*dx + dy*dy)

	span := props.MaxDistance - props.MinDistance
	switch {
	case span <= 0:
		// Degenerate configuration: hard cutoff at the shared bound.
		if dist <= props.MinDistance {
			volume = 1
		}
	default:
		normalized := (dist - props.MinDistance) / span
		if normalized < 0 {
			normalized = 0
		} else if normalized > 1 {
			normalized = 1
		}
		volume = 1 - normalized
	}

	if dist > 0 {
		pan = dx / dist
	}
	return volume, pan
}

// renderer applies a computed volume/pan to the underlying audio graph.
// One implementation per capability strategy.
type renderer interface {
	// apply pushes the tick's derived values into the graph nodes.
	apply(x, y, volume, pan float64, props AudioProperties)

	// nodes returns the graph nodes to attach to the captured stream,
	// in processing order.
	nodes() []graph.Node

	// release disconnects the renderer's nodes. Idempotent.
	release()
}

// pannerRenderer delegates spatialization to a 3D panner node. Volume and
// pan are encoded by the node's own distance model, so the explicit values
// are bookkeeping only.
type pannerRenderer struct {
	node graph.PannerNode
}

func (r *pannerRenderer) apply(x, y, _, _ float64, props AudioProperties) {
	// Horizontal plane maps onto x/z; the engine does not model height.
	r.node.SetPosition(x, 0, y)
	r.node.SetRefDistance(props.MinDistance)
	r.node.SetMaxDistance(props.MaxDistance)
	r.node.SetRolloff(props.Rolloff)
}

func (r *pannerRenderer) nodes() []graph.Node { return []graph.Node{r.node} }

func (r *pannerRenderer) release() { r.node.Disconnect() }

// stereoRenderer drives a stereo pan control and a gain control from the
// shared 2D computation.
type stereoRenderer struct {
	pan  graph.StereoPannerNode
	gain graph.GainNode
}

func (r *stereoRenderer) apply(_, _, volume, pan float64, _ AudioProperties) {
	r.gain.SetGain(volume)
	r.pan.SetPan(pan)
}

func (r *stereoRenderer) nodes() []graph.Node { return []graph.Node{r.pan, r.gain} }

func (r *stereoRenderer) release() {
	r.pan.Disconnect()
	r.gain.Disconnect()
}

// volumeRenderer encodes distance through volume alone.
type volumeRenderer struct {
	gain graph.GainNode
}

func (r *volumeRenderer) apply(_, _, volume, _ float64, _ AudioProperties) {
	r.gain.SetGain(volume)
}

func (r *volumeRenderer) nodes() []graph.Node { return []graph.Node{r.gain} }

func (r *volumeRenderer) release() { r.gain.Disconnect() }

// silentRenderer keeps the spatializer functionally correct when no audio
// graph capability exists at all (headless and test environments).
type silentRenderer struct{}

func (silentRenderer) apply(_, _, _, _ float64, _ AudioProperties) {}

func (silentRenderer) nodes() []graph.Node { return nil }

func (silentRenderer) release() {}

// Spatializer binds one participant's audio source to a spatial position
// and exposes the derived gain/pan. Strategies with frequency-analysis
// capability additionally run voice-activity detection each tick.
//
// Spatializers are created through Destination.CreateSpatializer and must
// be released with Dispose when the participant leaves.
type Spatializer struct {
	mu sync.RWMutex

	id   string
	dest *Destination
	src  graph.Source
	out  renderer

	strategy Strategy
	pos      *position.Position
	volume   float64
	pan      float64

	// Capture is retried opportunistically each tick until it succeeds;
	// the source may not have started streaming when the spatializer is
	// built.
	stream graph.Stream

	// Voice activity analysis, nil when the analyser capability is
	// unavailable.
	analyser graph.AnalyserNode
	detector *vad.Detector
	spectrum []float64
	lowBin   int
	highBin  int

	disposed bool
}

// ID returns the participant identifier this spatializer belongs to.
func (s *Spatializer) ID() string { return s.id }

// Strategy returns the capability strategy selected at construction.
func (s *Spatializer) Strategy() Strategy { return s.strategy }

// Source returns the underlying audio source handle.
func (s *Spatializer) Source() graph.Source { return s.src }

// Volume returns the most recently computed volume in [0, 1].
func (s *Spatializer) Volume() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volume
}

// Pan returns the most recently computed stereo pan in [-1, 1].
func (s *Spatializer) Pan() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pan
}

// Position returns the current sampled coordinate.
func (s *Spatializer) Position() (x, y float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos.X(), s.pos.Y()
}

// Target returns the coordinate the spatializer is interpolating toward.
func (s *Spatializer) Target() (x, y float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos.Target()
}

// VoiceActive returns the current debounced speaking state. Always false
// when the analyser capability is unavailable.
func (s *Spatializer) VoiceActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detector != nil && s.detector.Active()
}

// SetTarget begins interpolating toward (x, y) over the destination's
// transition time and immediately recomputes the derived values.
func (s *Spatializer) SetTarget(x, y float64) {
	now := s.dest.AudioTime()
	props := s.dest.Properties()
	lx, ly := s.dest.ListenerPosition()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.pos.SetTarget(x, y, now, props.TransitionTime)
	s.pos.Update(now)
	s.volume, s.pan = Attenuate(s.pos.X(), s.pos.Y(), lx, ly, props)
	out := s.out
	px, py := s.pos.X(), s.pos.Y()
	volume, pan := s.volume, s.pan
	s.mu.Unlock()

	out.apply(px, py, volume, pan, props)

	logrus.WithFields(logrus.Fields{
		"function":  "SetTarget",
		"source_id": s.id,
		"target_x":  x,
		"target_y":  y,
	}).Trace("Spatializer target updated")
}

// snapTo pins the position directly onto (x, y) with no transition. Used
// when replaying state into a recreated audio runtime.
func (s *Spatializer) snapTo(x, y float64) {
	now := s.dest.AudioTime()

	s.mu.Lock()
	s.pos.SetTarget(x, y, now, 0)
	s.mu.Unlock()
}

// Update advances the interpolation to the destination's current audio
// clock, recomputes volume/pan, applies them through the active strategy,
// and runs voice-activity analysis where supported. Called once per engine
// tick.
func (s *Spatializer) Update() {
	d := s.dest
	now := d.AudioTime()
	props := d.Properties()
	lx, ly := d.ListenerPosition()
	s.update(now, props, lx, ly, d.context())
}

func (s *Spatializer) update(now float64, props AudioProperties, lx, ly float64, ctx graph.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}

	s.pos.Update(now)
	s.volume, s.pan = Attenuate(s.pos.X(), s.pos.Y(), lx, ly, props)

	out := s.out
	px, py := s.pos.X(), s.pos.Y()
	volume, pan := s.volume, s.pan
	needsCapture := s.stream == nil && s.strategy != StrategySilent
	s.mu.Unlock()

	if needsCapture {
		s.tryCapture(ctx)
	}

	out.apply(px, py, volume, pan, props)
	s.analyzeVoice()
}

// tryCapture attempts to bind the live source into the audio graph. The
// source frequently is not streaming yet on the first ticks; that race is
// expected, so failures here are retried on the next tick rather than
// surfaced.
func (s *Spatializer) tryCapture(ctx graph.Context) {
	stream, err := ctx.Capture(s.src)
	if err != nil {
		if errors.Is(err, graph.ErrSourceNotActive) {
			logrus.WithFields(logrus.Fields{
				"function":  "tryCapture",
				"source_id": s.id,
			}).Trace("Source not streaming yet, will retry next tick")
		} else {
			logrus.WithFields(logrus.Fields{
				"function":  "tryCapture",
				"source_id": s.id,
				"error":     err.Error(),
			}).Debug("Capture attempt failed, will retry next tick")
		}
		return
	}

	nodes := make([]graph.Node, 0, 3)
	if s.analyser != nil {
		nodes = append(nodes, s.analyser)
	}
	nodes = append(nodes, s.out.nodes()...)

	if err := stream.Attach(nodes...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "tryCapture",
			"source_id": s.id,
			"error":     err.Error(),
		}).Warn("Failed to attach processing chain")
		_ = stream.Close()
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.stream = stream
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "tryCapture",
		"source_id":  s.id,
		"strategy":   s.strategy.String(),
		"node_count": len(nodes),
	}).Debug("Source captured into audio graph")
}

// analyzeVoice runs one voice-activity pass and emits an activity event on
// a state flip.
func (s *Spatializer) analyzeVoice() {
	s.mu.Lock()
	if s.disposed || s.analyser == nil || s.detector == nil || s.stream == nil {
		s.mu.Unlock()
		return
	}
	n := s.analyser.FloatFrequencyData(s.spectrum)
	if n == 0 {
		s.mu.Unlock()
		return
	}
	activity, changed, err := s.detector.Analyze(s.spectrum[:n], s.lowBin, s.highBin)
	s.mu.Unlock()

	if err != nil || !changed {
		return
	}

	s.dest.emitActivity(ActivityEvent{
		ID:     s.id,
		Active: activity.Active,
		Level:  activity.Level,
	})
}

// Dispose releases the spatializer's audio graph nodes and captured
// stream. Safe to call more than once; a disposed spatializer is skipped
// by subsequent ticks.
func (s *Spatializer) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	stream := s.stream
	s.stream = nil
	analyser := s.analyser
	s.analyser = nil
	s.detector = nil
	out := s.out
	s.mu.Unlock()

	if analyser != nil {
		analyser.Disconnect()
	}
	out.release()
	if stream != nil {
		_ = stream.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Dispose",
		"source_id": s.id,
	}).Debug("Spatializer disposed")
}

// Disposed reports whether Dispose has been called.
func (s *Spatializer) Disposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}
