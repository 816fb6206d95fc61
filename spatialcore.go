// Package spatialcore implements a positional audio engine for spatial
// conferencing.
//
// Participants live on a 2D plane. Each remote audio source is placed at
// a coordinate, and the engine derives per-source volume and stereo pan
// from its distance and direction to the local listener, smoothing every
// position change over a short transition. Sources with frequency
// analysis support additionally report voice activity.
//
// Example:
//
//	options := spatialcore.NewOptions()
//
//	engine, err := spatialcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine.OnAudioActivity(func(evt spatialcore.AudioActivityEvent) {
//	    fmt.Printf("%s speaking: %v\n", evt.ID, evt.Active)
//	})
//
//	engine.CreateSource("alice", aliceTrack)
//	engine.SetUserPosition("alice", 3, -2)
//	engine.SetLocalPosition(0, 0)
//
//	// Drive the engine loop
//	for engine.IsRunning() {
//	    engine.Iterate()
//	    time.Sleep(engine.IterationInterval())
//	}
package spatialcore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/spatialcore/graph"
	"github.com/opd-ai/spatialcore/spatializer"
)

// DefaultTickInterval is the recommended spacing between engine
// iterations. Position interpolation is sampled against the audio clock,
// so a slow tick loses smoothness but never correctness.
const DefaultTickInterval = 250 * time.Millisecond

// Common engine errors.
var (
	// ErrEngineStopped is returned by operations on a stopped engine.
	ErrEngineStopped = errors.New("engine is stopped")

	// ErrAlreadyStarted is returned by Start when the background tick
	// loop is already running.
	ErrAlreadyStarted = errors.New("engine is already started")

	// ErrUnknownSource is returned when an operation names a source the
	// engine does not know.
	ErrUnknownSource = errors.New("unknown source")
)

// Options contains configuration options for creating an Engine.
type Options struct {
	// TickInterval is the recommended spacing between Iterate calls,
	// returned by IterationInterval. Zero selects DefaultTickInterval.
	TickInterval time.Duration

	// Properties are the initial listening parameters. Nil selects
	// spatializer.DefaultAudioProperties.
	Properties *spatializer.AudioProperties

	// ContextFactory builds the audio backend. Nil selects the pure Go
	// software graph. The factory is retained: when the backend fails
	// fatally, the engine recreates it and rebuilds all sources.
	ContextFactory func() (graph.Context, error)
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		TickInterval: DefaultTickInterval,
	}
}

// AudioActivityEvent reports a participant starting or stopping speaking.
type AudioActivityEvent struct {
	// ID is the participant identifier of the source.
	ID string

	// Active is true when the participant started speaking and false
	// when they stopped.
	Active bool
}

// LifecycleEvent reports an audio runtime lifecycle transition.
type LifecycleEvent uint8

const (
	// LifecycleTearingDown fires when a fatal backend failure was
	// detected and the runtime is about to be rebuilt.
	LifecycleTearingDown LifecycleEvent = iota

	// LifecycleRecreated fires after the runtime was rebuilt and every
	// source was restored at its last known position.
	LifecycleRecreated
)

// String returns a human-readable lifecycle event name.
func (e LifecycleEvent) String() string {
	switch e {
	case LifecycleTearingDown:
		return "tearing-down"
	case LifecycleRecreated:
		return "recreated"
	default:
		return "unknown"
	}
}

// Engine is the positional audio engine facade.
//
// All mutating operations are safe for concurrent use, but Iterate is
// expected to be driven from a single loop.
type Engine struct {
	mu sync.RWMutex

	options *Options
	dest    *spatializer.Destination

	// Positions set before the source exists, replayed on CreateSource.
	// Later writes for the same ID overwrite earlier ones.
	pendingTargets map[string][2]float64

	activityCallback  func(AudioActivityEvent)
	lifecycleCallback func(LifecycleEvent)

	running      bool
	tickInterval time.Duration

	// Background tick loop, nil unless Start is active.
	loopStop chan struct{}
	loopDone sync.WaitGroup
}

// New creates an Engine. A nil options selects NewOptions.
func New(options *Options) (*Engine, error) {
	logrus.WithFields(logrus.Fields{
		"function": "New",
	}).Info("Creating spatial audio engine")

	if options == nil {
		options = NewOptions()
	}

	tick := options.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	factory := options.ContextFactory
	if factory == nil {
		factory = func() (graph.Context, error) {
			return graph.NewSoftwareContext(graph.DefaultSoftwareConfig())
		}
	}

	dest, err := spatializer.NewDestination(factory, options.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	e := &Engine{
		options:        options,
		dest:           dest,
		pendingTargets: make(map[string][2]float64),
		running:        true,
		tickInterval:   tick,
	}

	dest.OnActivity(func(evt spatializer.ActivityEvent) {
		e.emitActivity(AudioActivityEvent{ID: evt.ID, Active: evt.Active})
	})

	logrus.WithFields(logrus.Fields{
		"function":      "New",
		"tick_interval": tick,
	}).Info("Spatial audio engine created successfully")

	return e, nil
}

// Iterate performs a single iteration of the engine loop: it checks the
// audio backend health, recovering from fatal failures by rebuilding the
// runtime, and advances every position interpolation.
func (e *Engine) Iterate() {
	e.mu.RLock()
	running := e.running
	dest := e.dest
	e.mu.RUnlock()

	if !running {
		return
	}

	if err := dest.Err(); err != nil {
		e.recoverRuntime(err)
		return
	}

	dest.Update()
}

// recoverRuntime rebuilds the audio runtime after a fatal backend
// failure, emitting lifecycle events around the teardown.
func (e *Engine) recoverRuntime(cause error) {
	logrus.WithFields(logrus.Fields{
		"function": "recoverRuntime",
		"error":    cause.Error(),
	}).Warn("Audio backend failed, rebuilding runtime")

	e.emitLifecycle(LifecycleTearingDown)

	if err := e.dest.Recreate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recoverRuntime",
			"error":    err.Error(),
		}).Error("Failed to rebuild audio runtime, will retry next iteration")
		return
	}

	e.emitLifecycle(LifecycleRecreated)
}

// Start begins driving Iterate from a background timer at the
// configured tick interval. Callers that prefer to drive the loop
// themselves can skip Start and call Iterate directly.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return ErrEngineStopped
	}
	if e.loopStop != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    "already started",
		}).Error("Engine tick loop is already running")
		return ErrAlreadyStarted
	}

	stop := make(chan struct{})
	e.loopStop = stop
	e.loopDone.Add(1)

	go func() {
		defer e.loopDone.Done()
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.Iterate()
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function":      "Start",
		"tick_interval": e.tickInterval,
	}).Info("Engine tick loop started")

	return nil
}

// Stop halts the background tick loop started by Start. The engine stays
// usable; Iterate can still be called manually. Safe to call when no
// loop is running.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.loopStop
	e.loopStop = nil
	e.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	e.loopDone.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Engine tick loop stopped")
}

// IterationInterval returns the recommended interval between iterations.
func (e *Engine) IterationInterval() time.Duration {
	return e.tickInterval
}

// IsRunning checks if the engine is still running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// SetLocalPosition moves the local listener toward (x, y) over the
// configured transition time.
func (e *Engine) SetLocalPosition(x, y float64) {
	e.dest.SetTarget(x, y)
}

// LocalPosition returns the listener's current interpolated coordinate.
func (e *Engine) LocalPosition() (x, y float64) {
	return e.dest.ListenerPosition()
}

// SetUserPosition moves a participant's source toward (x, y). Positions
// for sources that do not exist yet are remembered and applied when the
// source is created; a later call for the same participant overwrites the
// pending position rather than queueing.
func (e *Engine) SetUserPosition(id string, x, y float64) {
	if s, ok := e.dest.Spatializer(id); ok {
		s.SetTarget(x, y)
		return
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.pendingTargets[id] = [2]float64{x, y}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "SetUserPosition",
		"source_id": id,
		"x":         x,
		"y":         y,
	}).Debug("Position stored for source not yet created")
}

// SetAudioProperties validates and applies new listening parameters.
// Existing sources pick them up on the next iteration.
func (e *Engine) SetAudioProperties(props spatializer.AudioProperties) error {
	return e.dest.SetAudioProperties(props)
}

// AudioProperties returns the current listening parameters.
func (e *Engine) AudioProperties() spatializer.AudioProperties {
	return e.dest.Properties()
}

// CreateSource registers a participant's audio source with the engine.
// If a position was set for the participant before this call, the source
// starts interpolating toward it immediately.
func (e *Engine) CreateSource(id string, src graph.Source) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return ErrEngineStopped
	}

	s, err := e.dest.CreateSpatializer(id, src)
	if err != nil {
		return fmt.Errorf("failed to create source %s: %w", id, err)
	}

	e.mu.Lock()
	target, pending := e.pendingTargets[id]
	if pending {
		delete(e.pendingTargets, id)
	}
	e.mu.Unlock()

	if pending {
		s.SetTarget(target[0], target[1])
		logrus.WithFields(logrus.Fields{
			"function":  "CreateSource",
			"source_id": id,
			"x":         target[0],
			"y":         target[1],
		}).Debug("Applied pending position to new source")
	}

	return nil
}

// RemoveSource releases a participant's source and forgets any pending
// position. Unknown identifiers are ignored.
func (e *Engine) RemoveSource(id string) {
	e.mu.Lock()
	delete(e.pendingTargets, id)
	e.mu.Unlock()

	e.dest.RemoveSpatializer(id)
}

// SourceCount returns the number of registered sources.
func (e *Engine) SourceCount() int {
	return e.dest.Count()
}

// UserPosition returns a participant's current interpolated coordinate.
func (e *Engine) UserPosition(id string) (x, y float64, err error) {
	s, ok := e.dest.Spatializer(id)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	x, y = s.Position()
	return x, y, nil
}

// SourceVolume returns a participant's current distance-derived volume.
func (e *Engine) SourceVolume(id string) (float64, error) {
	s, ok := e.dest.Spatializer(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return s.Volume(), nil
}

// VoiceActive reports whether a participant is currently speaking.
// Always false for unknown sources and backends without analysis
// support.
func (e *Engine) VoiceActive(id string) bool {
	s, ok := e.dest.Spatializer(id)
	if !ok {
		return false
	}
	return s.VoiceActive()
}

// OnAudioActivity registers the callback receiving speaking-state
// changes. Pass nil to unregister.
func (e *Engine) OnAudioActivity(callback func(AudioActivityEvent)) {
	e.mu.Lock()
	e.activityCallback = callback
	e.mu.Unlock()
}

// OnLifecycle registers the callback receiving runtime lifecycle events.
// Pass nil to unregister.
func (e *Engine) OnLifecycle(callback func(LifecycleEvent)) {
	e.mu.Lock()
	e.lifecycleCallback = callback
	e.mu.Unlock()
}

func (e *Engine) emitActivity(evt AudioActivityEvent) {
	e.mu.RLock()
	callback := e.activityCallback
	e.mu.RUnlock()
	if callback != nil {
		callback(evt)
	}
}

func (e *Engine) emitLifecycle(evt LifecycleEvent) {
	e.mu.RLock()
	callback := e.lifecycleCallback
	e.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function": "emitLifecycle",
		"event":    evt.String(),
	}).Info("Audio runtime lifecycle transition")

	if callback != nil {
		callback(evt)
	}
}

// Kill stops the engine and releases all sources and the audio backend.
// Safe to call more than once.
func (e *Engine) Kill() {
	e.Stop()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.pendingTargets = nil
	e.mu.Unlock()

	if err := e.dest.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err.Error(),
		}).Warn("Error closing audio destination")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("Spatial audio engine stopped")
}
