package spatializer

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/spatialcore/graph"
	"github.com/opd-ai/spatialcore/position"
	"github.com/opd-ai/spatialcore/vad"
)

// DefaultAnalyserFFTSize is the FFT size used for voice-activity
// analysers.
const DefaultAnalyserFFTSize = 1024

// AudioProperties holds the global listening parameters shared by the
// listener and every spatializer.
type AudioProperties struct {
	// MinDistance is the distance at or inside which a source plays at
	// full volume.
	MinDistance float64

	// MaxDistance is the distance at or beyond which a source is
	// silent. Must be positive and at least MinDistance.
	MaxDistance float64

	// Rolloff is the rolloff factor of the 3D panner distance model.
	// Must be non-negative.
	Rolloff float64

	// TransitionTime is the interpolation window in seconds applied to
	// every position change.
	TransitionTime float64
}

// DefaultAudioProperties returns the standard listening parameters.
func DefaultAudioProperties() AudioProperties {
	return AudioProperties{
		MinDistance:    1,
		MaxDistance:    10,
		Rolloff:        1,
		TransitionTime: 0.125,
	}
}

// Validate checks the property invariants: minDistance <= maxDistance > 0,
// rolloff >= 0, transitionTime >= 0.
func (p AudioProperties) Validate() error {
	if p.MaxDistance <= 0 || p.MinDistance > p.MaxDistance || p.MinDistance < 0 {
		return fmt.Errorf("%w: min=%f max=%f", ErrInvalidDistance, p.MinDistance, p.MaxDistance)
	}
	if p.Rolloff < 0 {
		return fmt.Errorf("%w: %f", ErrInvalidRolloff, p.Rolloff)
	}
	if p.TransitionTime < 0 {
		return fmt.Errorf("%w: %f", ErrInvalidTransitionTime, p.TransitionTime)
	}
	return nil
}

// Capabilities tracks which audio graph strategies remain available for
// this session.
//
// Once a capability probe fails, the flag is cleared for the rest of the
// session and higher strategies are never re-attempted for subsequent
// participants. This avoids repeated failed construction attempts, at the
// cost that the very first failure determines spatialization quality for
// everyone until the audio runtime is recreated. That trade-off is
// deliberate and carried over from the systems this engine was built for.
type Capabilities struct {
	// FullPanner enables the 3D panner strategy.
	FullPanner bool

	// StereoPanner enables the stereo pan plus gain strategy.
	StereoPanner bool

	// VolumeGain enables the volume-only strategy.
	VolumeGain bool

	// Analyser enables frequency analysis and voice-activity detection.
	Analyser bool
}

// AllCapabilities returns the full capability set, the starting point for
// every fresh audio runtime.
func AllCapabilities() Capabilities {
	return Capabilities{
		FullPanner:   true,
		StereoPanner: true,
		VolumeGain:   true,
		Analyser:     true,
	}
}

// Snapshot captures the minimal state needed to rebuild a spatializer in a
// recreated audio runtime.
type Snapshot struct {
	// ID is the participant identifier.
	ID string

	// TargetX, TargetY is the last known target position.
	TargetX float64
	TargetY float64

	// Source is the live audio source handle.
	Source graph.Source
}

// Destination models the local listener: it owns the global audio
// parameters, the listener position, the capability-selected construction
// strategy for spatializers, and the set of spatializers for all known
// sources.
//
// A Destination is created once per session. If the underlying audio
// runtime fails fatally, Recreate tears it down and rebuilds every
// spatializer from a snapshot, preserving conversational continuity.
type Destination struct {
	mu sync.RWMutex

	factory func() (graph.Context, error)
	ctx     graph.Context

	props AudioProperties
	pos   *position.Position
	caps  Capabilities

	spatializers map[string]*Spatializer

	fftSize int

	activityCb func(ActivityEvent)

	closed bool
}

// NewDestination creates the session listener. The factory builds the
// underlying audio context; it is retained so the runtime can be recreated
// after a fatal failure. A nil props selects DefaultAudioProperties.
func NewDestination(factory func() (graph.Context, error), props *AudioProperties) (*Destination, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewDestination",
	}).Info("Creating audio destination")

	if factory == nil {
		return nil, ErrNilContextFactory
	}

	p := DefaultAudioProperties()
	if props != nil {
		p = *props
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ctx, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio context: %w", err)
	}

	d := &Destination{
		factory:      factory,
		ctx:          ctx,
		props:        p,
		pos:          position.New(),
		caps:         AllCapabilities(),
		spatializers: make(map[string]*Spatializer),
		fftSize:      DefaultAnalyserFFTSize,
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewDestination",
		"min_distance":    p.MinDistance,
		"max_distance":    p.MaxDistance,
		"rolloff":         p.Rolloff,
		"transition_time": p.TransitionTime,
		"sample_rate":     ctx.SampleRate(),
	}).Info("Audio destination created successfully")

	return d, nil
}

// AudioTime returns the current audio clock in seconds.
func (d *Destination) AudioTime() float64 {
	return d.context().CurrentTime()
}

// Properties returns the current global audio parameters.
func (d *Destination) Properties() AudioProperties {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.props
}

// SetAudioProperties validates and stores new global parameters. Existing
// spatializers pick them up on their next Update without recreation. On
// validation failure the previous configuration is retained.
func (d *Destination) SetAudioProperties(props AudioProperties) error {
	if err := props.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "SetAudioProperties",
			"min_distance": props.MinDistance,
			"max_distance": props.MaxDistance,
			"rolloff":      props.Rolloff,
			"error":        err.Error(),
		}).Warn("Rejecting invalid audio properties")
		return err
	}

	d.mu.Lock()
	d.props = props
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "SetAudioProperties",
		"min_distance":    props.MinDistance,
		"max_distance":    props.MaxDistance,
		"rolloff":         props.Rolloff,
		"transition_time": props.TransitionTime,
	}).Info("Audio properties updated")

	return nil
}

// ListenerPosition returns the current sampled listener coordinate.
func (d *Destination) ListenerPosition() (x, y float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pos.X(), d.pos.Y()
}

// SetTarget moves the listener toward (x, y) over the transition time.
func (d *Destination) SetTarget(x, y float64) {
	now := d.AudioTime()

	d.mu.Lock()
	d.pos.SetTarget(x, y, now, d.props.TransitionTime)
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetTarget",
		"target_x": x,
		"target_y": y,
	}).Trace("Listener target updated")
}

// Capabilities returns the current capability flags.
func (d *Destination) Capabilities() Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

// OnActivity registers the callback receiving voice-activity change
// events from all spatializers. Pass nil to unregister.
func (d *Destination) OnActivity(cb func(ActivityEvent)) {
	d.mu.Lock()
	d.activityCb = cb
	d.mu.Unlock()
}

// emitActivity dispatches an activity event to the registered callback.
func (d *Destination) emitActivity(evt ActivityEvent) {
	d.mu.RLock()
	cb := d.activityCb
	d.mu.RUnlock()
	if cb != nil {
		cb(evt)
	}
}

// Err returns the fatal failure of the underlying audio context, or nil
// while it is usable.
func (d *Destination) Err() error {
	return d.context().Err()
}

// context returns the current audio context.
func (d *Destination) context() graph.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx
}

// CreateSpatializer builds a spatializer for the participant using the
// most capable strategy the runtime still supports, degrading through
// stereo and volume-only down to the silent fallback. A capability that
// fails its probe is disabled for the rest of the session.
func (d *Destination) CreateSpatializer(id string, src graph.Source) (*Spatializer, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDestinationClosed
	}
	if _, exists := d.spatializers[id]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, id)
	}
	ctx := d.ctx
	d.mu.Unlock()

	out, strategy := d.buildRenderer(ctx)

	s := &Spatializer{
		id:       id,
		dest:     d,
		src:      src,
		out:      out,
		strategy: strategy,
		pos:      position.New(),
		volume:   1,
	}

	if strategy != StrategySilent {
		d.attachAnalyser(s, ctx)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		s.Dispose()
		return nil, ErrDestinationClosed
	}
	d.spatializers[id] = s
	count := len(d.spatializers)
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":          "CreateSpatializer",
		"source_id":         id,
		"strategy":          strategy.String(),
		"voice_analysis":    s.analyser != nil,
		"spatializer_count": count,
	}).Info("Spatializer created")

	return s, nil
}

// buildRenderer walks the capability cascade and returns the first
// renderer the runtime supports. Probe failures permanently clear the
// corresponding capability flag for this session.
func (d *Destination) buildRenderer(ctx graph.Context) (renderer, Strategy) {
	if d.capability(func(c Capabilities) bool { return c.FullPanner }) {
		node, err := ctx.CreatePanner()
		if err == nil {
			props := d.Properties()
			node.SetRefDistance(props.MinDistance)
			node.SetMaxDistance(props.MaxDistance)
			node.SetRolloff(props.Rolloff)
			return &pannerRenderer{node: node}, StrategyFullPanner
		}
		d.downgrade("full-panner", err, func(c *Capabilities) { c.FullPanner = false })
	}

	if d.capability(func(c Capabilities) bool { return c.StereoPanner }) {
		pan, err := ctx.CreateStereoPanner()
		if err == nil {
			gain, gainErr := ctx.CreateGain()
			if gainErr == nil {
				return &stereoRenderer{pan: pan, gain: gain}, StrategyStereoPanner
			}
			pan.Disconnect()
			err = gainErr
		}
		d.downgrade("stereo-panner", err, func(c *Capabilities) { c.StereoPanner = false })
	}

	if d.capability(func(c Capabilities) bool { return c.VolumeGain }) {
		gain, err := ctx.CreateGain()
		if err == nil {
			return &volumeRenderer{gain: gain}, StrategyVolumeOnly
		}
		d.downgrade("volume-only", err, func(c *Capabilities) { c.VolumeGain = false })
	}

	return silentRenderer{}, StrategySilent
}

// attachAnalyser equips a spatializer with frequency analysis and a voice
// activity detector, unless the analyser capability has been lost.
func (d *Destination) attachAnalyser(s *Spatializer, ctx graph.Context) {
	if !d.capability(func(c Capabilities) bool { return c.Analyser }) {
		return
	}

	analyser, err := ctx.CreateAnalyser(d.fftSize)
	if err != nil {
		d.downgrade("analyser", err, func(c *Capabilities) { c.Analyser = false })
		return
	}

	s.analyser = analyser
	s.detector = vad.New(nil)
	s.spectrum = make([]float64, analyser.BinCount())
	s.lowBin, s.highBin = vad.BinRange(
		float64(ctx.SampleRate()), analyser.BinCount(),
		vad.VoiceBandLowHz, vad.VoiceBandHighHz,
	)
}

func (d *Destination) capability(get func(Capabilities) bool) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return get(d.caps)
}

// downgrade clears a capability flag for the rest of the session.
func (d *Destination) downgrade(name string, err error, clear func(*Capabilities)) {
	d.mu.Lock()
	clear(&d.caps)
	d.mu.Unlock()

	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	logrus.WithFields(logrus.Fields{
		"function":   "downgrade",
		"capability": name,
		"error":      reason,
	}).Warn("Audio capability unavailable, degrading for the rest of the session")
}

// Spatializer returns the spatializer for the participant, if any.
func (d *Destination) Spatializer(id string) (*Spatializer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.spatializers[id]
	return s, ok
}

// RemoveSpatializer disposes and forgets the participant's spatializer.
// Unknown identifiers are ignored.
func (d *Destination) RemoveSpatializer(id string) {
	d.mu.Lock()
	s, ok := d.spatializers[id]
	if ok {
		delete(d.spatializers, id)
	}
	d.mu.Unlock()

	if ok {
		s.Dispose()
		logrus.WithFields(logrus.Fields{
			"function":  "RemoveSpatializer",
			"source_id": id,
		}).Info("Spatializer removed")
	}
}

// Count returns the number of live spatializers.
func (d *Destination) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.spatializers)
}

// Update advances the listener interpolation and ticks every spatializer.
// Called once per engine tick on the audio-update thread; disposed
// spatializers are skipped.
func (d *Destination) Update() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	props := d.props
	now := ctx.CurrentTime()
	d.pos.Update(now)
	lx, ly := d.pos.X(), d.pos.Y()
	spatializers := make([]*Spatializer, 0, len(d.spatializers))
	for _, s := range d.spatializers {
		spatializers = append(spatializers, s)
	}
	d.mu.Unlock()

	ctx.SetListenerPosition(lx, 0, ly)

	for _, s := range spatializers {
		s.update(now, props, lx, ly, ctx)
	}
}

// Snapshot captures every live spatializer's participant ID, last known
// target position, and audio source handle.
func (d *Destination) Snapshot() []Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(d.spatializers))
	for id, s := range d.spatializers {
		tx, ty := s.Target()
		snaps = append(snaps, Snapshot{ID: id, TargetX: tx, TargetY: ty, Source: s.src})
	}
	return snaps
}

// Recreate tears down the failed audio runtime and rebuilds it: every
// spatializer is disposed, the context is recreated through the factory,
// and each spatializer is rebuilt from its snapshot with its last known
// target replayed. Capability flags reset with the fresh runtime, so the
// cascade is re-probed from the top.
func (d *Destination) Recreate() error {
	logrus.WithFields(logrus.Fields{
		"function": "Recreate",
	}).Warn("Recreating audio runtime")

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDestinationClosed
	}
	snaps := make([]Snapshot, 0, len(d.spatializers))
	old := make([]*Spatializer, 0, len(d.spatializers))
	for id, s := range d.spatializers {
		tx, ty := s.Target()
		snaps = append(snaps, Snapshot{ID: id, TargetX: tx, TargetY: ty, Source: s.src})
		old = append(old, s)
	}
	d.spatializers = make(map[string]*Spatializer)
	oldCtx := d.ctx
	listenerX, listenerY := d.pos.Target()
	d.mu.Unlock()

	for _, s := range old {
		s.Dispose()
	}
	_ = oldCtx.Close()

	ctx, err := d.factory()
	if err != nil {
		return fmt.Errorf("failed to recreate audio context: %w", err)
	}

	d.mu.Lock()
	d.ctx = ctx
	d.caps = AllCapabilities()
	d.pos = position.New()
	d.pos.SetTarget(listenerX, listenerY, ctx.CurrentTime(), 0)
	d.mu.Unlock()

	ctx.SetListenerPosition(listenerX, 0, listenerY)

	for _, snap := range snaps {
		s, err := d.CreateSpatializer(snap.ID, snap.Source)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Recreate",
				"source_id": snap.ID,
				"error":     err.Error(),
			}).Error("Failed to rebuild spatializer after recreation")
			continue
		}
		s.snapTo(snap.TargetX, snap.TargetY)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Recreate",
		"source_count": len(snaps),
	}).Info("Audio runtime recreated")

	return nil
}

// Close disposes every spatializer and closes the audio context.
// Idempotent.
func (d *Destination) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	spatializers := make([]*Spatializer, 0, len(d.spatializers))
	for _, s := range d.spatializers {
		spatializers = append(spatializers, s)
	}
	d.spatializers = make(map[string]*Spatializer)
	ctx := d.ctx
	d.mu.Unlock()

	for _, s := range spatializers {
		s.Dispose()
	}
	return ctx.Close()
}
