// Package position provides time-interpolated 2D coordinates for the
// spatialcore positional audio engine.
//
// A Position tracks a current value and a single pending interpolation
// window toward a target. Callers sample it with Update using the audio
// clock (seconds): between the window's start and end times the value is a
// linear blend, outside the window it is pinned to the start or target
// coordinate. Setting a new target overwrites any in-progress window; there
// is no queue of pending targets.
package position

// Position is a 2D coordinate on the horizontal plane with linear
// time-based interpolation toward a target. The vertical axis is not
// modeled; the engine is a top-down positional audio model.
//
// Position is not safe for concurrent use. The engine mutates and samples
// it only on the single logical audio-update thread.
type Position struct {
	// Current sampled value.
	x, y float64

	// Interpolation window state.
	startX, startY   float64
	targetX, targetY float64
	startTime        float64
	endTime          float64
}

// New creates a Position at the origin with no pending interpolation.
func New() *Position {
	return &Position{}
}

// X returns the current sampled x coordinate.
func (p *Position) X() float64 { return p.x }

// Y returns the current sampled y coordinate.
func (p *Position) Y() float64 { return p.y }

// Target returns the coordinate the position is moving toward. Before any
// SetTarget call this is the origin.
func (p *Position) Target() (x, y float64) {
	return p.targetX, p.targetY
}

// SetTarget records the current sampled value as the interpolation start
// and begins a new window toward (x, y) lasting duration seconds from now.
// A duration of zero (or less) snaps the position immediately to the
// target.
func (p *Position) SetTarget(x, y, now, duration float64) {
	p.startX = p.x
	p.startY = p.y
	p.targetX = x
	p.targetY = y
	p.startTime = now
	p.endTime = now + duration

	if duration <= 0 {
		// Snap immediately; Update's projection fraction would divide by
		// the window length otherwise.
		p.x = x
		p.y = y
		p.startX = x
		p.startY = y
		p.endTime = now
	}
}

// Update samples the position at the given audio clock time. Calls at or
// after the window end pin the value to the target until the next
// SetTarget; calls at or before the window start return the pre-transition
// coordinate.
func (p *Position) Update(now float64) {
	switch {
	case now <= p.startTime:
		p.x = p.startX
		p.y = p.startY
	case now >= p.endTime:
		p.x = p.targetX
		p.y = p.targetY
	default:
		f := (now - p.startTime) / (p.endTime - p.startTime)
		p.x = p.startX + (p.targetX-p.startX)*f
		p.y = p.startY + (p.targetY-p.startY)*f
	}
}
