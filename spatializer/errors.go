package spatializer

import "errors"

// Sentinel errors for spatializer package operations. These enable
// reliable error classification using errors.Is().

// Configuration errors.
var (
	// ErrInvalidDistance indicates minDistance/maxDistance violate the
	// invariant minDistance <= maxDistance and maxDistance > 0.
	ErrInvalidDistance = errors.New("invalid distance configuration")

	// ErrInvalidRolloff indicates a negative rolloff factor.
	ErrInvalidRolloff = errors.New("rolloff cannot be negative")

	// ErrInvalidTransitionTime indicates a negative transition time.
	ErrInvalidTransitionTime = errors.New("transition time cannot be negative")
)

// Construction errors.
var (
	// ErrNilContextFactory indicates the destination was created
	// without an audio context factory.
	ErrNilContextFactory = errors.New("context factory cannot be nil")

	// ErrDuplicateSource indicates a spatializer already exists for the
	// participant identifier.
	ErrDuplicateSource = errors.New("spatializer already exists for source")

	// ErrDestinationClosed indicates the destination has been closed.
	ErrDestinationClosed = errors.New("destination is closed")
)
