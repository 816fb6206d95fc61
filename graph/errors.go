package graph

import "errors"

// Sentinel errors for graph operations. These enable reliable error
// classification with errors.Is across backend implementations.

// Capability errors.
var (
	// ErrNotSupported indicates the backend lacks the requested node
	// capability. Treated as permanent for the session.
	ErrNotSupported = errors.New("audio capability not supported")

	// ErrInvalidFFTSize indicates the analyser FFT size is not a power
	// of two or is out of range.
	ErrInvalidFFTSize = errors.New("invalid analyser FFT size")
)

// Capture errors.
var (
	// ErrSourceNotActive indicates the media source has not started
	// streaming yet. Transient; retry on a later tick.
	ErrSourceNotActive = errors.New("media source not active yet")

	// ErrNilSource indicates Capture was called without a source.
	ErrNilSource = errors.New("media source cannot be nil")

	// ErrForeignNode indicates a node from another backend was attached
	// to a software stream.
	ErrForeignNode = errors.New("node not created by this context")
)

// Lifecycle errors.
var (
	// ErrContextClosed indicates the context has been closed or has
	// failed fatally and must be recreated.
	ErrContextClosed = errors.New("audio context closed")
)
