package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniformSpectrum builds a magnitude buffer with every bin at the given dB
// value.
func uniformSpectrum(bins int, db float64) []float64 {
	s := make([]float64, bins)
	for i := range s {
		s[i] = db
	}
	return s
}

// feed runs n analysis passes at a constant dB level and returns how many
// passes reported a state change.
func feed(t *testing.T, d *Detector, db float64, n int) int {
	t.Helper()
	spectrum := uniformSpectrum(32, db)
	changes := 0
	for i := 0; i < n; i++ {
		_, changed, err := d.Analyze(spectrum, 0, 31)
		require.NoError(t, err)
		if changed {
			changes++
		}
	}
	return changes
}

// TestActivationHysteresis verifies that a constant loud level flips the
// detector active exactly once, after the counter crosses the threshold.
func TestActivationHysteresis(t *testing.T) {
	d := New(nil)

	// -40 dB maps to level 0.7, above the activation level.
	changes := feed(t, d, -40, 6)
	assert.Equal(t, 1, changes, "active should flip exactly once")
	assert.True(t, d.Active())
	assert.Equal(t, 6, d.Counter())

	// Staying loud must not re-fire the change.
	changes = feed(t, d, -40, 100)
	assert.Zero(t, changes)
	assert.True(t, d.Active())
}

// TestDeactivationDecay verifies the slow decay path: a saturated counter
// needs many quiet ticks before the flag drops.
func TestDeactivationDecay(t *testing.T) {
	d := New(nil)
	feed(t, d, -40, 100)
	require.True(t, d.Active())
	require.Equal(t, DefaultCounterMax, d.Counter(), "counter must saturate at the max")

	// -80 dB maps to level 0.3, below the activation level. Decaying from
	// 60 down to the threshold of 5 takes 55 ticks.
	changes := feed(t, d, -80, 54)
	assert.Zero(t, changes, "still active while counter above threshold")
	assert.True(t, d.Active())

	changes = feed(t, d, -80, 1)
	assert.Equal(t, 1, changes, "active should flip off once counter reaches the threshold")
	assert.False(t, d.Active())
}

// TestCounterBounds verifies the counter saturates at [0, max] and never
// leaves the band.
func TestCounterBounds(t *testing.T) {
	d := New(nil)

	feed(t, d, -40, 200)
	assert.Equal(t, DefaultCounterMax, d.Counter())

	feed(t, d, -80, 200)
	assert.Equal(t, 0, d.Counter())
	assert.False(t, d.Active())
}

// TestLevelRemap verifies the dB remap around the activation boundary.
func TestLevelRemap(t *testing.T) {
	d := New(nil)

	activity, _, err := d.Analyze(uniformSpectrum(8, -60), 0, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, activity.Level, 1e-9, "-60 dB should land on the activation level")

	activity, _, err = d.Analyze(uniformSpectrum(8, -100), 0, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, activity.Level, 1e-9)
}

// TestAnalyzeBandRestriction verifies only the requested bins contribute to
// the mean.
func TestAnalyzeBandRestriction(t *testing.T) {
	d := New(nil)

	spectrum := uniformSpectrum(8, -100)
	spectrum[2] = -20
	spectrum[3] = -20

	activity, _, err := d.Analyze(spectrum, 2, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, activity.Level, 1e-9, "out-of-band bins must not dilute the mean")
}

// TestAnalyzeEmptyBand verifies the empty-band error.
func TestAnalyzeEmptyBand(t *testing.T) {
	d := New(nil)

	_, _, err := d.Analyze(nil, 0, 0)
	assert.ErrorIs(t, err, ErrEmptyBand)
}

// TestAnalyzeClampsRange verifies out-of-range bin bounds are clamped
// rather than rejected.
func TestAnalyzeClampsRange(t *testing.T) {
	d := New(nil)

	_, _, err := d.Analyze(uniformSpectrum(8, -40), -3, 100)
	assert.NoError(t, err)
}

// TestBinRange verifies voice-band bin selection for common analyser
// shapes.
func TestBinRange(t *testing.T) {
	// 48 kHz, 256 bins: 93.75 Hz per bin.
	low, high := BinRange(48000, 256, VoiceBandLowHz, VoiceBandHighHz)
	assert.Equal(t, 0, low)
	assert.Equal(t, 2, high)

	// Degenerate inputs collapse to a single bin.
	low, high = BinRange(8000, 4, 3000, 5000)
	assert.Equal(t, 3, low)
	assert.Equal(t, 3, high)

	low, high = BinRange(0, 0, VoiceBandLowHz, VoiceBandHighHz)
	assert.Equal(t, 0, low)
	assert.Equal(t, 0, high)
}

// TestReset verifies Reset returns the detector to the silent state.
func TestReset(t *testing.T) {
	d := New(nil)
	feed(t, d, -40, 20)
	require.True(t, d.Active())

	d.Reset()
	assert.False(t, d.Active())
	assert.Zero(t, d.Counter())
}
