// Package vad implements frequency-domain voice activity detection for the
// spatialcore positional audio engine.
//
// The detector consumes a frequency-magnitude buffer (one dB value per
// analysis bin, Web-Audio getFloatFrequencyData semantics) and smooths the
// mean energy over the voice fundamental band into a boolean "is speaking"
// signal with hysteresis. The hysteresis band is intentionally asymmetric:
// activation needs only a few ticks above threshold, while deactivation
// from a saturated counter needs many ticks of decay, which keeps the
// signal stable across natural pauses in speech.
package vad

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Voice fundamental band analyzed by the detector. Typical adult speech
// fundamentals fall between these bounds.
const (
	VoiceBandLowHz  = 85.0
	VoiceBandHighHz = 255.0
)

// Default hysteresis tuning. The level remap constants are a tuning choice
// (typical silence lands below the activation level and typical speech
// above it); the debounce behavior around them is load-bearing.
const (
	DefaultActivationLevel = 0.5
	DefaultCounterMax      = 60
	DefaultActiveThreshold = 5
)

// ErrEmptyBand indicates the requested bin range contains no bins.
var ErrEmptyBand = errors.New("analysis band contains no bins")

// Config holds the detector tuning parameters.
type Config struct {
	// ActivationLevel is the normalized level at or above which the
	// hysteresis counter increments.
	ActivationLevel float64

	// CounterMax is the saturation bound of the hysteresis counter.
	CounterMax int

	// ActiveThreshold is the counter value above which the detector
	// reports activity.
	ActiveThreshold int
}

// DefaultConfig returns the standard detector tuning.
func DefaultConfig() *Config {
	return &Config{
		ActivationLevel: DefaultActivationLevel,
		CounterMax:      DefaultCounterMax,
		ActiveThreshold: DefaultActiveThreshold,
	}
}

// Activity is an immutable snapshot of the detector state after one
// analysis pass. A fresh value is produced per pass; values are never
// mutated after being handed to callers.
type Activity struct {
	// Active reports whether the detector currently considers the source
	// to be speaking.
	Active bool

	// Level is the normalized energy level of this pass.
	Level float64
}

// Detector smooths a frequency-band energy measurement into a debounced
// speaking signal.
//
// Detector is not safe for concurrent use; the engine runs it only on the
// audio-update tick.
type Detector struct {
	config  Config
	counter int
	active  bool
}

// New creates a detector with the given tuning. A nil config selects
// DefaultConfig.
func New(config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}

	logrus.WithFields(logrus.Fields{
		"function":         "New",
		"activation_level": config.ActivationLevel,
		"counter_max":      config.CounterMax,
		"active_threshold": config.ActiveThreshold,
	}).Debug("Creating voice activity detector")

	return &Detector{config: *config}
}

// BinRange returns the inclusive analysis bin range covering [lowHz,
// highHz] for a magnitude buffer of binCount bins spanning 0..sampleRate/2.
// The range always contains at least one bin.
func BinRange(sampleRate float64, binCount int, lowHz, highHz float64) (low, high int) {
	if binCount <= 0 || sampleRate <= 0 {
		return 0, 0
	}

	hzPerBin := (sampleRate / 2) / float64(binCount)
	low = int(lowHz / hzPerBin)
	high = int(highHz / hzPerBin)

	if low >= binCount {
		low = binCount - 1
	}
	if high >= binCount {
		high = binCount - 1
	}
	if high < low {
		high = low
	}
	return low, high
}

// Analyze runs one detection pass over the magnitude buffer, restricted to
// the inclusive bin range [lowBin, highBin]. It returns the resulting
// activity snapshot and whether the active flag flipped relative to the
// previous pass.
//
// Magnitudes are expected in dB (negative for quiet signals). The mean dB
// over the band is remapped so that typical silence lands below the
// activation level and typical speech above it.
func (d *Detector) Analyze(magnitudes []float64, lowBin, highBin int) (Activity, bool, error) {
	if lowBin < 0 {
		lowBin = 0
	}
	if highBin >= len(magnitudes) {
		highBin = len(magnitudes) - 1
	}
	if len(magnitudes) == 0 || highBin < lowBin {
		return Activity{}, false, ErrEmptyBand
	}

	var sum float64
	for i := lowBin; i <= highBin; i++ {
		sum += magnitudes[i]
	}
	raw := sum / float64(highBin-lowBin+1)

	// Affine remap from dB to a normalized level. -60 dB maps onto the
	// activation level itself.
	level := 1.1 + raw/100

	if level >= d.config.ActivationLevel {
		if d.counter < d.config.CounterMax {
			d.counter++
		}
	} else if d.counter > 0 {
		d.counter--
	}

	wasActive := d.active
	d.active = d.counter > d.config.ActiveThreshold

	changed := d.active != wasActive
	if changed {
		logrus.WithFields(logrus.Fields{
			"function": "Analyze",
			"active":   d.active,
			"level":    level,
			"counter":  d.counter,
		}).Debug("Voice activity state changed")
	}

	return Activity{Active: d.active, Level: level}, changed, nil
}

// Active returns the current debounced speaking state.
func (d *Detector) Active() bool { return d.active }

// Counter returns the current hysteresis counter value. Exposed for
// monitoring and tests.
func (d *Detector) Counter() int { return d.counter }

// Reset clears the detector back to the silent state.
func (d *Detector) Reset() {
	d.counter = 0
	d.active = false
}
