package graph

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAnalyserValidatesFFTSize(t *testing.T) {
	ctx, err := NewSoftwareContext(nil)
	require.NoError(t, err)

	for _, size := range []int{0, 31, 100, MaxFFTSize * 2, -256} {
		_, err := ctx.CreateAnalyser(size)
		assert.ErrorIs(t, err, ErrInvalidFFTSize, "size %d", size)
	}

	analyser, err := ctx.CreateAnalyser(512)
	require.NoError(t, err)
	assert.Equal(t, 256, analyser.BinCount())
}

func TestAnalyserSilenceAtNoiseFloor(t *testing.T) {
	ctx, err := NewSoftwareContext(nil)
	require.NoError(t, err)

	analyser, err := ctx.CreateAnalyser(256)
	require.NoError(t, err)

	spectrum := make([]float64, analyser.BinCount())
	n := analyser.FloatFrequencyData(spectrum)
	require.Equal(t, analyser.BinCount(), n)

	for i, db := range spectrum {
		assert.Equal(t, noiseFloorDB, db, "bin %d should sit at the noise floor", i)
	}
}

func TestAnalyserDetectsTone(t *testing.T) {
	const (
		rate    = 48000
		fftSize = 512
	)

	ctx, err := NewSoftwareContext(&SoftwareConfig{SampleRate: rate})
	require.NoError(t, err)

	analyser, err := ctx.CreateAnalyser(fftSize)
	require.NoError(t, err)

	// Pick a frequency that lands exactly on an FFT bin.
	bin := 8
	freq := float64(bin) * float64(rate) / float64(fftSize)

	stream, err := ctx.Capture(sineSource(rate, freq, 0.8))
	require.NoError(t, err)
	require.NoError(t, stream.Attach(analyser))

	// Render enough frames to fill the analysis window.
	_, err = ctx.Render(fftSize * 2)
	require.NoError(t, err)

	spectrum := make([]float64, analyser.BinCount())
	analyser.FloatFrequencyData(spectrum)

	peak := 0
	for i, db := range spectrum {
		if db > spectrum[peak] {
			peak = i
		}
	}
	assert.Equal(t, bin, peak, "spectral peak should land on the tone bin")
	assert.Greater(t, spectrum[bin], -20.0, "tone bin should be well above the floor")

	// A bin far from the tone stays quiet.
	assert.Less(t, spectrum[bin+40], spectrum[bin]-30)
}

func TestFFTRoundTripEnergy(t *testing.T) {
	// Parseval check on a known signal keeps the transform honest.
	n := 64
	re := make([]float64, n)
	im := make([]float64, n)
	var timeEnergy float64
	for i := range re {
		re[i] = math.Sin(2 * math.Pi * 4 * float64(i) / float64(n))
		timeEnergy += re[i] * re[i]
	}

	fft(re, im)

	var freqEnergy float64
	for i := range re {
		freqEnergy += re[i]*re[i] + im[i]*im[i]
	}
	freqEnergy /= float64(n)

	assert.InDelta(t, timeEnergy, freqEnergy, 1e-6)
}
