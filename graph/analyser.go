package graph

import (
	"math"
	"sync"
)

// Analyser FFT size bounds, matching the range commonly exposed by
// platform audio stacks.
const (
	MinFFTSize = 32
	MaxFFTSize = 32768
)

// noiseFloorDB is the magnitude reported for bins with no measurable
// energy.
const noiseFloorDB = -120.0

// softwareAnalyser taps the signal into a ring buffer and computes a dB
// magnitude spectrum over the most recent window on demand.
type softwareAnalyser struct {
	mu      sync.Mutex
	fftSize int
	ring    []float32
	pos     int
	filled  bool
	window  []float64
	detach  bool
}

func newSoftwareAnalyser(fftSize int) (*softwareAnalyser, error) {
	if fftSize < MinFFTSize || fftSize > MaxFFTSize || fftSize&(fftSize-1) != 0 {
		return nil, ErrInvalidFFTSize
	}

	// Hann window, computed once per analyser.
	window := make([]float64, fftSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}

	return &softwareAnalyser{
		fftSize: fftSize,
		ring:    make([]float32, fftSize),
		window:  window,
	}, nil
}

func (a *softwareAnalyser) BinCount() int { return a.fftSize / 2 }

func (a *softwareAnalyser) Disconnect() {
	a.mu.Lock()
	a.detach = true
	a.mu.Unlock()
}

func (a *softwareAnalyser) detached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detach
}

// apply taps the block into the ring buffer without altering the signal.
func (a *softwareAnalyser) apply(samples []float32, gainL, gainR float64) (float64, float64) {
	a.mu.Lock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos++
		if a.pos == len(a.ring) {
			a.pos = 0
			a.filled = true
		}
	}
	a.mu.Unlock()
	return gainL, gainR
}

// FloatFrequencyData fills dst with per-bin magnitudes in dB over the most
// recent window and returns the number of bins written. Before any signal
// has been tapped every bin sits at the noise floor.
func (a *softwareAnalyser) FloatFrequencyData(dst []float64) int {
	bins := a.BinCount()
	if len(dst) < bins {
		bins = len(dst)
	}
	if bins == 0 {
		return 0
	}

	a.mu.Lock()
	// Unroll the ring into time order, oldest sample first.
	re := make([]float64, a.fftSize)
	im := make([]float64, a.fftSize)
	start := a.pos
	if !a.filled {
		start = 0
	}
	for i := 0; i < a.fftSize; i++ {
		re[i] = float64(a.ring[(start+i)%a.fftSize]) * a.window[i]
	}
	a.mu.Unlock()

	fft(re, im)

	// Magnitude in dB, normalized so a full-scale sine lands near 0 dB.
	scale := 2.0 / float64(a.fftSize)
	for k := 0; k < bins; k++ {
		mag := math.Hypot(re[k], im[k]) * scale
		if mag <= 0 {
			dst[k] = noiseFloorDB
			continue
		}
		db := 20 * math.Log10(mag)
		if db < noiseFloorDB {
			db = noiseFloorDB
		}
		dst[k] = db
	}
	return bins
}

// fft computes an in-place radix-2 decimation-in-time FFT. len(re) must be
// a power of two and len(im) must match.
func fft(re, im []float64) {
	n := len(re)
	if n < 2 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wRe := math.Cos(angle)
		wIm := math.Sin(angle)
		for i := 0; i < n; i += length {
			curRe, curIm := 1.0, 0.0
			for j := 0; j < length/2; j++ {
				evenRe := re[i+j]
				evenIm := im[i+j]
				oddRe := re[i+j+length/2]*curRe - im[i+j+length/2]*curIm
				oddIm := re[i+j+length/2]*curIm + im[i+j+length/2]*curRe

				re[i+j] = evenRe + oddRe
				im[i+j] = evenIm + oddIm
				re[i+j+length/2] = evenRe - oddRe
				im[i+j+length/2] = evenIm - oddIm

				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}
