// Package loudness converts one PCM packet into a single activity score.
//
// Two estimators are provided: time-domain RMS energy and frequency-domain
// spectral entropy. Both are stateless and safe for concurrent use; the
// segmentation engine only depends on the Estimator interface.
package loudness

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrMisalignedPacket is returned for packets that are not a whole number of
// 16-bit samples.
var ErrMisalignedPacket = errors.New("loudness: packet length is not a multiple of the sample size")

// SilenceEntropy is returned by SpectralEntropy for packets with no spectral
// power at all, where entropy is undefined.
const SilenceEntropy = 0.0

// Estimator computes a finite, non-negative loudness value for one packet of
// 16-bit signed little-endian PCM.
type Estimator interface {
	Loudness(packet []byte) (float64, error)
}

// Kind names an estimator in configuration
type Kind string

const (
	// KindRMS selects RMS energy
	KindRMS Kind = "rms"
	// KindEntropy selects spectral entropy
	KindEntropy Kind = "entropy"
)

// IsValid reports whether k names a known estimator
func (k Kind) IsValid() bool {
	return k == KindRMS || k == KindEntropy
}

// New returns the estimator for kind
func New(kind Kind) (Estimator, error) {
	switch kind {
	case KindRMS:
		return RMS{}, nil
	case KindEntropy:
		return SpectralEntropy{}, nil
	default:
		return nil, fmt.Errorf("loudness: unknown estimator %q (valid: rms, entropy)", kind)
	}
}

// Name returns the configuration name of an estimator, or "custom"
func Name(e Estimator) string {
	switch e.(type) {
	case RMS, *RMS:
		return string(KindRMS)
	case SpectralEntropy, *SpectralEntropy:
		return string(KindEntropy)
	default:
		return "custom"
	}
}

// DecodeSamples converts 16-bit little-endian PCM to floats in [-1, 1)
func DecodeSamples(packet []byte) ([]float64, error) {
	if len(packet)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisalignedPacket, len(packet))
	}
	samples := make([]float64, len(packet)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(packet[2*i:]))
		samples[i] = float64(v) / 32768
	}
	return samples, nil
}

// RMS is the root-mean-square amplitude of the normalised samples, in [0, 1].
type RMS struct{}

// Loudness implements Estimator
func (RMS) Loudness(packet []byte) (float64, error) {
	samples, err := DecodeSamples(packet)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples))), nil
}

// SpectralEntropy is the Shannon entropy (natural log) of the normalised
// power spectrum. Broadband sound such as speech or noise scores high,
// tonal sound and near-silence score low.
type SpectralEntropy struct{}

// Loudness implements Estimator
func (SpectralEntropy) Loudness(packet []byte) (float64, error) {
	samples, err := DecodeSamples(packet)
	if err != nil {
		return 0, err
	}
	return Entropy(PowerSpectrum(samples)), nil
}

// PowerSpectrum returns |X[k]|² for the first half of the real FFT of
// samples (bins 0 to n/2-1). The input is not modified.
func PowerSpectrum(samples []float64) []float64 {
	n := len(samples)
	if n < 2 {
		return nil
	}

	in := make([]float64, n)
	copy(in, samples)

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, in)

	half := n / 2
	power := make([]float64, half)
	for k := 0; k < half; k++ {
		re, im := real(coeffs[k]), imag(coeffs[k])
		power[k] = re*re + im*im
	}
	return power
}

// Entropy normalises power into a distribution and returns -Σ p·ln(p).
// An all-zero spectrum returns SilenceEntropy.
func Entropy(power []float64) float64 {
	var total float64
	for _, p := range power {
		total += p
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return SilenceEntropy
	}

	var h float64
	for _, p := range power {
		if p <= 0 {
			continue
		}
		q := p / total
		h -= q * math.Log(q)
	}
	if h < 0 {
		// Rounding can leave a tiny negative value for a single-bin spectrum
		return 0
	}
	return h
}
