// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package spectral computes the power spectral density of the steady-decode
// power signal and derives the noise figures used for qualification context.
// Spectral results are advisory: a window too short to resolve comes back
// flagged, never as an error.
package spectral

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/interp"

	"github.com/inference-grid/powerqual/internal/telemetry"
)

// DefaultHFCutoffHz bounds the high-frequency noise band.
const DefaultHFCutoffHz = 10.0

// MinSamples is the smallest decode window the analyzer will resolve.
const MinSamples = 8

// Config controls the analysis. Zero values fall back to defaults.
type Config struct {
	// HFCutoffHz is the lower bound of the high-frequency noise band.
	HFCutoffHz float64
	// SampleRateHz forces a resampling rate. 0 derives the rate from the
	// median inter-sample interval of the input.
	SampleRateHz float64
	// MinSamples overrides the resolution floor. 0 keeps MinSamples.
	MinSamples int
}

func (c Config) withDefaults() Config {
	if c.HFCutoffHz <= 0 {
		c.HFCutoffHz = DefaultHFCutoffHz
	}
	if c.MinSamples <= 0 {
		c.MinSamples = MinSamples
	}
	return c
}

// Result holds the spectral figures for one decode window.
type Result struct {
	DominantFrequencyHz float64 `json:"dominant_frequency_hz"`
	THDPercent          float64 `json:"thd_percent"`
	HFNoiseRMS          float64 `json:"hf_noise_rms"`
	SampleRateHz        float64 `json:"sample_rate_hz"`

	// InsufficientResolution marks a degraded result from a window shorter
	// than the resolution floor. The numeric fields are zero in that case.
	InsufficientResolution bool `json:"insufficient_resolution,omitempty"`
}

// Analyze computes the PSD of the mean-subtracted decode signal and extracts
// the dominant frequency, total harmonic distortion, and high-frequency noise
// RMS. Irregularly spaced input is linearly resampled to a uniform rate first.
func Analyze(samples []telemetry.PowerSample, cfg Config) Result {
	cfg = cfg.withDefaults()

	samples = dedupe(samples)
	if len(samples) < cfg.MinSamples {
		return Result{InsufficientResolution: true}
	}

	rate := cfg.SampleRateHz
	if rate <= 0 {
		rate = 1 / medianInterval(samples)
	}

	signal, ok := resample(samples, rate)
	if !ok || len(signal) < cfg.MinSamples {
		return Result{InsufficientResolution: true}
	}

	// Mean-subtract so the DC bin does not dominate the spectrum.
	mean := 0.0
	for _, v := range signal {
		mean += v
	}
	mean /= float64(len(signal))
	for i := range signal {
		signal[i] -= mean
	}

	n := len(signal)
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, signal)

	psd := make([]float64, len(coeffs))
	for i, c := range coeffs {
		psd[i] = binWeight(i, n) * math.Pow(cmplx.Abs(c), 2)
	}

	res := Result{SampleRateHz: rate}

	// Dominant frequency: the max-PSD bin, DC excluded.
	dom := 1
	for i := 2; i < len(psd); i++ {
		if psd[i] > psd[dom] {
			dom = i
		}
	}
	res.DominantFrequencyHz = fft.Freq(dom) * rate

	// THD: summed harmonic power over fundamental power, as a percentage.
	// The ratio is preserved as-is and may legitimately exceed 100%.
	if psd[dom] > 0 {
		var harmonics float64
		for k := 2 * dom; k < len(psd); k += dom {
			harmonics += psd[k]
		}
		res.THDPercent = harmonics / psd[dom] * 100
	}

	// HF noise RMS over the bins above the cutoff, Parseval-consistent with
	// the time-domain RMS of the band-limited signal.
	var hfPower float64
	for i := 1; i < len(psd); i++ {
		if fft.Freq(i)*rate > cfg.HFCutoffHz {
			hfPower += psd[i]
		}
	}
	res.HFNoiseRMS = math.Sqrt(hfPower) / float64(n)

	return res
}

// binWeight doubles interior bins of the one-sided spectrum so that the
// half-spectrum power sum matches the full spectrum. DC and Nyquist occur
// once.
func binWeight(i, n int) float64 {
	if i == 0 || (n%2 == 0 && i == n/2) {
		return 1
	}
	return 2
}

func dedupe(samples []telemetry.PowerSample) []telemetry.PowerSample {
	if len(samples) < 2 {
		return samples
	}
	out := samples[:0:0]
	out = append(out, samples[0])
	for _, s := range samples[1:] {
		if s.Timestamp == out[len(out)-1].Timestamp {
			continue
		}
		out = append(out, s)
	}
	return out
}

func medianInterval(samples []telemetry.PowerSample) float64 {
	intervals := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		intervals = append(intervals, samples[i].Timestamp-samples[i-1].Timestamp)
	}
	sort.Float64s(intervals)
	return intervals[len(intervals)/2]
}

// resample linearly interpolates the signal onto a uniform grid spanning the
// window at the given rate.
func resample(samples []telemetry.PowerSample, rate float64) ([]float64, bool) {
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Timestamp
		ys[i] = s.Watts
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, false
	}

	span := xs[len(xs)-1] - xs[0]
	if span <= 0 || rate <= 0 || math.IsInf(rate, 0) {
		return nil, false
	}

	n := int(span*rate) + 1
	out := make([]float64, n)
	step := 1 / rate
	for i := range out {
		x := xs[0] + float64(i)*step
		if x > xs[len(xs)-1] {
			x = xs[len(xs)-1]
		}
		out[i] = pl.Predict(x)
	}
	return out, true
}
