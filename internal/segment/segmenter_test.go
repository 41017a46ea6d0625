// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-grid/powerqual/internal/telemetry"
)

// syntheticRun is a full inference trace: two seconds of idle, a steep ramp,
// a prefill burst peaking at 260W, steady decode around 200W, and a fall back
// to idle.
func syntheticRun(t *testing.T) *telemetry.SampleBuffer {
	t.Helper()

	buf, err := telemetry.FromSeries(
		[]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		[]float64{10, 10, 12, 250, 260, 200, 198, 202, 200, 199, 201, 40, 10},
	)
	require.NoError(t, err)
	return buf
}

func TestSegmentFullRun(t *testing.T) {
	s := New(DefaultThresholds())

	windows, err := s.Segment(syntheticRun(t))
	require.NoError(t, err)

	phases := make([]Phase, 0, len(windows))
	for _, w := range windows {
		phases = append(phases, w.Phase)
	}
	assert.Equal(t, []Phase{PhaseIdle, PhaseRamp, PhasePrefill, PhaseDecode, PhaseFall, PhaseIdle}, phases)

	// Windows are contiguous and cover the buffer span exactly
	assert.Equal(t, 0.0, windows[0].Start)
	assert.Equal(t, 12.0, windows[len(windows)-1].End)
	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1].End, windows[i].Start, "window %d not contiguous", i)
	}

	ramp := windows[1]
	require.NotNil(t, ramp.RampRate)
	assert.InDelta(t, 238.0, *ramp.RampRate, 1e-9)

	prefill := windows[2]
	assert.Equal(t, 3.0, prefill.Start)
	assert.Equal(t, 5.0, prefill.End)
	assert.Equal(t, 260.0, prefill.PeakPower)

	decode := windows[3]
	assert.Equal(t, 5.0, decode.Start)
	assert.Equal(t, 10.0, decode.End)
	assert.InDelta(t, 200.0, decode.AvgPower, 1e-9)

	fall := windows[4]
	require.NotNil(t, fall.RampRate)
	assert.InDelta(t, -161.0, *fall.RampRate, 1e-9)
}

func TestSegmentSharedBoundarySamples(t *testing.T) {
	s := New(DefaultThresholds())

	windows, err := s.Segment(syntheticRun(t))
	require.NoError(t, err)

	// A sample on a phase boundary belongs to both adjoining windows
	for i := 1; i < len(windows); i++ {
		prev := windows[i-1].Samples()
		cur := windows[i].Samples()
		assert.Equal(t, prev[len(prev)-1], cur[0])
	}
}

func TestSegmentInsufficientSamples(t *testing.T) {
	s := New(DefaultThresholds())

	buf, err := telemetry.FromSeries([]float64{0, 1}, []float64{100, 100})
	require.NoError(t, err)

	_, err = s.Segment(buf)
	var ierr *InsufficientSamplesError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 2, ierr.Have)
	assert.Equal(t, 3, ierr.Want)
}

func TestSegmentCollapsesDuplicateTimestamps(t *testing.T) {
	s := New(DefaultThresholds())

	// Duplicate timestamps would make the derivative blow up; they are
	// collapsed keep-first before differentiating.
	buf, err := telemetry.FromSeries(
		[]float64{0, 1, 1, 2, 3, 4},
		[]float64{200, 201, 999, 199, 200, 201},
	)
	require.NoError(t, err)

	windows, err := s.Segment(buf)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, PhaseDecode, windows[0].Phase)
	assert.Less(t, windows[0].PeakPower, 210.0)
}

func TestSegmentFlatDecodeOnly(t *testing.T) {
	s := New(DefaultThresholds())

	buf, err := telemetry.FromSeries(
		[]float64{0, 1, 2, 3},
		[]float64{145, 146, 144, 145},
	)
	require.NoError(t, err)

	windows, err := s.Segment(buf)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, PhaseDecode, windows[0].Phase)
	assert.Nil(t, windows[0].RampRate)
}

func TestEnergyByPhase(t *testing.T) {
	s := New(DefaultThresholds())

	windows, err := s.Segment(syntheticRun(t))
	require.NoError(t, err)

	byPhase := EnergyByPhase(windows)
	var total float64
	for _, w := range windows {
		total += w.EnergyJoules
	}
	var summed float64
	for _, e := range byPhase {
		summed += e
	}
	assert.InDelta(t, total, summed, 1e-9)
	assert.Greater(t, byPhase[PhaseDecode], byPhase[PhaseIdle])
}

func TestDecodeSamples(t *testing.T) {
	s := New(DefaultThresholds())

	windows, err := s.Segment(syntheticRun(t))
	require.NoError(t, err)

	decode := DecodeSamples(windows)
	require.NotEmpty(t, decode)
	// Decode spans t=5..10 after the prefill split
	assert.Equal(t, 5.0, decode[0].Timestamp)
	assert.Equal(t, 10.0, decode[len(decode)-1].Timestamp)
}

func TestSegmentNoPrefillWithoutRamp(t *testing.T) {
	// Gradual rise below the ramp threshold never produces a prefill window
	s := New(DefaultThresholds())

	buf, err := telemetry.FromSeries(
		[]float64{0, 1, 2, 3, 4, 5},
		[]float64{100, 150, 190, 200, 201, 199},
	)
	require.NoError(t, err)

	windows, err := s.Segment(buf)
	require.NoError(t, err)
	for _, w := range windows {
		assert.NotEqual(t, PhasePrefill, w.Phase)
	}
}
