// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package exporter renders measurement results for humans (stdout tables)
// and machines (Prometheus metrics).
package exporter

import (
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/inference-grid/powerqual/internal/qualify"
	"github.com/inference-grid/powerqual/internal/segment"
)

// StdoutExporter writes measurement reports as plain-text tables.
type StdoutExporter struct {
	out io.Writer
}

// StdoutOptFn is a functional option for configuring a StdoutExporter.
type StdoutOptFn func(*StdoutExporter)

// WithWriter redirects output, for tests.
func WithWriter(w io.Writer) StdoutOptFn {
	return func(e *StdoutExporter) {
		e.out = w
	}
}

// NewStdoutExporter creates an exporter writing to standard output.
func NewStdoutExporter(opts ...StdoutOptFn) *StdoutExporter {
	e := &StdoutExporter{out: os.Stdout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportMeasurement renders one run: whole-run metrics, the phase timeline,
// and the tier decision.
func (e *StdoutExporter) ExportMeasurement(m *qualify.Measurement) error {
	fmt.Fprintln(e.out, "Run Metrics")
	metrics := tablewriter.NewWriter(e.out)
	metrics.Header("Metric", "Value")
	rows := [][]string{
		{"Avg Power (W)", fmt.Sprintf("%.2f", m.Metrics.AvgPowerWatts)},
		{"Peak Power (W)", fmt.Sprintf("%.2f", m.Metrics.PeakPowerWatts)},
		{"Power CV", fmt.Sprintf("%.4f", m.Metrics.PowerCV)},
		{"Total Energy (J)", fmt.Sprintf("%.2f", m.Metrics.TotalEnergyJoules)},
		{"Duration (s)", fmt.Sprintf("%.2f", m.Metrics.DurationSeconds)},
		{"Tokens Generated", fmt.Sprintf("%d", m.Metrics.TokensGenerated)},
		{"Joules / Token", fmt.Sprintf("%.4f", m.Metrics.JoulesPerToken)},
		{"Wh / 1k Queries", fmt.Sprintf("%.4f", m.Metrics.WhPer1kQueries)},
	}
	if m.Metrics.InsufficientResolution {
		rows = append(rows, []string{"Spectral", "insufficient resolution"})
	} else {
		rows = append(rows,
			[]string{"Dominant Freq (Hz)", fmt.Sprintf("%.3f", m.Metrics.DominantFrequencyHz)},
			[]string{"THD (%)", fmt.Sprintf("%.2f", m.Metrics.THDPercent)},
			[]string{"HF Noise RMS (W)", fmt.Sprintf("%.4f", m.Metrics.HFNoiseRMS)},
		)
	}
	for _, row := range rows {
		if err := metrics.Append(row[0], row[1]); err != nil {
			return err
		}
	}
	if err := metrics.Render(); err != nil {
		return err
	}

	fmt.Fprintln(e.out, "\nPhase Timeline")
	phases := tablewriter.NewWriter(e.out)
	phases.Header("Phase", "Start (s)", "End (s)", "Avg (W)", "Peak (W)", "CV", "Energy (J)")
	for _, w := range m.Windows {
		if err := phases.Append(
			string(w.Phase),
			fmt.Sprintf("%.2f", w.Start),
			fmt.Sprintf("%.2f", w.End),
			fmt.Sprintf("%.2f", w.AvgPower),
			fmt.Sprintf("%.2f", w.PeakPower),
			fmt.Sprintf("%.4f", w.CV),
			fmt.Sprintf("%.2f", w.EnergyJoules),
		); err != nil {
			return err
		}
	}
	if err := phases.Render(); err != nil {
		return err
	}

	byPhase := segment.EnergyByPhase(m.Windows)
	fmt.Fprintf(e.out, "\nPrefill energy: %.2f J, decode energy: %.2f J\n",
		byPhase[segment.PhasePrefill], byPhase[segment.PhaseDecode])

	fmt.Fprintf(e.out, "\nTier: %s (discount %.0f%%)\n%s\n",
		m.Decision.Tier, m.Decision.DiscountPercent, m.Decision.Reasoning)
	return nil
}

// ExportRecord renders a qualification record's outcome.
func (e *StdoutExporter) ExportRecord(rec *qualify.Record) error {
	t := tablewriter.NewWriter(e.out)
	t.Header("Field", "Value")
	rows := [][]string{
		{"Qualification ID", rec.ID},
		{"Model", rec.ModelID},
		{"Status", string(rec.Status)},
	}
	if rec.Tier != "" {
		rows = append(rows,
			[]string{"Tier", string(rec.Tier)},
			[]string{"Discount (%)", fmt.Sprintf("%.0f", rec.DiscountPercent)},
		)
	}
	if rec.WithinTolerance != nil {
		rows = append(rows, []string{"Within Tolerance", fmt.Sprintf("%t", *rec.WithinTolerance)})
	}
	for name, delta := range rec.Deltas {
		rows = append(rows, []string{"Δ " + name, fmt.Sprintf("%+.2f%%", delta)})
	}
	if rec.ValidUntil != nil {
		rows = append(rows, []string{"Valid Until", rec.ValidUntil.Format("2006-01-02")})
	}
	for _, row := range rows {
		if err := t.Append(row[0], row[1]); err != nil {
			return err
		}
	}
	if err := t.Render(); err != nil {
		return err
	}
	if rec.Reasoning != "" {
		fmt.Fprintln(e.out, rec.Reasoning)
	}
	return nil
}
