// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Capture is the on-disk form of a completed sampling session. The hardware
// collaborator writes one capture per run; the engine only ever reads them.
type Capture struct {
	ModelID            string        `json:"model_id"`
	RunID              string        `json:"run_id,omitempty"`
	TokensGenerated    int           `json:"tokens_generated"`
	PrefillSampleCount int           `json:"prefill_sample_count,omitempty"`
	Samples            []PowerSample `json:"samples"`
}

// Buffer validates the capture's samples and returns them as a SampleBuffer.
func (c *Capture) Buffer() (*SampleBuffer, error) {
	buf := NewSampleBuffer(len(c.Samples))
	for _, s := range c.Samples {
		if err := buf.Append(s); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ReadCapture decodes a capture from r.
func ReadCapture(r io.Reader) (*Capture, error) {
	var c Capture
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode capture: %w", err)
	}

	if c.ModelID == "" {
		return nil, &ValidationError{Field: "model_id", Condition: "must not be empty"}
	}
	if len(c.Samples) == 0 {
		return nil, &ValidationError{Field: "samples", Condition: "capture contains no samples"}
	}

	return &c, nil
}

// ReadCaptureFile reads a capture from the named file.
func ReadCaptureFile(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	return ReadCapture(f)
}

// WriteCapture encodes the capture to w.
func WriteCapture(w io.Writer, c *Capture) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode capture: %w", err)
	}
	return nil
}
