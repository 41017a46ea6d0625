// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestEventJSONShape(t *testing.T) {
	discount := 20.0
	ev := Event{
		EventType:          "qualification.completed",
		QualificationID:    "q1",
		ModelID:            "llama-7b-int8",
		NewStatus:          "qualified",
		Tier:               "tier_1_efficient",
		DiscountPercentage: &discount,
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event_type": "qualification.completed",
		"qualification_id": "q1",
		"model_id": "llama-7b-int8",
		"new_status": "qualified",
		"tier": "tier_1_efficient",
		"discount_percentage": 20
	}`, string(data))
}

func TestEventJSONOmitsPricingWhenAbsent(t *testing.T) {
	ev := Event{
		EventType:       "qualification.expired",
		QualificationID: "q1",
		ModelID:         "llama-7b-int8",
		NewStatus:       "expired",
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "tier")
	assert.NotContains(t, string(data), "discount_percentage")
}

func TestSlogSinkPublish(t *testing.T) {
	sink := NewSlogSink(slog.Default())

	err := sink.Publish(context.Background(), Event{
		EventType:          "qualification.completed",
		QualificationID:    "q1",
		ModelID:            "llama-7b-int8",
		NewStatus:          "qualified",
		Tier:               "tier_1_efficient",
		DiscountPercentage: ptr.To(20.0),
	})
	assert.NoError(t, err)
}
