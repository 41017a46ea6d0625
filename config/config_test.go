// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 50.0, cfg.Segmenter.IdleWatts)
	assert.Equal(t, 100.0, cfg.Segmenter.RampRateWPerS)
	assert.Equal(t, -100.0, cfg.Segmenter.FallRateWPerS)
	assert.Equal(t, 20, cfg.Verify.MinSamples)
	assert.Equal(t, 10.0, cfg.Verify.TolerancePercent)
	assert.Equal(t, 365*24*time.Hour, cfg.Verify.Validity)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "log", cfg.Notify.Sink)
	assert.Empty(t, cfg.Tiers)
	assert.False(t, cfg.IsFeatureEnabled(StdoutFeature))
	assert.True(t, cfg.IsFeatureEnabled(PrometheusFeature))
}

func TestLoadOverridesDefaults(t *testing.T) {
	yamlData := `
log:
  level: debug
segmenter:
  idleWatts: 30
verify:
  minSamples: 40
  tolerancePercent: 5
store:
  backend: sqlite
  path: /tmp/records.db
tiers:
  - tier: tier_1_efficient
    maxCV: 0.08
    maxAvgWatts: 120
    discountPercent: 25
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30.0, cfg.Segmenter.IdleWatts)
	assert.Equal(t, 40, cfg.Verify.MinSamples)
	assert.Equal(t, 5.0, cfg.Verify.TolerancePercent)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	require.Len(t, cfg.Tiers, 1)
	assert.Equal(t, 25.0, cfg.Tiers[0].DiscountPercent)

	// Unset fields keep their defaults
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 100.0, cfg.Segmenter.RampRateWPerS)
	assert.Equal(t, 365*24*time.Hour, cfg.Verify.Validity)
}

func TestLoadInvalidConfig(t *testing.T) {
	tt := []struct {
		name string
		yaml string
	}{
		{"bad log level", "log:\n  level: verbose"},
		{"bad store backend", "store:\n  backend: postgres"},
		{"kafka without brokers", "notify:\n  sink: kafka"},
		{"bad listen address", "web:\n  listenAddresses: [\"not-an-address\"]"},
		{"bad tier rule", "tiers:\n  - tier: t1\n    maxCV: -1\n    maxAvgWatts: 100"},
		{"not yaml", "{{{"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestRegisterFlagsOverridesConfig(t *testing.T) {
	app := kingpin.New("test", "")
	updater := RegisterFlags(app)

	_, err := app.Parse([]string{
		"--log.level=debug",
		"--verify.min-samples=50",
		"--store.backend=sqlite",
		"--store.path=/tmp/flags.db",
		"--ratelimit.enable",
		"--exporter.stdout",
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Log.Level = "warn" // pretend this came from the config file
	require.NoError(t, updater(cfg))

	// Explicitly set flags win over file settings
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Verify.MinSamples)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.True(t, cfg.IsFeatureEnabled(RateLimitFeature))
	assert.True(t, cfg.IsFeatureEnabled(StdoutFeature))
}

func TestRegisterFlagsKeepsFileSettings(t *testing.T) {
	app := kingpin.New("test", "")
	updater := RegisterFlags(app)

	_, err := app.Parse([]string{"--log.level=debug"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Verify.MinSamples = 99
	cfg.Segmenter.IdleWatts = 33
	require.NoError(t, updater(cfg))

	// Flags that were not passed leave file settings alone
	assert.Equal(t, 99, cfg.Verify.MinSamples)
	assert.Equal(t, 33.0, cfg.Segmenter.IdleWatts)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestRegisterFlagsValidates(t *testing.T) {
	app := kingpin.New("test", "")
	updater := RegisterFlags(app)

	_, err := app.Parse([]string{"--segmenter.ramp-rate=-5"})
	require.NoError(t, err)

	err = updater(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ramp rate")
}

func TestValidate(t *testing.T) {
	tt := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative idle", func(c *Config) { c.Segmenter.IdleWatts = -1 }, "idle threshold"},
		{"positive fall rate", func(c *Config) { c.Segmenter.FallRateWPerS = 10 }, "fall rate"},
		{"zero hf cutoff", func(c *Config) { c.Spectral.HFCutoffHz = 0 }, "HF cutoff"},
		{"zero min samples", func(c *Config) { c.Verify.MinSamples = 0 }, "sample floor"},
		{"zero tolerance", func(c *Config) { c.Verify.TolerancePercent = 0 }, "tolerance"},
		{"zero validity", func(c *Config) { c.Verify.Validity = 0 }, "validity"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "" }, "store.path"},
		{"ratelimit zero limit", func(c *Config) { c.RateLimit.Enabled = ptr.To(true); c.RateLimit.Limit = 0 }, "rate limit"},
		{"discount out of range", func(c *Config) {
			c.Tiers = []TierRule{{Tier: "t1", MaxCV: 0.1, MaxAvgWatts: 100, DiscountPercent: 150}}
		}, "discount"},
		{"no listen address", func(c *Config) { c.Web.ListenAddresses = nil }, "listen address"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()

	assert.Contains(t, s, "log:")
	assert.Contains(t, s, "segmenter:")
	assert.Contains(t, s, "verify:")
	assert.Contains(t, s, "store:")
}
