// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"k8s.io/utils/ptr"
)

// Feature represents an optional capability toggled by configuration
type Feature string

const (
	// PrometheusFeature represents the Prometheus exporter feature
	PrometheusFeature Feature = "prometheus"

	// StdoutFeature represents the stdout exporter feature
	StdoutFeature Feature = "stdout"

	// KafkaFeature represents the Kafka event sink feature
	KafkaFeature Feature = "kafka"

	// RateLimitFeature represents the in-process submission rate limiter
	RateLimitFeature Feature = "ratelimit"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Segmenter holds the derivative thresholds for phase detection
	Segmenter struct {
		IdleWatts     float64 `yaml:"idleWatts"`     // Below this power a sample is idle
		RampRateWPerS float64 `yaml:"rampRateWPerS"` // dP/dt above this is a ramp
		FallRateWPerS float64 `yaml:"fallRateWPerS"` // dP/dt below this is a fall
	}

	// Spectral holds the decode-phase frequency analysis settings
	Spectral struct {
		HFCutoffHz   float64 `yaml:"hfCutoffHz"`   // Lower bound of the high-frequency noise band
		SampleRateHz float64 `yaml:"sampleRateHz"` // 0 derives the rate from the samples
		MinSamples   int     `yaml:"minSamples"`   // Resolution floor; below it analysis degrades
	}

	// TierRule is one row of the pricing ladder, evaluated in order
	TierRule struct {
		Tier            string  `yaml:"tier"`
		MaxCV           float64 `yaml:"maxCV"`
		MaxAvgWatts     float64 `yaml:"maxAvgWatts"`
		DiscountPercent float64 `yaml:"discountPercent"`
	}

	// Verify holds the verification policy
	Verify struct {
		MinSamples       int           `yaml:"minSamples"`       // Re-measurement sample floor
		TolerancePercent float64       `yaml:"tolerancePercent"` // Declared-vs-measured delta bound
		Validity         time.Duration `yaml:"validity"`         // Grant lifetime
		TokensPerQuery   int           `yaml:"tokensPerQuery"`   // Query size for Wh/1k-queries
	}

	// Store selects and configures the record store backend
	Store struct {
		Backend string `yaml:"backend"` // "memory" or "sqlite"
		Path    string `yaml:"path"`    // sqlite database path
	}

	// RateLimit configures the in-process submission limiter
	RateLimit struct {
		Enabled *bool         `yaml:"enabled"`
		Limit   int           `yaml:"limit"`
		Window  time.Duration `yaml:"window"`
	}

	// Notify configures the qualification event sink
	Notify struct {
		Sink    string   `yaml:"sink"` // "log" or "kafka"
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled *bool `yaml:"enabled"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Config struct {
		Log       Log        `yaml:"log"`
		Segmenter Segmenter  `yaml:"segmenter"`
		Spectral  Spectral   `yaml:"spectral"`
		Tiers     []TierRule `yaml:"tiers"`
		Verify    Verify     `yaml:"verify"`
		Store     Store      `yaml:"store"`
		RateLimit RateLimit  `yaml:"rateLimit"`
		Notify    Notify     `yaml:"notify"`
		Exporter  Exporter   `yaml:"exporter"`
		Web       Web        `yaml:"web"`
	}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	SegmenterIdleWattsFlag = "segmenter.idle-watts"
	SegmenterRampRateFlag  = "segmenter.ramp-rate"
	SegmenterFallRateFlag  = "segmenter.fall-rate"

	SpectralHFCutoffFlag   = "spectral.hf-cutoff"
	SpectralSampleRateFlag = "spectral.sample-rate"

	VerifyMinSamplesFlag = "verify.min-samples"
	VerifyToleranceFlag  = "verify.tolerance"
	VerifyValidityFlag   = "verify.validity"

	// NOTE: not a flag; the ladder is structured and file-only
	TierRules = "tiers"

	StoreBackendFlag = "store.backend"
	StorePathFlag    = "store.path"

	RateLimitEnabledFlag = "ratelimit.enable"
	RateLimitLimitFlag   = "ratelimit.limit"
	RateLimitWindowFlag  = "ratelimit.window"

	NotifySinkFlag    = "notify.sink"
	NotifyBrokersFlag = "notify.brokers"
	NotifyTopicFlag   = "notify.topic"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Segmenter: Segmenter{
			IdleWatts:     50.0,
			RampRateWPerS: 100.0,
			FallRateWPerS: -100.0,
		},
		Spectral: Spectral{
			HFCutoffHz: 10.0,
			MinSamples: 8,
		},
		// Empty Tiers means the built-in ladder
		Verify: Verify{
			MinSamples:       20,
			TolerancePercent: 10.0,
			Validity:         365 * 24 * time.Hour,
			TokensPerQuery:   100,
		},
		Store: Store{
			Backend: "memory",
			Path:    "/var/lib/powerqual/records.db",
		},
		RateLimit: RateLimit{
			Enabled: ptr.To(false),
			Limit:   10,
			Window:  24 * time.Hour,
		},
		Notify: Notify{
			Sink:  "log",
			Topic: "qualification-events",
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(false),
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
			},
		},
		Web: Web{
			ListenAddresses: []string{":28284"},
		},
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	loaded := &Config{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// File settings override defaults; unset fields keep their default values
	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	var errRet error
	defer func() {
		err = file.Close()
		if err != nil && errRet == nil {
			errRet = err
		}
	}()

	cfg, errRet := Load(file)

	return cfg, errRet
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	// segmenter
	idleWatts := app.Flag(SegmenterIdleWattsFlag, "Power below which a sample is idle (watts)").Default("50").Float64()
	rampRate := app.Flag(SegmenterRampRateFlag, "Power derivative above which a sample is a ramp (W/s)").Default("100").Float64()
	fallRate := app.Flag(SegmenterFallRateFlag, "Power derivative below which a sample is a fall (W/s)").Default("-100").Float64()

	// spectral
	hfCutoff := app.Flag(SpectralHFCutoffFlag, "Lower bound of the high-frequency noise band (Hz)").Default("10").Float64()
	sampleRate := app.Flag(SpectralSampleRateFlag, "Forced resampling rate (Hz); 0 derives it from the samples").Default("0").Float64()

	// verification policy
	minSamples := app.Flag(VerifyMinSamplesFlag, "Minimum samples required for verification").Default("20").Int()
	tolerance := app.Flag(VerifyToleranceFlag, "Declared-vs-measured delta tolerance (percent)").Default("10").Float64()
	validity := app.Flag(VerifyValidityFlag, "Qualification grant lifetime").Default("8760h").Duration()

	// store
	storeBackend := app.Flag(StoreBackendFlag, "Record store backend (memory or sqlite)").Default("memory").Enum("memory", "sqlite")
	storePath := app.Flag(StorePathFlag, "SQLite database path").Default("/var/lib/powerqual/records.db").String()

	// rate limit
	rateLimitEnabled := app.Flag(RateLimitEnabledFlag, "Enable in-process submission rate limiting").Default("false").Bool()
	rateLimitLimit := app.Flag(RateLimitLimitFlag, "Submissions allowed per caller per window").Default("10").Int()
	rateLimitWindow := app.Flag(RateLimitWindowFlag, "Trailing window for submission rate limiting").Default("24h").Duration()

	// notify
	notifySink := app.Flag(NotifySinkFlag, "Qualification event sink (log or kafka)").Default("log").Enum("log", "kafka")
	notifyBrokers := app.Flag(NotifyBrokersFlag, "Kafka broker addresses").Strings()
	notifyTopic := app.Flag(NotifyTopicFlag, "Kafka topic for qualification events").Default("qualification-events").String()

	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28284").Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		// segmenter settings
		if flagsSet[SegmenterIdleWattsFlag] {
			cfg.Segmenter.IdleWatts = *idleWatts
		}
		if flagsSet[SegmenterRampRateFlag] {
			cfg.Segmenter.RampRateWPerS = *rampRate
		}
		if flagsSet[SegmenterFallRateFlag] {
			cfg.Segmenter.FallRateWPerS = *fallRate
		}

		// spectral settings
		if flagsSet[SpectralHFCutoffFlag] {
			cfg.Spectral.HFCutoffHz = *hfCutoff
		}
		if flagsSet[SpectralSampleRateFlag] {
			cfg.Spectral.SampleRateHz = *sampleRate
		}

		// verification policy
		if flagsSet[VerifyMinSamplesFlag] {
			cfg.Verify.MinSamples = *minSamples
		}
		if flagsSet[VerifyToleranceFlag] {
			cfg.Verify.TolerancePercent = *tolerance
		}
		if flagsSet[VerifyValidityFlag] {
			cfg.Verify.Validity = *validity
		}

		// store settings
		if flagsSet[StoreBackendFlag] {
			cfg.Store.Backend = *storeBackend
		}
		if flagsSet[StorePathFlag] {
			cfg.Store.Path = *storePath
		}

		// rate limit settings
		if flagsSet[RateLimitEnabledFlag] {
			cfg.RateLimit.Enabled = rateLimitEnabled
		}
		if flagsSet[RateLimitLimitFlag] {
			cfg.RateLimit.Limit = *rateLimitLimit
		}
		if flagsSet[RateLimitWindowFlag] {
			cfg.RateLimit.Window = *rateLimitWindow
		}

		// notify settings
		if flagsSet[NotifySinkFlag] {
			cfg.Notify.Sink = *notifySink
		}
		if flagsSet[NotifyBrokersFlag] {
			cfg.Notify.Brokers = *notifyBrokers
		}
		if flagsSet[NotifyTopicFlag] {
			cfg.Notify.Topic = *notifyTopic
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

// IsFeatureEnabled returns true if the specified feature is enabled
func (c *Config) IsFeatureEnabled(feature Feature) bool {
	switch feature {
	case PrometheusFeature:
		return ptr.Deref(c.Exporter.Prometheus.Enabled, false)
	case StdoutFeature:
		return ptr.Deref(c.Exporter.Stdout.Enabled, false)
	case KafkaFeature:
		return c.Notify.Sink == "kafka"
	case RateLimitFeature:
		return ptr.Deref(c.RateLimit.Enabled, false)
	default:
		return false
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Store.Backend = strings.TrimSpace(c.Store.Backend)
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	c.Notify.Sink = strings.TrimSpace(c.Notify.Sink)
	c.Notify.Topic = strings.TrimSpace(c.Notify.Topic)
	c.Web.Config = strings.TrimSpace(c.Web.Config)

	for i := range c.Notify.Brokers {
		c.Notify.Brokers[i] = strings.TrimSpace(c.Notify.Brokers[i])
	}
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
	for i := range c.Tiers {
		c.Tiers[i].Tier = strings.TrimSpace(c.Tiers[i].Tier)
	}
}

// Validate checks for configuration errors
func (c *Config) Validate() error {
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // segmenter thresholds
		if c.Segmenter.IdleWatts < 0 {
			errs = append(errs, fmt.Sprintf("invalid idle threshold: %.1fW can't be negative", c.Segmenter.IdleWatts))
		}
		if c.Segmenter.RampRateWPerS <= 0 {
			errs = append(errs, fmt.Sprintf("invalid ramp rate threshold: %.1f W/s must be positive", c.Segmenter.RampRateWPerS))
		}
		if c.Segmenter.FallRateWPerS >= 0 {
			errs = append(errs, fmt.Sprintf("invalid fall rate threshold: %.1f W/s must be negative", c.Segmenter.FallRateWPerS))
		}
	}
	{ // spectral
		if c.Spectral.HFCutoffHz <= 0 {
			errs = append(errs, fmt.Sprintf("invalid HF cutoff: %.1fHz must be positive", c.Spectral.HFCutoffHz))
		}
		if c.Spectral.SampleRateHz < 0 {
			errs = append(errs, fmt.Sprintf("invalid sample rate: %.1fHz can't be negative", c.Spectral.SampleRateHz))
		}
	}
	{ // tier ladder
		for i, r := range c.Tiers {
			if r.Tier == "" {
				errs = append(errs, fmt.Sprintf("tier rule %d: tier name must not be empty", i))
			}
			if r.MaxCV <= 0 {
				errs = append(errs, fmt.Sprintf("tier rule %d: maxCV must be positive", i))
			}
			if r.MaxAvgWatts <= 0 {
				errs = append(errs, fmt.Sprintf("tier rule %d: maxAvgWatts must be positive", i))
			}
			if r.DiscountPercent < 0 || r.DiscountPercent > 100 {
				errs = append(errs, fmt.Sprintf("tier rule %d: discount %.1f%% out of range", i, r.DiscountPercent))
			}
		}
	}
	{ // verification policy
		if c.Verify.MinSamples < 1 {
			errs = append(errs, fmt.Sprintf("invalid verification sample floor: %d must be at least 1", c.Verify.MinSamples))
		}
		if c.Verify.TolerancePercent <= 0 {
			errs = append(errs, fmt.Sprintf("invalid tolerance: %.1f%% must be positive", c.Verify.TolerancePercent))
		}
		if c.Verify.Validity <= 0 {
			errs = append(errs, fmt.Sprintf("invalid validity: %s must be positive", c.Verify.Validity))
		}
	}
	{ // store
		switch c.Store.Backend {
		case "memory":
		case "sqlite":
			if c.Store.Path == "" {
				errs = append(errs, fmt.Sprintf("%s not supplied but %s set to sqlite", StorePathFlag, StoreBackendFlag))
			}
		default:
			errs = append(errs, fmt.Sprintf("invalid store backend %q: must be 'memory' or 'sqlite'", c.Store.Backend))
		}
	}
	{ // rate limit
		if ptr.Deref(c.RateLimit.Enabled, false) {
			if c.RateLimit.Limit < 1 {
				errs = append(errs, fmt.Sprintf("invalid rate limit: %d must be at least 1", c.RateLimit.Limit))
			}
			if c.RateLimit.Window <= 0 {
				errs = append(errs, fmt.Sprintf("invalid rate limit window: %s must be positive", c.RateLimit.Window))
			}
		}
	}
	{ // notify
		switch c.Notify.Sink {
		case "log":
		case "kafka":
			if len(c.Notify.Brokers) == 0 {
				errs = append(errs, fmt.Sprintf("%s not supplied but %s set to kafka", NotifyBrokersFlag, NotifySinkFlag))
			}
			if c.Notify.Topic == "" {
				errs = append(errs, fmt.Sprintf("%s not supplied but %s set to kafka", NotifyTopicFlag, NotifySinkFlag))
			}
		default:
			errs = append(errs, fmt.Sprintf("invalid notify sink %q: must be 'log' or 'kafka'", c.Notify.Sink))
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	if err != nil {
		return err
	}

	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	// Use Go's standard library to parse host:port
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	// Validate port (host can be empty for listening on all interfaces)
	if err := validatePort(port); err != nil {
		return err
	}

	return nil
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE: this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{SegmenterIdleWattsFlag, fmt.Sprintf("%v", c.Segmenter.IdleWatts)},
		{SegmenterRampRateFlag, fmt.Sprintf("%v", c.Segmenter.RampRateWPerS)},
		{SegmenterFallRateFlag, fmt.Sprintf("%v", c.Segmenter.FallRateWPerS)},
		{SpectralHFCutoffFlag, fmt.Sprintf("%v", c.Spectral.HFCutoffHz)},
		{VerifyMinSamplesFlag, fmt.Sprintf("%d", c.Verify.MinSamples)},
		{VerifyToleranceFlag, fmt.Sprintf("%v", c.Verify.TolerancePercent)},
		{VerifyValidityFlag, c.Verify.Validity.String()},
		{StoreBackendFlag, c.Store.Backend},
		{StorePathFlag, c.Store.Path},
		{NotifySinkFlag, c.Notify.Sink},
		{NotifyTopicFlag, c.Notify.Topic},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", c.Exporter.Stdout.Enabled)},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", c.Exporter.Prometheus.Enabled)},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
