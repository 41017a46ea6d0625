// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"
	"k8s.io/utils/ptr"

	"github.com/inference-grid/powerqual/config"
	"github.com/inference-grid/powerqual/internal/exporter"
	"github.com/inference-grid/powerqual/internal/notify"
	"github.com/inference-grid/powerqual/internal/qualify"
	"github.com/inference-grid/powerqual/internal/segment"
	"github.com/inference-grid/powerqual/internal/spectral"
	"github.com/inference-grid/powerqual/internal/store"
	"github.com/inference-grid/powerqual/internal/telemetry"
	"github.com/inference-grid/powerqual/internal/tier"
)

func main() {
	app := kingpin.New("powerqual", "Power telemetry qualification engine for inference models.")
	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)

	analyzeCmd := app.Command("analyze", "Analyze a power capture and print run metrics, phases, and the tier decision.")
	analyzeFile := analyzeCmd.Arg("capture", "Path to capture JSON file").Required().ExistingFile()

	qualifyCmd := app.Command("qualify", "Run one full qualification over a capture against declared metrics.")
	qualifyFile := qualifyCmd.Arg("capture", "Path to capture JSON file").Required().ExistingFile()
	declaredAvg := qualifyCmd.Flag("declared.avg-power", "Declared average power (watts)").Required().Float64()
	declaredCV := qualifyCmd.Flag("declared.power-cv", "Declared power coefficient of variation").Required().Float64()
	declaredPeak := qualifyCmd.Flag("declared.peak-power", "Declared peak power (watts)").Float64()
	declaredJPT := qualifyCmd.Flag("declared.joules-per-token", "Declared energy per token (joules)").Float64()

	serveCmd := app.Command("serve", "Serve qualification metrics over HTTP.")

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig(*configFile, updateConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	logger.Debug("Configuration loaded", "config", cfg.String())

	switch cmd {
	case analyzeCmd.FullCommand():
		err = runAnalyze(cfg, logger, *analyzeFile)
	case qualifyCmd.FullCommand():
		declared := qualify.DeclaredMetrics{
			AvgPowerWatts: declaredAvg,
			PowerCV:       declaredCV,
		}
		if *declaredPeak != 0 {
			declared.PeakPowerWatts = declaredPeak
		}
		if *declaredJPT != 0 {
			declared.JoulesPerToken = declaredJPT
		}
		err = runQualify(cfg, logger, *qualifyFile, declared)
	case serveCmd.FullCommand():
		err = runServe(cfg, logger)
	}

	if err != nil {
		logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string, update config.ConfigUpdaterFn) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		cfg = loaded
	}
	if err := update(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply flags to config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func newVerifier(cfg *config.Config, logger *slog.Logger) *qualify.Verifier {
	seg := segment.New(segment.Thresholds{
		IdleWatts:     cfg.Segmenter.IdleWatts,
		RampRateWPerS: cfg.Segmenter.RampRateWPerS,
		FallRateWPerS: cfg.Segmenter.FallRateWPerS,
	}, segment.WithLogger(logger))

	rules := make([]tier.Rule, 0, len(cfg.Tiers))
	for _, r := range cfg.Tiers {
		rules = append(rules, tier.Rule{
			Tier:            tier.Tier(r.Tier),
			MaxCV:           r.MaxCV,
			MaxAvgWatts:     r.MaxAvgWatts,
			DiscountPercent: r.DiscountPercent,
		})
	}

	return qualify.NewVerifier(seg, tier.NewClassifier(rules...),
		qualify.WithMinSamples(cfg.Verify.MinSamples),
		qualify.WithTolerancePercent(cfg.Verify.TolerancePercent),
		qualify.WithTokensPerQuery(cfg.Verify.TokensPerQuery),
		qualify.WithSpectralConfig(spectral.Config{
			HFCutoffHz:   cfg.Spectral.HFCutoffHz,
			SampleRateHz: cfg.Spectral.SampleRateHz,
			MinSamples:   cfg.Spectral.MinSamples,
		}),
		qualify.WithVerifierLogger(logger),
	)
}

func newStore(cfg *config.Config) (qualify.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	default:
		return qualify.NewMemoryStore(), nil
	}
}

func newSink(cfg *config.Config, logger *slog.Logger) notify.Sink {
	if cfg.IsFeatureEnabled(config.KafkaFeature) {
		return notify.NewKafkaSink(cfg.Notify.Brokers, cfg.Notify.Topic, notify.WithKafkaLogger(logger))
	}
	return notify.NewSlogSink(logger)
}

func newService(cfg *config.Config, logger *slog.Logger, st qualify.Store) *qualify.Service {
	opts := []qualify.ServiceOptFn{
		qualify.WithSink(newSink(cfg, logger)),
		qualify.WithValidity(cfg.Verify.Validity),
		qualify.WithServiceLogger(logger),
	}
	if cfg.IsFeatureEnabled(config.RateLimitFeature) {
		opts = append(opts, qualify.WithRateLimiter(
			qualify.NewSubmissionLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)))
	}
	return qualify.NewService(st, newVerifier(cfg, logger), opts...)
}

func runAnalyze(cfg *config.Config, logger *slog.Logger, path string) error {
	capture, err := telemetry.ReadCaptureFile(path)
	if err != nil {
		return err
	}
	buf, err := capture.Buffer()
	if err != nil {
		return err
	}

	m, err := newVerifier(cfg, logger).Measure(context.Background(), buf, capture.TokensGenerated)
	if err != nil {
		return err
	}
	return exporter.NewStdoutExporter().ExportMeasurement(m)
}

func runQualify(cfg *config.Config, logger *slog.Logger, path string, declared qualify.DeclaredMetrics) error {
	capture, err := telemetry.ReadCaptureFile(path)
	if err != nil {
		return err
	}
	buf, err := capture.Buffer()
	if err != nil {
		return err
	}

	st, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		// ignored on purpose
		_ = st.Close()
	}()

	svc := newService(cfg, logger, st)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, capture.ModelID, declared, qualify.TestEnvironment{})
	if err != nil {
		return err
	}
	if _, err := svc.BeginVerification(ctx, rec.ID); err != nil {
		return err
	}
	rec, err = svc.CompleteVerification(ctx, rec.ID, buf, capture.TokensGenerated)
	if err != nil {
		return err
	}
	return exporter.NewStdoutExporter().ExportRecord(rec)
}

func runServe(cfg *config.Config, logger *slog.Logger) error {
	st, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		// ignored on purpose
		_ = st.Close()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(exporter.NewCollector(st, exporter.WithCollectorLogger(logger)))
	for _, dc := range cfg.Exporter.Prometheus.DebugCollectors {
		switch dc {
		case "go":
			registry.MustRegister(collectors.NewGoCollector())
		case "process":
			registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	var g run.Group
	{
		srv := &http.Server{Handler: mux}
		flags := &web.FlagConfig{
			WebListenAddresses: &cfg.Web.ListenAddresses,
			WebConfigFile:      &cfg.Web.Config,
			WebSystemdSocket:   ptr.To(false),
		}
		g.Add(func() error {
			logger.Info("Starting web server", "addresses", cfg.Web.ListenAddresses)
			return web.ListenAndServe(srv, flags, logger)
		}, func(error) {
			_ = srv.Close()
		})
	}
	{
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			<-ctx.Done()
			logger.Info("Shutting down")
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}
