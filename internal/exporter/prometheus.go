// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inference-grid/powerqual/internal/qualify"
)

const namespace = "powerqual"

// Collector exposes the record store's state as Prometheus metrics. Metrics
// are computed at scrape time; the store stays the single source of truth.
type Collector struct {
	store  qualify.Store
	logger *slog.Logger

	recordsDesc  *prometheus.Desc
	discountDesc *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// CollectorOptFn is a functional option for configuring a Collector.
type CollectorOptFn func(*Collector)

// WithCollectorLogger sets the logger.
func WithCollectorLogger(logger *slog.Logger) CollectorOptFn {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector creates a collector over the record store.
func NewCollector(store qualify.Store, opts ...CollectorOptFn) *Collector {
	c := &Collector{
		store:  store,
		logger: slog.Default(),
		recordsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "qualification_records"),
			"Number of qualification records by status.",
			[]string{"status"}, nil,
		),
		discountDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_discount_percent"),
			"Active pricing discount per qualified model.",
			[]string{"model_id", "tier"}, nil,
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "prom-collector")
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recordsDesc
	ch <- c.discountDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	recs, _, err := c.store.List(qualify.ListFilter{})
	if err != nil {
		c.logger.Error("Failed to list records for scrape", "error", err)
		return
	}

	byStatus := map[qualify.Status]int{}
	type grant struct {
		tier     string
		discount float64
	}
	active := map[string]grant{}

	for _, rec := range recs {
		byStatus[rec.Status]++
		if rec.Status == qualify.StatusQualified {
			// List is newest first; keep the newest grant per model.
			if _, seen := active[rec.ModelID]; !seen {
				active[rec.ModelID] = grant{tier: string(rec.Tier), discount: rec.DiscountPercent}
			}
		}
	}

	for _, status := range []qualify.Status{
		qualify.StatusPending, qualify.StatusInProgress, qualify.StatusQualified,
		qualify.StatusNotQualified, qualify.StatusExpired,
	} {
		ch <- prometheus.MustNewConstMetric(
			c.recordsDesc, prometheus.GaugeValue,
			float64(byStatus[status]), string(status),
		)
	}

	for modelID, g := range active {
		ch <- prometheus.MustNewConstMetric(
			c.discountDesc, prometheus.GaugeValue,
			g.discount, modelID, g.tier,
		)
	}
}
