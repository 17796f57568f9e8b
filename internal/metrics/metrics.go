// Package metrics exposes pipeline counters and histograms for Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name
const Namespace = "snowpatch"

// Collector provides pipeline metrics collection. A nil *Collector is valid and records nothing.
type Collector struct {
	// Discovery metrics
	ScenesDiscoveredTotal *prometheus.CounterVec

	// Download metrics
	DownloadsTotal   *prometheus.CounterVec
	DownloadDuration prometheus.Histogram
	DownloadSizeMB   prometheus.Histogram

	// Classification metrics
	MasksTotal             *prometheus.CounterVec
	ClassificationDuration prometheus.Histogram
	LastSnowPct            *prometheus.GaugeVec

	// Provider API metrics
	ProviderRequestsTotal *prometheus.CounterVec

	// Archive metrics
	ArchiveUploadsTotal *prometheus.CounterVec

	// Reporting server metrics
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewCollector registers the pipeline metrics with reg. A nil reg uses the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		ScenesDiscoveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "scenes_discovered_total",
				Help:      "Catalog scenes seen during discovery by AOI and result (created, skipped)",
			},
			[]string{"aoi", "result"},
		),

		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "downloads_total",
				Help:      "Scene downloads by outcome (success, failed, skipped)",
			},
			[]string{"outcome"},
		),

		DownloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "download_duration_seconds",
				Help:      "Time spent fetching and writing one scene",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		DownloadSizeMB: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "download_size_megabytes",
				Help:      "Size of written scene rasters in MB",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 50},
			},
		),

		MasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "snow_masks_total",
				Help:      "Snow classifications by outcome (success, failed)",
			},
			[]string{"outcome"},
		),

		ClassificationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "classification_duration_seconds",
				Help:      "Time spent classifying one scene",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
			},
		),

		LastSnowPct: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_snow_percent",
				Help:      "Snow cover percentage of the most recently processed scene per AOI",
			},
			[]string{"aoi"},
		),

		ProviderRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "provider_requests_total",
				Help:      "Imagery provider HTTP requests by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),

		ArchiveUploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "archive_uploads_total",
				Help:      "Mask uploads to object storage by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Reporting API requests by route and status",
			},
			[]string{"route", "status"},
		),
	}
}

// RecordDiscovery counts created and skipped scenes for an AOI
func (c *Collector) RecordDiscovery(aoi string, created, skipped int) {
	if c == nil {
		return
	}
	c.ScenesDiscoveredTotal.WithLabelValues(aoi, "created").Add(float64(created))
	c.ScenesDiscoveredTotal.WithLabelValues(aoi, "skipped").Add(float64(skipped))
}

// RecordDownload counts one download attempt. Duration and size are observed only for real downloads.
func (c *Collector) RecordDownload(outcome string, elapsed time.Duration, sizeMB float64) {
	if c == nil {
		return
	}
	c.DownloadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		c.DownloadDuration.Observe(elapsed.Seconds())
		c.DownloadSizeMB.Observe(sizeMB)
	}
}

// RecordMask counts one classification attempt
func (c *Collector) RecordMask(aoi, outcome string, elapsed time.Duration, snowPct float64) {
	if c == nil {
		return
	}
	c.MasksTotal.WithLabelValues(outcome).Inc()
	c.ClassificationDuration.Observe(elapsed.Seconds())
	if outcome == "success" {
		c.LastSnowPct.WithLabelValues(aoi).Set(snowPct)
	}
}

// RecordProviderRequest counts one provider API response. A status of 0 means a transport error.
func (c *Collector) RecordProviderRequest(endpoint string, status int) {
	if c == nil {
		return
	}
	c.ProviderRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// RecordArchiveUpload counts one mask upload
func (c *Collector) RecordArchiveUpload(outcome string) {
	if c == nil {
		return
	}
	c.ArchiveUploadsTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest counts one reporting API request
func (c *Collector) RecordHTTPRequest(route string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
