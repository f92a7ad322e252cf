package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jesteria/omnispective/internal/queue"
)

const namespace = "omnispective"

type Metrics struct {
	registry *prometheus.Registry

	CapturesTotal        *prometheus.CounterVec
	ParseFailuresTotal   *prometheus.CounterVec
	ArchiveErrorsTotal   prometheus.Counter
	AlertsSentTotal      prometheus.Counter
	AlertErrorsTotal     prometheus.Counter
	CleanupRunsTotal     prometheus.Counter
	CleanupRequestsTotal prometheus.Counter
	CleanupObjectsTotal  prometheus.Counter
	RateLimitedTotal     prometheus.Counter
	QueueJobsTotal       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		CapturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Accepted captures by resource.",
		}, []string{"resource"}),
		ParseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Raw payloads that did not parse cleanly, by resource.",
		}, []string{"resource"}),
		ArchiveErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Raw payload archive failures.",
		}),
		AlertsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Response alerts delivered to the webhook.",
		}),
		AlertErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_errors_total",
			Help:      "Response alert deliveries that failed.",
		}),
		CleanupRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Retention cleanup runs executed.",
		}),
		CleanupRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_requests_total",
			Help:      "Client requests deleted by retention cleanup.",
		}),
		CleanupObjectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_archive_objects_total",
			Help:      "Archived payload objects deleted by retention cleanup.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected due to rate limiting.",
		}),
		QueueJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Capture queue jobs processed, by outcome.",
		}, []string{"outcome"}),
	}
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CapturesTotal,
		m.ParseFailuresTotal,
		m.ArchiveErrorsTotal,
		m.AlertsSentTotal,
		m.AlertErrorsTotal,
		m.CleanupRunsTotal,
		m.CleanupRequestsTotal,
		m.CleanupObjectsTotal,
		m.RateLimitedTotal,
		m.QueueJobsTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegisterQueueStats exposes capture queue depths, read from provider on
// every scrape.
func (m *Metrics) RegisterQueueStats(provider queue.StatsProvider) {
	m.registry.MustRegister(newQueueCollector(provider))
}

type queueCollector struct {
	provider    queue.StatsProvider
	streamDepth *prometheus.Desc
	pending     *prometheus.Desc
	failedDepth *prometheus.Desc
	scrapeError *prometheus.Desc
}

func newQueueCollector(provider queue.StatsProvider) *queueCollector {
	return &queueCollector{
		provider: provider,
		streamDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "stream_depth"),
			"Capture stream entries retained in Redis.", nil, nil,
		),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "pending"),
			"Capture stream entries delivered but not acknowledged.", nil, nil,
		),
		failedDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "failed_depth"),
			"Capture dead-letter list depth.", nil, nil,
		),
		scrapeError: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "scrape_error"),
			"1 when queue stats could not be read on the last scrape.", nil, nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamDepth
	ch <- c.pending
	ch <- c.failedDepth
	ch <- c.scrapeError
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	stats, err := c.provider.QueueStats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 0)
	ch <- prometheus.MustNewConstMetric(c.streamDepth, prometheus.GaugeValue, float64(stats.StreamDepth))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(stats.Pending))
	ch <- prometheus.MustNewConstMetric(c.failedDepth, prometheus.GaugeValue, float64(stats.FailedDepth))
}
