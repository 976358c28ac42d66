// Package metrics exposes Prometheus instrumentation for analysis runs and
// the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// Run outcomes.
const (
	OutcomeSuccess         = "success"
	OutcomeDerivationError = "derivation_error"
	OutcomeSourceError     = "source_error"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdss_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdss_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Analysis metrics
	analysisRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdss_analysis_runs_total",
			Help: "Total number of analysis runs by outcome",
		},
		[]string{"outcome"},
	)

	alertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdss_alerts_total",
			Help: "Total number of alerts raised by severity",
		},
		[]string{"severity"},
	)

	ruleIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdss_rule_issues_total",
			Help: "Total number of per-rule diagnostics by kind",
		},
		[]string{"kind"},
	)

	evaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdss_evaluation_duration_seconds",
			Help:    "Time spent deriving facts and aggregating alerts",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	catalogCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdss_catalog_cache_lookups_total",
			Help: "Parsed rule catalog cache lookups by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRun counts an analysis run and, on success, its alerts and issues.
func RecordRun(outcome string, result *domain.AnalysisResult, duration time.Duration) {
	analysisRuns.WithLabelValues(outcome).Inc()
	if result == nil {
		return
	}
	evaluationDuration.Observe(duration.Seconds())
	for sev, n := range result.Stats.BySeverity {
		if n > 0 {
			alertsRaised.WithLabelValues(string(sev)).Add(float64(n))
		}
	}
	for _, issue := range result.Issues {
		ruleIssues.WithLabelValues(string(issue.Kind)).Inc()
	}
}

// RecordCatalogLookup counts a parsed-catalog cache hit or miss.
func RecordCatalogLookup(hit bool) {
	if hit {
		catalogCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	catalogCacheLookups.WithLabelValues("miss").Inc()
}

// GinMiddleware records request counts and latency by route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
