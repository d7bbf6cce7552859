// Package metrics exposes prometheus collectors for the synchronizer, the
// query gateway and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "question_search"

var (
	syncMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_messages_total",
			Help:      "Lifecycle messages handled by the index synchronizer, by final state and reason",
		},
		[]string{"state", "reason"},
	)

	syncRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_retries_total",
			Help:      "Index mutations retried after a transient failure",
		},
	)

	syncApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_apply_duration_seconds",
			Help:      "Duration of a single index mutation attempt",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Search query duration against the index",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"status", "tag_filter"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(syncMessagesTotal)
	prometheus.MustRegister(syncRetriesTotal)
	prometheus.MustRegister(syncApplyDuration)
	prometheus.MustRegister(queryDuration)
	prometheus.MustRegister(httpRequestsTotal)
}

// ObserveMessage counts a message that reached a final state
func ObserveMessage(state, reason string) {
	syncMessagesTotal.WithLabelValues(state, reason).Inc()
}

// ObserveRetry counts one retried mutation
func ObserveRetry() {
	syncRetriesTotal.Inc()
}

// ObserveApply records the duration of one mutation attempt
func ObserveApply(eventType string, d time.Duration) {
	syncApplyDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

// ObserveQuery records a search against the index
func ObserveQuery(err error, tagFilter bool, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	queryDuration.WithLabelValues(status, strconv.FormatBool(tagFilter)).Observe(d.Seconds())
}

// Middleware counts HTTP requests by route pattern
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
