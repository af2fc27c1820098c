package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "embedproxy"

var (
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Proxy requests by outcome code",
	}, []string{"outcome"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_fetch_duration_seconds",
		Help:      "Duration of outbound fetches",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target", "result"})

	PassActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_pass_actions_total",
		Help:      "Nodes removed, rewritten or injected per pipeline pass",
	}, []string{"pass", "action"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
