package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(liveEventsTotal, liveChannels, httpRequestsTotal) }

var (
	liveEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatjobs_live_events_total",
			Help: "Execution events seen by the delivery bridge, by type and outcome.",
		},
		[]string{"type", "outcome"}, // outcome: forwarded, no_channel, send_failed
	)

	liveChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatjobs_live_channels",
		Help: "Live channels currently registered with this process.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatjobs_http_requests_total",
			Help: "HTTP requests by route and status code class.",
		},
		[]string{"route", "code"},
	)
)

func IncLiveEvent(eventType, outcome string) {
	liveEventsTotal.WithLabelValues(norm(eventType), norm(outcome)).Inc()
}

func SetLiveChannels(n int) { liveChannels.Set(float64(n)) }

func IncHTTPRequest(route, code string) { httpRequestsTotal.WithLabelValues(route, code).Inc() }
