package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		aiTokensIn,
		aiTokensOut,
		aiCallsLatencySeconds,
		aiFirstChunkSeconds,
	)
}

var (
	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatjobs_ai_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatjobs_ai_tokens_out",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiCallsLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatjobs_ai_stream_seconds",
			Help:    "Full provider stream duration.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "model", "success"},
	)

	aiFirstChunkSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatjobs_ai_first_chunk_seconds",
			Help:    "Time until the provider emitted its first chunk.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"provider", "model"},
	)
)

func ObserveChatUsage(provider, model string, tokensIn, tokensOut int, latency time.Duration, success bool) {
	lbl := []string{norm(provider), norm(model)}
	aiTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	aiTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	aiCallsLatencySeconds.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(latency.Seconds())
}

func ObserveFirstChunk(provider, model string, d time.Duration) {
	aiFirstChunkSeconds.WithLabelValues(norm(provider), norm(model)).Observe(d.Seconds())
}
