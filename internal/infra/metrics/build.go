package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(buildInfo)
}

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "chatjobs_build_info",
		Help: "A constant metric with labels for version and process mode.",
	},
	[]string{"version", "mode"},
)

func SetBuildInfo(version, mode string) {
	buildInfo.WithLabelValues(version, norm(mode)).Set(1)
}
