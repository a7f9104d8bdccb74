package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// buildInfo is a constant 1 gauge labelled with version/commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "insightdash_build_info",
			Help: "insightdash build information.",
		},
		[]string{"version", "commit"},
	)

	readiness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "insightdash_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// SetBuildInfo publishes build_info{version, commit} 1.
func SetBuildInfo(version, commit string) {
	Init()
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readiness.Set(1)
		return
	}
	readiness.Set(0)
}
