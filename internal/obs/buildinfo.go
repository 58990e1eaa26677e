package obs

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Always 1; labels carry the running build.",
	}, []string{"version", "commit", "go_version"})

	startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Unix time the process started serving.",
	})
)

// InitBuildInfo publishes the build labels and the start time. Only the
// first call takes effect.
func InitBuildInfo(version, commit string) {
	buildOnce.Do(func() {
		prometheus.MustRegister(buildInfo, startTime)
		buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
		startTime.Set(float64(time.Now().Unix()))
	})
}
