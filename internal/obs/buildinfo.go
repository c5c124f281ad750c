package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// authd_build_info: gauge со значением 1 и метками сборки.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authd_build_info",
			Help: "authd build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo registers authd_build_info once and publishes the labels of
// this binary.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
