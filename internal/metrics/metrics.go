// Package metrics exposes upgrade counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eunmann/worldup/pkg/progress"
)

const namespace = "worldup"

// Metrics records per-category chunk outcomes and the run state.
type Metrics struct {
	Converted   *prometheus.CounterVec
	Skipped     *prometheus.CounterVec
	Replaced    *prometheus.CounterVec
	RunStatus   prometheus.Gauge
	RunDuration prometheus.Gauge
}

// New registers the upgrade metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Converted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_converted_total",
			Help:      "Chunks rewritten at the latest data version",
		}, []string{"category"}),
		Skipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_skipped_total",
			Help:      "Chunks left as they were, either current or failed",
		}, []string{"category"}),
		Replaced: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_files_replaced_total",
			Help:      "Region files swapped for their recreated shadow",
		}, []string{"category"}),
		RunStatus: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_status",
			Help:      "Run status: 0 counting, 1 upgrading, 2 finished, 3 failed",
		}),
		RunDuration: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the last run",
		}),
	}
}

func (m *Metrics) ChunkConverted(category string) {
	m.Converted.WithLabelValues(category).Inc()
}

func (m *Metrics) ChunksSkipped(category string, n int) {
	m.Skipped.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) FileReplaced(category string) {
	m.Replaced.WithLabelValues(category).Inc()
}

func (m *Metrics) RunStatusChanged(status progress.Status) {
	m.RunStatus.Set(float64(status))
}

func (m *Metrics) RunFinished(d time.Duration) {
	m.RunDuration.Set(d.Seconds())
}

// WriteTextfile writes everything gathered by g to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
