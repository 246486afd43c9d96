package gpu

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gpuMemoryFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mind",
		Subsystem: "gpu",
		Name:      "memory_free_mb",
		Help:      "Free GPU memory in MB per device",
	}, []string{"gpu"})

	gpuUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mind",
		Subsystem: "gpu",
		Name:      "utilization_percent",
		Help:      "GPU utilization percent per device",
	}, []string{"gpu"})
)

func init() {
	prometheus.MustRegister(gpuMemoryFree, gpuUtilization)
}

func publishMetrics(s *snapshot) {
	for _, g := range s.gpus {
		label := strconv.Itoa(g.Index)
		gpuMemoryFree.WithLabelValues(label).Set(g.MemoryFreeMB)
		gpuUtilization.WithLabelValues(label).Set(g.UtilizationPercent)
	}
}
