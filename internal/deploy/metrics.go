package deploy

import "github.com/prometheus/client_golang/prometheus"

var deployInflight = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mind",
	Subsystem: "deploy",
	Name:      "inflight",
	Help:      "Deployments currently in flight",
})

func init() {
	prometheus.MustRegister(deployInflight)
}
