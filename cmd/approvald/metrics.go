package main

import "github.com/prometheus/client_golang/prometheus"

func httpSendCounter(prefix string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: prefix,
		Name:      "webhook_deliveries_total",
		Help:      "Outcomes of webhook delivery attempts, by event type and result.",
	}, []string{"event_type", "status"})
}

func httpQueueGauge(prefix string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: prefix,
		Name:      "webhook_queue_depth",
		Help:      "Current number of webhook deliveries queued for dispatch.",
	})
}
