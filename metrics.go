package main

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type EngineMetrics struct {
	Delivered      metrics.Counter
	Sent           metrics.Counter
	Persisted      metrics.Counter
	PersistAppends metrics.Counter
	PersistBytes   metrics.Counter
	ViewInstalls   metrics.Counter
	CurrentVid     metrics.Gauge
}

func NewEngineMetrics(prometheusAddr string) *EngineMetrics {

	m := &EngineMetrics{}

	if prometheusAddr == "" {
		m.Delivered = discard.NewCounter()
		m.Sent = discard.NewCounter()
		m.Persisted = discard.NewCounter()
		m.PersistAppends = discard.NewCounter()
		m.PersistBytes = discard.NewCounter()
		m.ViewInstalls = discard.NewCounter()
		m.CurrentVid = discard.NewGauge()
	} else {
		m.Delivered = prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "derecho",
			Subsystem: "multicast",
			Name:      "delivered_total",
			Help:      "Number of messages delivered in global order",
		}, nil)
		m.Sent = prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "derecho",
			Subsystem: "multicast",
			Name:      "sent_total",
			Help:      "Number of messages committed for sending",
		}, nil)
		m.Persisted = prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "derecho",
			Subsystem: "persist",
			Name:      "records_total",
			Help:      "Number of records reported durable",
		}, nil)
		m.PersistAppends = prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "derecho",
			Subsystem: "persist",
			Name:      "appends_total",
			Help:      "Number of records handed to the persistence writer",
		}, nil)
		m.PersistBytes = prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "derecho",
			Subsystem: "persist",
			Name:      "bytes_total",
			Help:      "Payload bytes handed to the persistence writer",
		}, nil)
		m.ViewInstalls = prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "derecho",
			Subsystem: "gms",
			Name:      "view_installs_total",
			Help:      "Number of installed views",
		}, nil)
		m.CurrentVid = prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: "derecho",
			Subsystem: "gms",
			Name:      "current_vid",
			Help:      "Vid of the currently installed view",
		}, nil)
	}

	return m
}

func runPromHTTP(logger log.Logger, addr string) {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
	}
}
