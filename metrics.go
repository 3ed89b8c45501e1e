// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics holds Prometheus metrics for one client.
type clientMetrics struct {
	requests  *prometheus.CounterVec // publish outcomes
	events    *prometheus.CounterVec // dispatch outcomes
	responses *prometheus.CounterVec // inbound reply outcomes
	timeouts  prometheus.Counter
	lifecycle *prometheus.CounterVec // transport events
	pending   prometheus.GaugeFunc
}

// newClientMetrics creates the metrics and registers them with reg when reg
// is not nil. pending is sampled on scrape.
func newClientMetrics(reg prometheus.Registerer, name string, pending func() float64) (*clientMetrics, error) {
	labels := prometheus.Labels{"client": name}
	m := &clientMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "psrpc",
			Subsystem:   "client",
			Name:        "requests_total",
			Help:        "Request/response publishes by outcome",
			ConstLabels: labels,
		}, []string{"result"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "psrpc",
			Subsystem:   "client",
			Name:        "events_total",
			Help:        "Fire-and-forget dispatches by outcome",
			ConstLabels: labels,
		}, []string{"result"}),

		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "psrpc",
			Subsystem:   "client",
			Name:        "responses_total",
			Help:        "Inbound responses by outcome",
			ConstLabels: labels,
		}, []string{"result"}),

		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "psrpc",
			Subsystem:   "client",
			Name:        "request_timeouts_total",
			Help:        "Requests failed by their deadline",
			ConstLabels: labels,
		}),

		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "psrpc",
			Subsystem:   "transport",
			Name:        "events_total",
			Help:        "Transport lifecycle events",
			ConstLabels: labels,
		}, []string{"event"}),

		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "psrpc",
			Subsystem:   "client",
			Name:        "pending_requests",
			Help:        "Requests waiting for a terminal response",
			ConstLabels: labels,
		}, pending),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.requests, m.events, m.responses, m.timeouts, m.lifecycle, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics for client %q: %w", name, err)
		}
	}
	return m, nil
}
