// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetrent"

// Collectors groups every fleetrent metric.
type Collectors struct {
	ConnectedNodes     prometheus.Gauge
	Heartbeats         prometheus.Counter
	Dispatches         *prometheus.CounterVec
	Rentals            *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	SettlementFailures prometheus.Counter
	SettledAmount      prometheus.Counter
	PortAllocations    prometheus.Counter
	PortExhaustions    prometheus.Counter
	PortsActive        prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with a fresh registry
// that also carries the Go runtime and process collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors with reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Collectors {
	c := &Collectors{
		ConnectedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "connected_nodes",
			Help: "Nodes with a live websocket session.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "heartbeats_total",
			Help: "Heartbeats received from nodes.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "dispatches_total",
			Help: "Commands dispatched to nodes by result (delivered, no_session).",
		}, []string{"command", "result"}),
		Rentals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rental", Name: "transitions_total",
			Help: "Rental lifecycle outcomes (created, started, rolled_back, completed, cancelled).",
		}, []string{"outcome"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rental", Name: "settlements_total",
			Help: "Settlements committed by final status.",
		}, []string{"status"}),
		SettlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rental", Name: "settlement_failures_total",
			Help: "Settlement transactions that failed and were rolled back.",
		}),
		SettledAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rental", Name: "settled_amount_total",
			Help: "Sum of settled rental costs.",
		}),
		PortAllocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ports", Name: "allocations_total",
			Help: "Ports allocated.",
		}),
		PortExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ports", Name: "exhaustions_total",
			Help: "Allocation attempts that found the range exhausted.",
		}),
		PortsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ports", Name: "active",
			Help: "Ports currently allocated.",
		}),
		gatherer: g,
	}

	reg.MustRegister(
		c.ConnectedNodes,
		c.Heartbeats,
		c.Dispatches,
		c.Rentals,
		c.Settlements,
		c.SettlementFailures,
		c.SettledAmount,
		c.PortAllocations,
		c.PortExhaustions,
		c.PortsActive,
	)
	return c
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
