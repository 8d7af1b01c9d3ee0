package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Inbound presence events grouped by kind and outcome.",
	}, []string{"kind", "result"})

	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_persist_failures_total",
		Help: "Durable write failures grouped by projection.",
	}, []string{"projection"})

	tripsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_trips_evicted_total",
		Help: "Open trips dropped after receiving no points for the trip idle window.",
	})

	dispatchQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_dispatch_queued_total",
		Help: "Persistence tasks accepted by the dispatcher.",
	})

	dispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_dispatch_dropped_total",
		Help: "Persistence tasks dropped by the dispatcher grouped by reason.",
	}, []string{"reason"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_sweep_duration_seconds",
		Help:    "Time spent in one staleness sweep.",
		Buckets: prometheus.DefBuckets,
	})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sweep_transitions_total",
		Help: "Status transitions made by the staleness sweeper grouped by target status.",
	}, []string{"status"})

	ridersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_riders",
		Help: "Riders in the live view grouped by status, refreshed every sweep.",
	}, []string{"status"})
)
