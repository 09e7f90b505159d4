// Package metrics holds the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts device events accepted by the manager's
	// event processor.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldnode_events_ingested_total",
		Help: "Device events routed into the event store.",
	})

	// EventsBroadcast counts event deliveries to observer sinks.
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldnode_events_broadcast_total",
		Help: "Event deliveries fanned out to observers.",
	})

	// ObserversAttached tracks the number of live observer sessions.
	ObserversAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldnode_observers_attached",
		Help: "Live observer sessions across all devices.",
	})

	// DevicesSupervised tracks the number of supervised devices.
	DevicesSupervised = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldnode_devices_supervised",
		Help: "Devices with a supervisor session.",
	})

	// CommandsDispatched counts Dispatch calls on known devices, labelled
	// by outcome (ok, queue_full, unavailable).
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldnode_commands_dispatched_total",
		Help: "Commands dispatched to device supervisors.",
	}, []string{"result"})
)
