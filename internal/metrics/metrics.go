// Package metrics declares the Prometheus collectors of the stack core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netcore"

// Direction label values.
const (
	DirIn  = "in"
	DirOut = "out"
)

var (
	// PoolFree tracks free items per fixed-count pool
	PoolFree = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_free",
			Help:      "Number of free items in a fixed-count pool",
		},
		[]string{"pool"},
	)

	// PoolAllocFailuresTotal counts allocations that found the pool exhausted
	PoolAllocFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_alloc_failures_total",
			Help:      "Total number of pool allocations that failed or timed out",
		},
		[]string{"pool"},
	)

	// NetifPacketsTotal counts packets queued per interface and direction
	NetifPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "netif_packets_total",
			Help:      "Total number of packets queued on an interface",
		},
		[]string{"interface", "direction"},
	)

	// NetifDropsTotal counts packets rejected by a full interface queue
	NetifDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "netif_drops_total",
			Help:      "Total number of packets dropped on a full interface queue",
		},
		[]string{"interface", "direction"},
	)

	// EtherFramesTotal counts Ethernet frames by direction and outcome
	EtherFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ether_frames_total",
			Help:      "Total number of Ethernet frames handled by the link layer",
		},
		[]string{"direction", "result"},
	)

	// DispatcherMessagesTotal counts messages handled by the stack goroutine
	DispatcherMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_messages_total",
			Help:      "Total number of messages processed by the dispatcher",
		},
		[]string{"kind"},
	)

	// TimerFiredTotal counts timer callbacks
	TimerFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_fired_total",
			Help:      "Total number of timer callbacks invoked",
		},
	)

	// TimersArmed tracks the length of the timer list
	TimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_armed",
			Help:      "Number of timers currently armed",
		},
	)
)
