package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_device_pool_hits_total",
		Help: "Total number of scratch buffers served from the pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_device_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})

	poolOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_device_pool_overflow_total",
		Help: "Scratch buffers allocated outside the reserved arena budget",
	})

	arenaBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "t2t_device_arena_bytes",
		Help: "Scratch bytes held by the most recently released arena",
	})
)
