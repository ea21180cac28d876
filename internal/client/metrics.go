package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_client_published_rows_total",
		Help: "Total number of score rows sent over Flight",
	})

	publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "t2t_client_publish_errors_total",
		Help: "Total number of failed score uploads",
	}, []string{"reason"})

	// circuitState is 0 closed, 1 open, 2 half-open
	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "t2t_client_circuit_state",
		Help: "State of the Flight circuit breaker",
	})
)
