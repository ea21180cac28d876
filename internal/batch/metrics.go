package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_batch_batches_total",
		Help: "Total number of batches materialised",
	})

	batchSequences = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "t2t_batch_sequences",
		Help:    "Sequences per batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	paddingRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "t2t_batch_padding_ratio",
		Help:    "Fraction of gold positions that are padding",
		Buckets: prometheus.LinearBuckets(0, 0.1, 10),
	})

	bufferSequences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "t2t_batch_buffer_sequences",
		Help: "Sequences held by the most recent buffer refill",
	})

	skippedSequences = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "t2t_batch_skipped_sequences_total",
		Help: "Sequences dropped while filling the buffer",
	}, []string{"reason"})

	truncatedSequences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_batch_truncated_sequences_total",
		Help: "Sequences cut to the maximum length",
	})
)
