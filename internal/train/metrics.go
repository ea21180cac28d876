package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_train_updates_total",
		Help: "Total number of parameter updates",
	})

	wordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "t2t_train_words_total",
		Help: "Total number of gold tokens trained on",
	})

	// lossPerWord is the negative log likelihood per gold token of the most
	// recent batch
	lossPerWord = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "t2t_train_loss_per_word",
		Help: "Negative log likelihood per gold token of the last batch",
	})

	learningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "t2t_train_learning_rate",
		Help: "Learning rate of the last update",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "t2t_train_batch_duration_seconds",
		Help:    "Forward and backward time per batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "t2t_train_checkpoints_total",
		Help: "Total number of checkpoints written",
	}, []string{"label"})

	validPerplexity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "t2t_train_valid_perplexity",
		Help: "Perplexity on the validation corpus at the last checkpoint",
	})
)
