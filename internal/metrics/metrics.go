package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_training_timeframes_total", Help: "Trained timeframes by result"},
		[]string{"instrument", "timeframe", "result"},
	)
	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Name: "agent_training_duration_seconds", Help: "Training time per timeframe", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)},
		[]string{"timeframe"},
	)
	MemoryEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_memory_entries", Help: "Pattern entries per memory"},
		[]string{"instrument", "timeframe"},
	)
	TrainingHitRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_training_hit_rate", Help: "Replay hit rate of the last training pass"},
		[]string{"instrument", "timeframe"},
	)

	SignalLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_signal_level", Help: "Current signal level"},
		[]string{"instrument", "side"},
	)
	UsableTimeframes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_signal_usable_timeframes", Help: "Timeframes that produced bounds"},
		[]string{"instrument"},
	)

	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_orders_total", Help: "Orders by reason and result"},
		[]string{"instrument", "reason", "result"},
	)
	PositionPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_position_pnl_pct", Help: "Unrealised PnL of the open position"},
		[]string{"instrument"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_events_published_total", Help: "Published bus events"},
		[]string{"topic", "result"},
	)
	CycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_cycle_errors_total", Help: "Failed pipeline cycles"},
		[]string{"pipeline", "instrument"},
	)
)

func ObserveTraining(instrument, tf, result string, took time.Duration) {
	TrainingRuns.WithLabelValues(instrument, tf, result).Inc()
	TrainingDuration.WithLabelValues(tf).Observe(took.Seconds())
}

func Handler() http.Handler { return promhttp.Handler() }
