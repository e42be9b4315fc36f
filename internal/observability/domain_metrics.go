package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeHandled  = "handled"
	OutcomeFiltered = "filtered"
	OutcomeFailed   = "failed"
)

var (
	eventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapelog_events_dispatched_total",
			Help: "Events dispatched by consumer and outcome.",
		},
		[]string{"consumer", "outcome"},
	)
	checkpointWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapelog_checkpoint_writes_total",
			Help: "Durable checkpoint writes by consumer.",
		},
		[]string{"consumer"},
	)
	readerPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapelog_reader_pages_total",
			Help: "Pages opened by ordered readers.",
		},
		[]string{"source"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapelog_commands_total",
			Help: "Commands that reached a terminal state, by queue and state.",
		},
		[]string{"queue", "state"},
	)
	commandsInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapelog_commands_inflight",
			Help: "Commands currently held in the in-flight set.",
		},
		[]string{"queue"},
	)
	commandLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tapelog_command_latency_ms",
			Help:    "Command handler plus write-back latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"queue"},
	)
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapelog_exports_total",
			Help: "Log exports by outcome.",
		},
		[]string{"outcome"},
	)
	exportRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tapelog_export_records_total",
			Help: "Log records written to parquet exports.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		eventsDispatchedTotal,
		checkpointWritesTotal,
		readerPagesTotal,
		commandsTotal,
		commandsInflight,
		commandLatencyMs,
		exportsTotal,
		exportRecordsTotal,
	)
}

func ObserveEventDispatch(consumer, outcome string) {
	eventsDispatchedTotal.WithLabelValues(consumer, outcome).Inc()
}

func ObserveCheckpointWrite(consumer string) {
	checkpointWritesTotal.WithLabelValues(consumer).Inc()
}

func ObserveReaderPage(source string) {
	readerPagesTotal.WithLabelValues(source).Inc()
}

func ObserveCommand(queue, state string, elapsed time.Duration) {
	commandsTotal.WithLabelValues(queue, state).Inc()
	commandLatencyMs.WithLabelValues(queue).Observe(float64(elapsed.Milliseconds()))
}

func SetCommandsInflight(queue string, n int) {
	if n < 0 {
		n = 0
	}
	commandsInflight.WithLabelValues(queue).Set(float64(n))
}

func ObserveExport(records int, err error) {
	if err != nil {
		exportsTotal.WithLabelValues(OutcomeFailed).Inc()
		return
	}
	exportsTotal.WithLabelValues(OutcomeHandled).Inc()
	if records > 0 {
		exportRecordsTotal.Add(float64(records))
	}
}
