package metrics

import (
	"time"

	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const unknownLabel = "unknown"

var (
	processorOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txengine",
		Subsystem: "processor",
		Name:      "outcomes_total",
		Help:      "Count of processed transaction records by type and outcome.",
	}, []string{"source", "operation", "status"})

	processorRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "txengine",
		Subsystem: "processor",
		Name:      "run_duration_seconds",
		Help:      "Duration of processing a complete input stream.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source", "status"})

	processorRunRecords = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "txengine",
		Subsystem: "processor",
		Name:      "run_records",
		Help:      "Number of records processed per input stream.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 12), // 1..4M
	}, []string{"source"})

	processorRunAccounts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "txengine",
		Subsystem: "processor",
		Name:      "run_accounts",
		Help:      "Number of accounts in the final snapshot of a stream.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 17), // 1..65536
	}, []string{"source"})
)

// Processor records outcome counters and run histograms for one input source.
type Processor struct {
	source string
}

// NewProcessor labels every observation with source ("cli", "http", ...).
func NewProcessor(source string) *Processor {
	if source == "" {
		source = unknownLabel
	}
	return &Processor{source: source}
}

// ObserveOutcome counts one processed record. Operations outside the known
// transaction types share the "unknown" label.
func (recorder *Processor) ObserveOutcome(entry ledger.OutcomeLog) {
	operation := entry.Operation
	if !ledger.TransactionType(operation).Valid() {
		operation = unknownLabel
	}
	processorOutcomesTotal.WithLabelValues(recorder.source, operation, string(entry.Status)).Inc()
}

// ObserveRun records the size and duration of a finished stream.
func (recorder *Processor) ObserveRun(err error, started time.Time, summary ledger.Summary, accounts int) {
	status := "success"
	if err != nil {
		status = "error"
	}
	processorRunDuration.WithLabelValues(recorder.source, status).Observe(time.Since(started).Seconds())
	processorRunRecords.WithLabelValues(recorder.source).Observe(float64(summary.Processed()))
	processorRunAccounts.WithLabelValues(recorder.source).Observe(float64(accounts))
}
