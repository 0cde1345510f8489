package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndrlab/ndr-orchestrator/pkg/pump"
)

func init() {
	register(pumpReports, pumpReportDuration, pumpsRunning)
}

var (
	pumpReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndr_pump_reports_total",
			Help: "Report indices finished by online pumps, by outcome.",
		},
		[]string{"outcome"},
	)

	pumpReportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ndr_pump_report_duration_seconds",
			Help:    "Classifier time per report in online pumps.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	pumpsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ndr_pumps_running",
			Help: "Online prediction pumps currently running.",
		},
	)
)

// ObservePumpReport records one finished report index.
func ObservePumpReport(o pump.Outcome, d time.Duration) {
	pumpReports.WithLabelValues(string(o)).Inc()
	if o != pump.OutcomeTimedOut {
		pumpReportDuration.Observe(d.Seconds())
	}
}

// PumpStarted and PumpStopped track running pumps.
func PumpStarted() { pumpsRunning.Inc() }

// PumpStopped is the counterpart of PumpStarted.
func PumpStopped() { pumpsRunning.Dec() }
