package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_frames_decoded_total",
		Help: "Total number of JSON frames extracted from device streams.",
	})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_decode_errors_total",
		Help: "Total number of malformed frames dropped by the pipeline.",
	})

	ReadingsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_readings_processed_total",
		Help: "Total number of readings that completed the ingestion pipeline.",
	})

	ResolutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_resolution_failures_total",
		Help: "Total number of readings dropped by identity resolution, labelled by status.",
	}, []string{"status"})

	TelemetryFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_telemetry_faults_total",
		Help: "Total number of threshold violations, labelled by dimension.",
	}, []string{"dimension"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_transitions_total",
		Help: "Total number of custody transition attempts, labelled by source and result.",
	}, []string{"source", "result"})

	LedgerDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_ledger_dispatches_total",
		Help: "Total number of ledger dispatch outcomes, labelled by kind and status.",
	}, []string{"kind", "status"})

	LedgerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_ledger_events_total",
		Help: "Total number of ledger events observed by the poller, labelled by kind.",
	}, []string{"kind"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_alerts_emitted_total",
		Help: "Total number of alerts emitted, labelled by issue type.",
	}, []string{"issue_type"})

	AlertStoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_alert_store_failures_total",
		Help: "Total number of alerts that could not be persisted.",
	})
)
