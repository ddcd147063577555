// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_documents_total",
			Help: "Documents successfully harvested, labeled by source.",
		},
		[]string{"source"},
	)

	documentErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_document_errors_total",
			Help: "Documents routed to the error tree, labeled by source.",
		},
		[]string{"source"},
	)

	filesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_files_written_total",
			Help: "JSON files written by the persistence worker, labeled by tree.",
		},
		[]string{"tree"},
	)

	writeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_write_failures_total",
			Help: "Failed writes rerouted to the error tree.",
		},
	)

	httpRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_http_retries_total",
			Help: "HTTP attempts retried, labeled by reason.",
		},
		[]string{"reason"},
	)

	blockedResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_blocked_responses_total",
			Help: "Responses carrying a source block marker.",
		},
	)

	vpnRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_vpn_rotations_total",
			Help: "Egress rotations performed by the VPN manager.",
		},
	)

	ocrPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_ocr_pages_total",
			Help: "PDF pages sent to the OCR service.",
		},
	)

	ocrRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_ocr_retries_total",
			Help: "OCR calls retried after an empty result.",
		},
	)

	yearsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_years_total",
			Help: "Per-year partitions completed, labeled by source.",
		},
		[]string{"source"},
	)
)

// ObserveDocument counts a successfully harvested document.
func ObserveDocument(source string) {
	documentsTotal.WithLabelValues(source).Inc()
}

// ObserveDocumentError counts a document routed to the error sink.
func ObserveDocumentError(source string) {
	documentErrorsTotal.WithLabelValues(source).Inc()
}

// ObserveFileWritten counts a file written to the given tree
// ("norms" or "errors").
func ObserveFileWritten(tree string) {
	filesWrittenTotal.WithLabelValues(tree).Inc()
}

// ObserveWriteFailure counts a write rerouted to the error path.
func ObserveWriteFailure() {
	writeFailuresTotal.Inc()
}

// ObserveHTTPRetry counts a retried HTTP attempt. Reason is one of
// "status", "overload" or "transport".
func ObserveHTTPRetry(reason string) {
	httpRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveBlockedResponse counts a response matching a block marker.
func ObserveBlockedResponse() {
	blockedResponsesTotal.Inc()
}

// ObserveVPNRotation counts an egress rotation.
func ObserveVPNRotation() {
	vpnRotationsTotal.Inc()
}

// ObserveOCRPage counts a page image submitted for OCR.
func ObserveOCRPage() {
	ocrPagesTotal.Inc()
}

// ObserveOCRRetry counts an OCR retry after an empty result.
func ObserveOCRRetry() {
	ocrRetriesTotal.Inc()
}

// ObserveYear counts a completed per-year partition.
func ObserveYear(source string) {
	yearsTotal.WithLabelValues(source).Inc()
}

// Handler returns an http.Handler exposing the collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the collectors on addr under /metrics. It blocks, so
// callers run it in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
