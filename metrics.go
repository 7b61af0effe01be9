package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Reconciliation metrics
var (
	reconcileRunsTotal        atomic.Int64
	balanceFetchFailuresTotal atomic.Int64
	deltaInferredTotal        atomic.Int64
	deltaOverridesTotal       atomic.Int64
	suppressedTotal           atomic.Int64
)

// Ledger and persistence metrics
var (
	ledgerInsertsTotal   atomic.Int64
	persistFailuresTotal atomic.Int64
	syncRunsTotal        atomic.Int64
)

// Payment metrics
var (
	paymentsTotal        atomic.Int64
	paymentFailuresTotal atomic.Int64
	invoicesTotal        atomic.Int64
)

// Live feed metrics
var (
	wsClientsActive    atomic.Int64
	droppedEventsTotal atomic.Int64
)

var serverStartTime = time.Now()

// set at startup for the build info metric and the ledger size gauge
var (
	blobBackendType string
	walletEngine    *Engine
)

// metricsHandler serves Prometheus-compatible metrics
func metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Build info metric
	fmt.Fprintf(w, "# HELP wallet_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE wallet_build_info gauge\n")
	fmt.Fprintf(w, "wallet_build_info{blob_backend=%q,go_version=%q} 1\n\n", blobBackendType, runtime.Version())

	// Process metrics
	fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
	fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(w, "process_start_time_seconds %d\n\n", serverStartTime.Unix())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

	// Go runtime metrics
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total memory obtained from the OS\n")
	fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_sys_bytes %d\n\n", memStats.Sys)

	fmt.Fprintf(w, "# HELP go_gc_cycles_total Number of completed GC cycles\n")
	fmt.Fprintf(w, "# TYPE go_gc_cycles_total counter\n")
	fmt.Fprintf(w, "go_gc_cycles_total %d\n\n", memStats.NumGC)

	// HTTP metrics
	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
	fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
	fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

	// Reconciliation metrics
	fmt.Fprintf(w, "# HELP wallet_reconcile_runs_total Reconciliation passes (notifications and polls)\n")
	fmt.Fprintf(w, "# TYPE wallet_reconcile_runs_total counter\n")
	fmt.Fprintf(w, "wallet_reconcile_runs_total %d\n\n", reconcileRunsTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_balance_fetch_failures_total Failed balance reads from the wallet node\n")
	fmt.Fprintf(w, "# TYPE wallet_balance_fetch_failures_total counter\n")
	fmt.Fprintf(w, "wallet_balance_fetch_failures_total %d\n\n", balanceFetchFailuresTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_delta_inferred_total Ledger entries synthesized from balance deltas alone\n")
	fmt.Fprintf(w, "# TYPE wallet_delta_inferred_total counter\n")
	fmt.Fprintf(w, "wallet_delta_inferred_total %d\n\n", deltaInferredTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_delta_overrides_total Classified directions overridden by the measured delta\n")
	fmt.Fprintf(w, "# TYPE wallet_delta_overrides_total counter\n")
	fmt.Fprintf(w, "wallet_delta_overrides_total %d\n\n", deltaOverridesTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_suppressed_total Polled deltas suppressed by optimistic send markers\n")
	fmt.Fprintf(w, "# TYPE wallet_suppressed_total counter\n")
	fmt.Fprintf(w, "wallet_suppressed_total %d\n\n", suppressedTotal.Load())

	// Ledger metrics
	fmt.Fprintf(w, "# HELP wallet_ledger_inserts_total Entries inserted into the ledger\n")
	fmt.Fprintf(w, "# TYPE wallet_ledger_inserts_total counter\n")
	fmt.Fprintf(w, "wallet_ledger_inserts_total %d\n\n", ledgerInsertsTotal.Load())

	if walletEngine != nil {
		fmt.Fprintf(w, "# HELP wallet_ledger_size Current number of ledger entries\n")
		fmt.Fprintf(w, "# TYPE wallet_ledger_size gauge\n")
		fmt.Fprintf(w, "wallet_ledger_size %d\n\n", walletEngine.store.Len())
	}

	fmt.Fprintf(w, "# HELP wallet_persist_failures_total Snapshot or remote-log write failures\n")
	fmt.Fprintf(w, "# TYPE wallet_persist_failures_total counter\n")
	fmt.Fprintf(w, "wallet_persist_failures_total %d\n\n", persistFailuresTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_sync_runs_total Sync merger passes\n")
	fmt.Fprintf(w, "# TYPE wallet_sync_runs_total counter\n")
	fmt.Fprintf(w, "wallet_sync_runs_total %d\n\n", syncRunsTotal.Load())

	// Payment metrics
	fmt.Fprintf(w, "# HELP wallet_payments_total Successful payments\n")
	fmt.Fprintf(w, "# TYPE wallet_payments_total counter\n")
	fmt.Fprintf(w, "wallet_payments_total %d\n\n", paymentsTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_payment_failures_total Failed payments\n")
	fmt.Fprintf(w, "# TYPE wallet_payment_failures_total counter\n")
	fmt.Fprintf(w, "wallet_payment_failures_total %d\n\n", paymentFailuresTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_invoices_total Invoices created\n")
	fmt.Fprintf(w, "# TYPE wallet_invoices_total counter\n")
	fmt.Fprintf(w, "wallet_invoices_total %d\n\n", invoicesTotal.Load())

	// Live feed metrics
	fmt.Fprintf(w, "# HELP wallet_feed_clients_active Number of connected feed clients\n")
	fmt.Fprintf(w, "# TYPE wallet_feed_clients_active gauge\n")
	fmt.Fprintf(w, "wallet_feed_clients_active %d\n\n", wsClientsActive.Load())

	fmt.Fprintf(w, "# HELP wallet_feed_events_dropped_total Feed events dropped due to slow clients\n")
	fmt.Fprintf(w, "# TYPE wallet_feed_events_dropped_total counter\n")
	fmt.Fprintf(w, "wallet_feed_events_dropped_total %d\n", droppedEventsTotal.Load())
}
