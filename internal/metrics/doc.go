/*
Package metrics provides Prometheus metrics for one afdsend worker
invocation: files delivered, bytes sent, duplicate-guard hits/misses,
archive failures, and an active-transfer gauge a supervisor can scrape
per host (spec.md §9).

# Metrics

Counters, namespaced "afdsend_twc_" by default:

  - files_delivered_total{operation,status}: per-file pipeline outcomes
  - duplicate_guard_results_total{result}: DG hit/miss counts
  - errors_total{operation,type}: errors by operation and classified type

Histograms:

  - transfer_duration_seconds{operation}: per-file transfer duration
  - bytes_sent{operation}: bytes written to the remote peer per file

Gauges:

  - active_transfers: files in flight for this worker process

# Usage

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	wctx.Metrics = collector

A Collector built with Enabled: false turns every Record and Update
method into a no-op, and a nil Config falls back to DefaultConfig. A nil
*Collector is not usable; callers such as the worker check the field for
nil before calling it.
*/
package metrics
