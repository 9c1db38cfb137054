/*
Package metrics provides Prometheus instrumentation for Hutch.

Metrics are registered at package init and exposed via Handler(), which the
arbiter serves on METRICS_ADDR when configured. Names are prefixed hutch_.

# Metric Groups

Pool:
  - hutch_worker_generation{pet_idx}: restart epoch per worker
  - hutch_worker_rss_megabytes{pet_idx}: resident set size per worker
  - hutch_worker_restarts_total{pet_idx,cause}: restart triggers by cause;
    "crash" once per probe that finds the process exited, "ram" once per
    RAM poll that finds it over the limit

Arbiter:
  - hutch_arbiter_probes_total{pet_idx}: probe requests answered
  - hutch_arbiter_supervisor_errors_total: failed supervisor iterations

Sessions:
  - hutch_sessions_created_total, hutch_sessions_archived_total
  - hutch_calls_total{route,outcome}: calls by route and OK/error label
  - hutch_call_duration_seconds{route}: end-to-end call latency
  - hutch_lock_wait_duration_seconds: worker lock wait time

Replay:
  - hutch_replays_total: replay walks triggered by stale states
  - hutch_replay_steps_total: individual RPCs re-executed
  - hutch_replay_duration_seconds: replay walk latency

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CallDuration, routeName)

Counting outcomes:

	metrics.CallsTotal.WithLabelValues(routeName, "OK").Inc()
	metrics.WorkerRestartsTotal.WithLabelValues("2", "ram").Inc()

Serving the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Alerting Suggestions

High restart churn:
  - rate(hutch_worker_restarts_total[5m]) > 0.2 per worker sustained
  - usually a tactic loop or a RAM limit set too low

Replay storms:
  - rate(hutch_replay_steps_total[5m]) spiking after restarts is expected;
    a sustained plateau means sessions keep racing a flapping worker

Pool unhealthy:
  - hutch_worker_generation{pet_idx} climbing without corresponding
    restart-cause counters means restarts requested through the status
    key: by an operator, or by the session manager after worker timeouts
    and failed probes
*/
package metrics
