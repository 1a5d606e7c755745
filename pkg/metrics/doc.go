/*
Package metrics defines the Prometheus metrics exported by the node.

All metrics are package-level collectors registered in init() and
served by the daemon's metrics HTTP listener. Gauges track current
state (networks and workers by status, KV pages in use, per-target
health); counters and histograms track flow (access decisions, crypto
operations, heartbeat failures, failover durations, config conflicts,
download volume).

The Timer helper wraps the measure-then-observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FailoverDuration)

Durable analytics (event log, license usage, reports) live in the
monitoring package; this package only exposes live process state.
*/
package metrics
