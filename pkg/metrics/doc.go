/*
Package metrics exposes Prometheus metrics and component health for the
sync engine.

All metrics use the docqa_ prefix and are registered at init. The
connection state gauge has one series per state with exactly one of them
set to 1. NewMux serves /metrics, /health and /ready; the process is
ready once the realtime and cache components report healthy.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
*/
package metrics
