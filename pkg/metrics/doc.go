// Package metrics defines the Prometheus instrumentation for the tally
// core: job and chunk counters, scheduler tick latency, queue depth, API
// latency, and the crypto service connection pool gauges that make pool
// exhaustion (the dominant operational failure mode) observable.
package metrics
