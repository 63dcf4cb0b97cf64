// Package config loads the tallyd YAML configuration file and supplies
// the documented defaults for every tuning knob (chunk size, scheduler
// tick, retry budget, worker concurrency, HTTP pool sizing, queue limits).
package config
