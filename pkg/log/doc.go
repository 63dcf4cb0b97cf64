/*
Package log provides structured logging for the tally core, built on
zerolog.

Init configures the global logger once at startup (level, JSON or console
output). Packages obtain child loggers with a fixed component field via
WithComponent, and attach election, job and chunk ids with the remaining
helpers so every line produced while processing a chunk carries enough
context to trace it back to its job.
*/
package log
