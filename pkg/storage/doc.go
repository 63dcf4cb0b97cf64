/*
Package storage provides typed, bounded persistence for the orchestration
core, backed by BoltDB.

# Design constraints

Two constraints shape this package, both learned from production incidents
with large elections:

  - Every method runs in its own short transaction. No unit of work ever
    spans two chunks, so a 2000-chunk job never accumulates state.
  - Reads on the chunk-processing path are projections: they return only
    the scalar columns the worker needs (ids, ciphertext strings, counts)
    instead of decoding full rows in bulk.

Share inserts enforce uniqueness per (chunk, guardian) and per
(chunk, source, target) and swallow duplicates, which makes message
redelivery idempotent. IncrementJobProgress is an atomic
read-modify-write that returns the new counters, so the worker that
settles the final chunk is the one that observes the job turning
terminal.
*/
package storage
