/*
Package manager coordinates the tally pipeline.

It owns job creation (tally, partial, compensated, combine), runs
guardian submissions through the tracker's credential gate, and receives
completion callbacks from the worker pool. Completion callbacks drive
the per-guardian state machine: a finished partial job either settles
the guardian or opens a compensated job covering every absent guardian,
and a finished combine job assembles and caches the election results.

Unsealed guardian secrets live only in process memory, held between the
partial and compensated phases and dropped as soon as the guardian
settles or fails.
*/
package manager
