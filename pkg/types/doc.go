/*
Package types defines the core data structures used throughout the tally
orchestration core.

This package contains the domain model shared by every other package:
elections, guardians, ballots, chunks, jobs, decryption shares and the
in-flight work messages exchanged over the broker.

# Ownership

Elections and ballots are owned by the voter-facing system and are
read-only to the core, with one exception: the per-guardian Decrypted
flag, which the core flips when a guardian's shares are complete.

Chunks, jobs, shares and decryption status rows are owned by the core:

  - Chunk: one partition of an election's cast ballots; created once by
    the planner and never deleted.
  - Job: one asynchronous multi-chunk operation (TALLY, PARTIAL,
    COMPENSATED, COMBINE); progress advances monotonically and terminal
    states are sticky.
  - PartialShare / CompensatedShare: append-only; duplicates are rejected
    by unique keys and treated as idempotent no-ops.
  - PartialDecryptionStatus: one row per (election, guardian), updated in
    place as a submission moves through its phases.

ChunkMessage has no persistent identity; it exists only while in flight
on a work queue and may be redelivered.
*/
package types
