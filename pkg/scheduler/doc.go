/*
Package scheduler implements the fair round-robin dispatcher.

A single scheduler per process owns a registry of active job instances,
kept in insertion order. Every tick (100 ms by default) it visits each
instance once, starting from a rotating round-robin index, and publishes
at most one PENDING chunk per instance to that job's work queue. The
rotation plus the broker's prefetch-1 consumers give two testable
guarantees:

  - no starvation: with n active jobs, every job with a PENDING chunk has
    one dispatched within n ticks
  - bounded unfairness: completed-chunk counts of any two active jobs
    never diverge by more than 2n

Workers report results back through ReportChunkProcessing,
ReportChunkCompleted and ReportChunkFailed. Failed chunks retry up to the
configured budget with exponential backoff (5 s, 10 s, 20 s), keeping
their original position in the chunk list so the dispatch sequence stays
reproducible; exhausted chunks are marked permanently failed without
blocking any other job. Instances whose chunks have all settled are
removed from the registry.

The registry is process-local. Two processes run independent registries;
fairness across processes comes from the shared queues.
*/
package scheduler
