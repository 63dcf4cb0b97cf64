/*
Package broker implements the embedded durable work-queue layer: four
queues, one per operation kind (tally, partial, compensated, combine),
backed by BoltDB so published messages survive a restart.

Queue semantics follow the core's dispatch contract:

  - durable: a message is on disk before Publish returns
  - per-message TTL: expired messages are moved to a dead-letter bucket
    and surface as chunk failures rather than being delivered late
  - bounded length: Publish fails with ErrQueueFull at the cap
  - prefetch 1: a consumer holds at most one unacknowledged delivery;
    this limit is load-bearing for scheduler fairness and is enforced
    here rather than trusted to configuration

Cross-process deployments point every process at the same dispatch
contract; fairness between processes comes from the queues, not from the
per-process scheduler registries.
*/
package broker
