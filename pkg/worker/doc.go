/*
Package worker consumes chunk messages from the work queues and executes
them against the crypto service.

Every handler follows the same shape: take the per-(job, chunk) lock to
serialize redelivered copies, report PROCESSING, load only the scalar
projections the operation needs, make one crypto service call, persist
the result in its own transaction, then report the outcome to the
scheduler. The scheduler's completion report performs the atomic progress
increment and hands back the new counters, so the worker that settled the
final chunk runs the job's completion side effects through the Lifecycle
interface.

Broker deliveries are acknowledged in every case; retry is the
scheduler's job and comes back as a fresh publish after backoff, never as
a broker redelivery.
*/
package worker
