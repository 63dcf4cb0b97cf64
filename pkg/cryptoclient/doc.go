/*
Package cryptoclient is the thin wrapper around pooled HTTP calls to the
external crypto microservice.

The connection pool contract is design-critical: pool exhaustion and
stale sockets were the dominant operational failure mode. The transport
is explicitly sized (total and per-host caps), connection acquisition
fails fast after a bounded wait instead of deadlocking, idle connections
are dropped after a short window, and a background sweep enforces a hard
connection time to live. Every request carries a monotonically unique
request id, and pool usage {available, leased, pending} is sampled around
each request; usage above 80% or any pending waiter emits a
POOL_USAGE_HIGH warning.

Errors are typed: *TransportError for transient transport failures
(retriable) and *ProtocolError for non-2xx or malformed responses
(surfaces as a chunk failure).

The ballot-encryption endpoint, and only that endpoint, pads requests to
a constant 4096 bytes.
*/
package cryptoclient
