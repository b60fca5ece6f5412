/*
Package sender is the Agent's HTTP client for the Fusion wire protocol:
session create/heartbeat/close, batched event pushes with role feedback,
audit cycle signals and sentinel task exchange.

Wire failure semantics are bit-precise: 419 maps to a session-obsoleted
error (recreate the session, no backoff), 409 to a conflict, 503 to a
retryable unavailability carrying the server's Retry-After hint. Transport
failures trip a circuit breaker; protocol answers pass through it without
counting as endpoint failures.
*/
package sender
