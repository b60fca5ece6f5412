/*
Package session tracks the Agent sessions of every Fusion view and the
per-view arbitration state built on top of them.

Election is first-come-first-serve: the first session to ask for leadership
on a view wins, keeps the role until it closes or expires, and at most one
leader exists per view at any instant. A background cleanup loop scans every
second and terminates sessions whose monotonic last-activity age exceeds
their TTL; when the departing session led the view, the earliest-created
surviving session is promoted atomically under the per-view lock.

The view state additionally records which session's snapshot is
authoritative: a view's snapshot is complete only while the session that
signalled snapshot-end is still the authoritative leader, which is what
gates the query API behind 503 after a failover.
*/
package session
