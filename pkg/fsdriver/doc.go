/*
Package fsdriver reads a mounted filesystem tree (typically an NFS export)
and turns it into Tidemark event streams.

Three streams are produced, with distinct lifecycles:

	Snapshot  finite    full enumeration, one update row per node
	Messages  infinite  realtime events from fsnotify change notifications
	Audit     finite    periodic re-scan driven by a directory mtime cache

The audit stream is the reconciliation mechanism against blind-spot clients:
directories whose mtime matches the agent's cached value are reported but not
re-enumerated, and their rows carry audit_skipped so the Fusion view knows
not to infer deletions from them. SentinelCheck answers targeted probes for
paths Fusion flagged as suspect.

Every emitted event carries a monotonically increasing index seeded from
physical time in microseconds, so an Agent restart never reuses a committed
index range.

Failure isolation: unreadable directories are logged and skipped; an
iterator never aborts because one subtree failed.
*/
package fsdriver
