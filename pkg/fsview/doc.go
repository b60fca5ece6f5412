/*
Package fsview maintains the authoritative in-memory model of a watched
filesystem and arbitrates conflicting evidence about it.

Evidence arrives as events tagged with their source, and the source decides
authority. Realtime events always win: an upsert clears tombstones, suspect
flags and blind-spot markers for its path; a delete removes the subtree and
plants a tombstone. Snapshot and audit rows are subordinate and pass three
gates before they touch the tree:

 1. tombstone dominance — a row at or before a live tombstone is discarded,
    so a delayed scan cannot resurrect a deleted file;
 2. monotonic mtime — a row not newer than the node in memory is discarded;
 3. parent mtime (audit only) — a new path observed from a staler version of
    its parent directory than the one in memory is discarded.

Around the tree the handler keeps the consistency bookkeeping: a suspect
list (hot files possibly mid-write, expired through a minheap and re-probed
by sentinel sweeps), blind-spot sets (paths discovered or deleted only by
audits, i.e. by clients not running an Agent), the audit-seen tracker, and
the hybrid logical clock all staleness judgements are made against.

Audit end is where drift gets reconciled: tombstones past their TTL expire
and missing-file detection runs — for every directory the audit actually
scanned, children in memory that the scan did not report (and that no event
fresher than the audit start confirmed) are deleted and recorded as
blind-spot deletions.
*/
package fsview
