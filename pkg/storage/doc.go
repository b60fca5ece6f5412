/*
Package storage provides BoltDB-backed checkpoint persistence for the Agent.

Two buckets keep the small amount of state that must survive Agent restarts:

	committed_indexes  pipeline_id -> last committed event index (uint64)
	mtime_caches       pipeline_id -> JSON map of directory path -> mtime

The committed index lets a recovering pipeline resume its bus subscription
near where it left off instead of forcing a full snapshot; the mtime cache
lets the first audit after a restart skip directories that have not changed.
Losing the file is safe: the pipeline falls back to a supplemental snapshot
and a cold audit.
*/
package storage
