/*
Package agentpipe runs the Agent side of one source-to-Fusion pipeline.

Each pipeline is a small state machine around a session: the control loop
creates (and recreates) the session, waits for a role, and then either runs
the leader sequence — full snapshot, then realtime message sync with the
audit and sentinel loops in the background — or idles as a follower, still
forwarding realtime events so multi-mount deployments lose nothing.

Recovery policy: a 419 from the server means the session is gone and the
loop reconnects immediately without backoff; transient failures back off
exponentially (5s doubling, capped at 60s) and the counter resets on the
first healthy iteration. Heartbeats are adaptively suppressed while event
pushes keep the server informed of liveness and role.

The message phase prefers the shared event bus; position loss (eviction,
bus split) schedules a supplemental snapshot in parallel rather than
stopping the stream. Audit cycles always close with an end marker, even on
failure, so Fusion can finalize the cycle it opened.
*/
package agentpipe
