/*
Package fusiond is the Fusion runtime manager: it builds view handlers,
per-pipe dispatch pipelines and receiver HTTP servers from the YAML
configuration, runs the session-expiry and suspect-cleanup loops, and
applies pipe-level configuration changes on the fly. Receiver and view
definitions bind sockets and own live state, so changing them takes a
restart.
*/
package fusiond
