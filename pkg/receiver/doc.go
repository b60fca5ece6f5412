/*
Package receiver implements the Fusion HTTP surface: session lifecycle,
event ingest, consistency signals (audit markers, sentinel tasks and
feedback) and the read-only views query API.

Every pipe-facing request authenticates with an opaque X-API-Key header that
resolves to a configured pipe; the receiver itself holds no consistency
state — it translates wire requests into session-manager and pipeline calls
and maps the errdefs taxonomy onto status codes, including the protocol's
non-standard 419 (session obsoleted).
*/
package receiver
