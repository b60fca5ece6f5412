/*
Package log provides structured logging for Tidemark using zerolog.

A single global logger is initialized once at process startup (from the CLI
flags) and components derive child loggers tagged with their component name,
so every line can be attributed to the pipeline, view, or server that wrote
it.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("session-manager")
	logger.Info().Str("view_id", viewID).Msg("Session created")
*/
package log
