/*
Package log provides structured logging for segmentd components using zerolog.

Init configures a process-global logger (JSON for production, console for
development); components derive child loggers with bound fields:

	logger := log.WithComponent("allocator")
	logger.Info().Str("site", site).Str("cluster", cluster).Msg("segment allocated")

Invariant violations are always logged at error level with a "violation"
field before being surfaced, so they are observable even when a caller
mishandles the returned error.
*/
package log
