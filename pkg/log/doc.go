/*
Package log provides structured logging for Roost using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component-scoped child loggers:

	logger := log.WithComponent("ingest")
	logger.Info().Str("device_id", id).Bool("created", created).Msg("heartbeat accepted")

Request handling attaches the correlation ID so 5xx responses and their log
lines can be matched:

	logger := log.WithRequestID(reqID)
	logger.Error().Err(err).Msg("dispatch failed")

Background jobs report failures as structured events and keep running:

	logger.Error().Str("error_type", "archive").Err(err).Msg("nightly.failed")

# Log Levels

  - debug: per-row detail (dedup hits, projection repairs)
  - info: lifecycle events (partition created, alert raised, device enrolled)
  - warn: recoverable anomalies (event queue overflow, skipped runs)
  - error: failed operations that surface to callers or retry later
*/
package log
