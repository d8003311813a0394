/*
Package log provides structured logging for Hutch using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initialize once at process startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then derive component or entity scoped loggers:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("tenant_id", tenant).Msg("claimed item")

	log.WithItemID(id).Warn().Msg("byte file missing, removing record")

Field helpers exist for the three entity ids that recur across the
codebase: WithTenantID, WithItemID and WithVolumeID. Console output
(JSONOutput false) is intended for interactive use only.
*/
package log
