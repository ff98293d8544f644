/*
Package log provides structured logging for snowbridge using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("sync-engine")
	logger.Info().Str("table", "incident").Int("count", 42).Msg("sync pass complete")

Child loggers carry contextual fields so every line emitted by a subsystem is
attributable without repeating the field at each call site:

  - WithComponent("hybrid")    component=hybrid
  - WithTicket(sysID)          sys_id=<32-hex>
  - WithTable("incident")      table=incident
  - WithClient(clientID)       client_id=<uuid>

The global logger is safe for concurrent use. Init should be called once from
the composition root before any subsystem starts.
*/
package log
