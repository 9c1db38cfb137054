/*
Package log provides structured logging for Hutch using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Hutch packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithSession: Add session ID context
  - WithWorker: Add pet-server index context

# Usage

Initializing the Logger:

	import "github.com/cuemby/hutch/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("Arbiter started")
	log.Warn("High RSS detected")
	log.Error("Failed to reach KV store")

Structured Logging:

	log.Logger.Info().
		Str("session_id", "a1b2c3").
		Int("pet_idx", 2).
		Msg("Session created")

Component Loggers:

	arbiterLog := log.WithComponent("arbiter")
	arbiterLog.Info().Msg("Starting supervisor loops")

	sessLog := log.WithSession(session.ID)
	sessLog.Info().Str("route", "run").Msg("Dispatching call")

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"arbiter","pet_idx":1,"time":"2024-10-13T10:30:00Z","message":"Restarted pet-server"}
	{"level":"error","component":"session","session_id":"a1b2c3","error":"lock wait timed out","time":"2024-10-13T10:30:02Z","message":"Call failed"}

Console Format (Development):

	2024-10-13T10:30:00Z INF Restarted pet-server component=arbiter pet_idx=1
	2024-10-13T10:30:02Z ERR Call failed component=session session_id=a1b2c3 error="lock wait timed out"

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for error objects
  - Include context (session ID, pet index, generation)

Don't:
  - Log proof-state payloads at Info level (use Debug)
  - Use Debug level in production
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
