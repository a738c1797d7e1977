// Package logging provides a minimal logging interface and adapters used
// throughout Ingenious.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the orchestrator, agents, retrieval backends and the
// ingest pipeline use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - StructuredLogger, a slog-backed logger with component and conversation
//     context plus helpers for model calls, retrieval and advances
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json"})
//	app := ingenious.New(func(o *ingenious.Options) { o.Logger = logger })
//
// Log keys are dotted (conversation.id, workflow.name, retrieval.passages).
package logging
