// Package audit defines the event recorder Granary calls on every scaling
// action, circuit-breaker state transition, and migration step. The storage
// and format of events belong to an external observability collaborator;
// this package ships a structured-log default so the module runs standalone.
package audit

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event categories used across the coordinator.
const (
	CategoryScaling   = "scaling"
	CategoryBreaker   = "circuit_breaker"
	CategoryMigration = "migration"
	CategoryAdmin     = "admin"
)

// Recorder receives audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// Event records one audit event.
	Event(category, message string, success bool)
}

// LogRecorder writes audit events to a zerolog logger, tagging each with a
// unique event ID.
type LogRecorder struct {
	log zerolog.Logger
}

// NewLogRecorder creates a log-backed recorder.
func NewLogRecorder(log zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: log.With().Str("component", "audit").Logger()}
}

// Event records one audit event.
func (r *LogRecorder) Event(category, message string, success bool) {
	evt := r.log.Info()
	if !success {
		evt = r.log.Warn()
	}
	evt.
		Str("event_id", uuid.NewString()).
		Str("category", category).
		Bool("success", success).
		Msg(message)
}

// NopRecorder discards all events. Tests only.
type NopRecorder struct{}

// Event discards the event.
func (NopRecorder) Event(string, string, bool) {}
