package telemetry

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog the way evalgo-org-eve's tracing.Logger does:
// JSON structured output by default, with correlation fields attached
// per session/step rather than per HTTP request.
type Logger struct {
	log zerolog.Logger
}

// NewLogger builds a JSON structured logger for production use. writer
// defaults to os.Stdout when nil.
func NewLogger(writer io.Writer, serviceName string) *Logger {
	if writer == nil {
		writer = os.Stdout
	}
	log := zerolog.New(writer).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	return &Logger{log: log}
}

// NewConsoleLogger builds a human-readable logger for local development.
func NewConsoleLogger(serviceName string) *Logger {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	return &Logger{log: log}
}

// WithSession returns a logger with session_id attached to every entry.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{log: l.log.With().Str("session_id", sessionID).Logger()}
}

// WithStep returns a logger with step_id and role attached.
func (l *Logger) WithStep(stepID, role string) *Logger {
	return &Logger{log: l.log.With().Str("step_id", stepID).Str("role", role).Logger()}
}

func (l *Logger) Info() *zerolog.Event  { return l.log.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.log.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.log.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.log.Debug() }

// Raw returns the underlying zerolog.Logger for callers that need direct
// access (e.g. wiring into an http middleware's logger field).
func (l *Logger) Raw() zerolog.Logger { return l.log }
