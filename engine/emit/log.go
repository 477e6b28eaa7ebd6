package emit

import (
	"github.com/rs/zerolog"
)

// LogEmitter implements Emitter on top of a zerolog logger.
//
// Every event becomes one structured log line carrying the execution and
// node identifiers plus the event fields. Example output in console mode:
//
//	INF node finished executionId=a1b2 nodeId=send-email status=succeeded duration_ms=41
//
// Use this as the process-local mirror of persisted execution logs.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing through the given logger.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit writes the event as a structured log line at the event's level.
func (l *LogEmitter) Emit(event Event) {
	var ev *zerolog.Event
	switch event.Level {
	case LevelDebug:
		ev = l.log.Debug()
	case LevelWarn:
		ev = l.log.Warn()
	case LevelError:
		ev = l.log.Error()
	default:
		ev = l.log.Info()
	}

	ev = ev.Str("executionId", event.ExecutionID)
	if event.NodeID != "" {
		ev = ev.Str("nodeId", event.NodeID)
	}
	if event.NodeExecutionID != "" {
		ev = ev.Str("nodeExecutionId", event.NodeExecutionID)
	}
	if len(event.Fields) > 0 {
		ev = ev.Fields(event.Fields)
	}
	ev.Msg(event.Msg)
}
