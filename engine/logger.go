package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayforge/relay/engine/emit"
)

// logWriteTimeout bounds the persistence write of a single log event.
const logWriteTimeout = 5 * time.Second

// Logger records execution log events.
//
// Every event is persisted through the Gateway and mirrored to the
// configured emitter. Persistence is best effort: a failed write is
// reported on the local process logger and the event is still emitted, so
// a struggling database never stalls or fails a running node.
type Logger struct {
	gw      Gateway
	emitter emit.Emitter
	local   zerolog.Logger
	now     func() time.Time
}

// NewLogger creates a Logger. Any argument may be nil: a nil gateway skips
// persistence, a nil emitter skips mirroring and a nil local logger
// discards write-failure reports.
func NewLogger(gw Gateway, emitter emit.Emitter, local *zerolog.Logger) *Logger {
	l := &Logger{
		gw:      gw,
		emitter: emitter,
		local:   zerolog.Nop(),
		now:     time.Now,
	}
	if local != nil {
		l.local = *local
	}
	return l
}

// Event records one log event, assigning its ID and timestamp if unset.
//
// The persistence write is detached from the caller's cancellation so
// events produced while an execution is being cancelled still land in the
// log, bounded by logWriteTimeout.
func (l *Logger) Event(ctx context.Context, ev emit.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = l.now().UTC()
	}
	if ev.Level == "" {
		ev.Level = emit.LevelInfo
	}

	if l.gw != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
		if err := l.gw.AppendLogEvent(wctx, ev); err != nil {
			l.local.Warn().Err(err).
				Str("executionId", ev.ExecutionID).
				Str("nodeId", ev.NodeID).
				Msg("log event write failed")
		}
		cancel()
	}

	if l.emitter != nil {
		l.emitter.Emit(ev)
	}
}

// LogNode records an event scoped to one node execution.
func (ec *ExecutionContext) LogNode(ctx context.Context, level emit.Level, nodeID, nodeExecutionID, msg string, fields map[string]any) {
	ec.Log.Event(ctx, emit.Event{
		ExecutionID:     ec.ExecutionID,
		NodeExecutionID: nodeExecutionID,
		NodeID:          nodeID,
		Level:           level,
		Msg:             msg,
		Fields:          fields,
	})
}

// LogExecution records an execution-level event such as a status
// transition.
func (ec *ExecutionContext) LogExecution(ctx context.Context, level emit.Level, msg string, fields map[string]any) {
	ec.Log.Event(ctx, emit.Event{
		ExecutionID: ec.ExecutionID,
		Level:       level,
		Msg:         msg,
		Fields:      fields,
	})
}
