package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording events as OpenTelemetry
// spans.
//
// Each event becomes a short span named after its message, attributed with
// the execution and node identifiers plus the event fields. Error-level
// events set the span status to error so sampled traces surface failures.
//
// Setup follows the usual SDK wiring:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("relay"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span.
//
// When the event carries a "duration_ms" field, the span start time is
// backdated so the span length reflects the measured duration rather than
// the instant of emission.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()

	var opts []trace.SpanStartOption
	if ms, ok := durationMillis(event.Fields); ok {
		opts = append(opts, trace.WithTimestamp(event.At.Add(-time.Duration(ms)*time.Millisecond)))
	}

	_, span := o.tracer.Start(ctx, event.Msg, opts...)
	defer span.End(trace.WithTimestamp(event.At))

	span.SetAttributes(
		attribute.String("relay.execution_id", event.ExecutionID),
		attribute.String("relay.node_id", event.NodeID),
		attribute.String("relay.level", string(event.Level)),
	)
	if event.NodeExecutionID != "" {
		span.SetAttributes(attribute.String("relay.node_execution_id", event.NodeExecutionID))
	}
	o.addFieldAttributes(span, event.Fields)

	if event.Level == LevelError {
		msg := event.Msg
		if errText, ok := event.Fields["error"].(string); ok {
			msg = errText
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}

// Flush forces export of buffered spans. Call before shutdown so the last
// spans of an execution are not lost.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addFieldAttributes(span trace.Span, fields map[string]any) {
	for key, value := range fields {
		attrKey := "relay." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

func durationMillis(fields map[string]any) (int64, bool) {
	switch v := fields["duration_ms"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
