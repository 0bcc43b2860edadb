// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// It converts synchronization diagnostics into OTel spans so snapshot and
// delta application, rejections, and resync requests are visible in any
// OpenTelemetry-compatible backend.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/statesync/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/statesync"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(event.Timestamp))

	attrs := []attribute.KeyValue{
		attribute.String("statesync.event.kind", string(event.Kind)),
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("statesync.run.id", event.RunID))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("statesync.status", string(event.Status)))
	}
	if event.EventType != "" {
		attrs = append(attrs, attribute.String("statesync.event.type", event.EventType))
	}
	if event.OpCount > 0 {
		attrs = append(attrs, attribute.Int("statesync.delta.ops", event.OpCount))
	}
	if event.Error != "" {
		attrs = append(attrs, attribute.String("statesync.error", truncate(event.Error, 1024)))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("statesync.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	if event.Status == observe.StatusRejected {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusApplied {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(event.Timestamp))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "statesync.run"
	case observe.KindSnapshot:
		return "statesync.snapshot"
	case observe.KindDelta:
		return "statesync.delta"
	case observe.KindResync:
		return "statesync.resync"
	default:
		return "statesync.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
