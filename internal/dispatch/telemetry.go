// ABOUTME: OpenTelemetry spans and metrics for tool calls
// ABOUTME: Uses the global providers; without an SDK configured they are no-ops

package dispatch

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/2389/toolgate/internal/dispatch"

type telemetry struct {
	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func newTelemetry(logger *slog.Logger) *telemetry {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	calls, err := meter.Int64Counter("toolgate.tool_calls",
		metric.WithDescription("Tool calls by tool, source, and outcome"),
	)
	if err != nil {
		logger.Warn("tool call counter unavailable", "error", err)
		calls, _ = fallback.Int64Counter("toolgate.tool_calls")
	}

	duration, err := meter.Float64Histogram("toolgate.tool_call.duration",
		metric.WithDescription("Tool call latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("tool call histogram unavailable", "error", err)
		duration, _ = fallback.Float64Histogram("toolgate.tool_call.duration")
	}

	return &telemetry{
		tracer:   otel.Tracer(instrumentationName),
		calls:    calls,
		duration: duration,
	}
}

func (t *telemetry) start(ctx context.Context, call Call, userID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "toolgate.execute_tool",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("toolgate.call_id", call.ID),
			attribute.String("toolgate.tool", call.ToolName),
			attribute.String("toolgate.user_id", userID),
		),
	)
}

func (t *telemetry) finish(ctx context.Context, span trace.Span, res *Result) {
	outcome := "success"
	if res.IsError {
		outcome = string(res.ErrorKind)
	}

	span.SetAttributes(
		attribute.String("toolgate.source", res.Source),
		attribute.String("toolgate.delegate_id", res.DelegateID),
		attribute.String("toolgate.outcome", outcome),
	)
	if res.IsError {
		span.SetStatus(codes.Error, res.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	attrs := metric.WithAttributes(
		attribute.String("tool", res.ToolName),
		attribute.String("source", res.Source),
		attribute.String("outcome", outcome),
	)
	t.calls.Add(ctx, 1, attrs)
	t.duration.Record(ctx, res.Duration.Seconds(), attrs)
}
