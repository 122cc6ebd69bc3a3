// Tracing instrumentation for the dispatch engine.
package dispatch

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/conclave/internal/worker"
)

// startCallSpan starts a span for a single worker call.
func startCallSpan(ctx context.Context, workerName string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "worker."+workerName)
	span.SetAttributes(attribute.String("worker.name", workerName))
	return ctx, span
}

// endCallSpan ends the call span with the response outcome.
func endCallSpan(span trace.Span, resp worker.Response) {
	span.SetAttributes(
		attribute.String("dispatch.status", string(resp.Status())),
	)
	if resp.Error != "" {
		span.SetAttributes(attribute.String("dispatch.error", resp.Error))
	}
	tracer := telemetry.GetTracer()
	if tracer.Debug() && resp.Content != "" {
		span.SetAttributes(attribute.String("worker.content", truncateForLog(resp.Content, 2000)))
	}
	span.End()
}

// startBatchSpan starts a span for a parallel fan-out.
func startBatchSpan(ctx context.Context, names []string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "dispatch.parallel")
	span.SetAttributes(
		attribute.String("dispatch.workers", strings.Join(names, ",")),
		attribute.Int("dispatch.count", len(names)),
	)
	return ctx, span
}

// endBatchSpan ends the fan-out span with counts per outcome.
func endBatchSpan(span trace.Span, results map[string]worker.Response) {
	var ok, timedOut, failed int
	for _, r := range results {
		switch r.Status() {
		case worker.StatusSuccess:
			ok++
		case worker.StatusTimeout:
			timedOut++
		default:
			failed++
		}
	}
	span.SetAttributes(
		attribute.Int("dispatch.success", ok),
		attribute.Int("dispatch.timeout", timedOut),
		attribute.Int("dispatch.failed", failed),
	)
	span.End()
}

// startRetrySpan starts a span for a retried task.
func startRetrySpan(ctx context.Context, query string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "dispatch.retry")
	span.SetAttributes(attribute.String("retry.query", truncateForLog(query, 200)))
	return ctx, span
}

// endRetrySpan ends the retry span.
func endRetrySpan(span trace.Span, res RetryResult) {
	span.SetAttributes(
		attribute.Bool("retry.success", res.Success),
		attribute.Int("retry.count", res.RetryCount),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.End()
}

// truncateForLog truncates a string for logging purposes, keeping whole runes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
