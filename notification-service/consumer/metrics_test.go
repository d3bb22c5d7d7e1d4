package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"task-pipeline/domain"
)

func TestDeliveryMetricsProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	m, _ := newDeliveryMetrics(context.Background(), logger, "task_events", 42)
	m.start = m.start.Add(-5 * time.Millisecond)
	m.SetEvent(domain.Deleted("alice", "t1"))
	m.Finish(outcomeRouted, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Message != "observability.event" {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if got := entry.Data["event.name"]; got != deliveryEventName {
		t.Fatalf("unexpected event name: %v", got)
	}
	if entry.Data["severity_text"] != "INFO" || entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity: %v/%v", entry.Data["severity_text"], entry.Data["severity_number"])
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrs[attrOutcome] != outcomeRouted || attrs[attrUser] != "alice" || attrs[attrEventType] != domain.TaskDeleted {
		t.Fatalf("unexpected attributes: %#v", attrs)
	}
	if total, ok := attrs[attrTotalMillis].(float64); !ok || total == 0 {
		t.Fatalf("expected total duration, got %#v", attrs[attrTotalMillis])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != deliverySpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if tag, ok := spanAttrs[attrDeliveryTag].(int64); !ok || tag != 42 {
		t.Fatalf("unexpected delivery tag on span: %#v", spanAttrs[attrDeliveryTag])
	}

	var event sdktrace.Event
	for _, ev := range span.Events {
		if ev.Name == "observability.event" {
			event = ev
			break
		}
	}
	if event.Name == "" {
		t.Fatalf("expected observability.event span event, got %#v", span.Events)
	}
	if got := attributesToMap(event.Attributes)["event.domain"]; got != deliveryEventDomain {
		t.Fatalf("unexpected event.domain attribute: %#v", got)
	}
}

func TestDeliveryMetricsRequeueSetsErrorStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	boom := errors.New("relay unavailable")
	m, _ := newDeliveryMetrics(context.Background(), logger, "task_events", 1)
	m.Finish(outcomeRequeued, boom)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	span := exporter.GetSpans()[0]
	if span.Status.Code != codes.Error {
		t.Fatalf("expected span status error, got %v", span.Status.Code)
	}
	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level, got %v", entry.Level)
	}
	if entry.Data["error"] != boom.Error() {
		t.Fatalf("expected error field, got %#v", entry.Data["error"])
	}
}

func TestSeverityForOutcome(t *testing.T) {
	tests := []struct {
		outcome    string
		err        error
		wantText   string
		wantNumber int
	}{
		{outcome: outcomeRouted, wantText: "INFO", wantNumber: 9},
		{outcome: outcomeNoSubject, wantText: "WARN", wantNumber: 13},
		{outcome: outcomeMalformed, err: errors.New("bad"), wantText: "WARN", wantNumber: 13},
		{outcome: outcomeRequeued, err: errors.New("down"), wantText: "ERROR", wantNumber: 17},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			gotText, gotNumber := severityForOutcome(tt.outcome, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("severityForOutcome(%s) = %s/%d, want %s/%d", tt.outcome, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func waitForLogEntry(t *testing.T, hook *test.Hook, timeout time.Duration) *log.Entry {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if entry := hook.LastEntry(); entry != nil {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected log entry within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
