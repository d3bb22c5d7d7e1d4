package consumer

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"task-pipeline/domain"
)

const (
	tracerName          = "task-pipeline/notification-service/consumer"
	deliverySpanName    = "notification.queue.deliver"
	deliveryEventName   = "notification.queue.delivery"
	deliveryEventDomain = "app"

	attrQueue       = "messaging.destination.name"
	attrDeliveryTag = "messaging.rabbitmq.delivery_tag"
	attrOutcome     = "notification.delivery.outcome"
	attrEventType   = "notification.event.type"
	attrUser        = "notification.user_id"
	attrTotalMillis = "notification.delivery.total_ms"

	outcomeRouted    = "routed"
	outcomeNoSubject = "no_subject"
	outcomeMalformed = "malformed"
	outcomeRequeued  = "requeued"
)

type deliveryMetrics struct {
	logger    log.FieldLogger
	span      trace.Span
	start     time.Time
	queue     string
	tag       uint64
	eventType string
	userID    string
}

func newDeliveryMetrics(ctx context.Context, logger log.FieldLogger, queue string, tag uint64) (*deliveryMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, deliverySpanName, trace.WithSpanKind(trace.SpanKindConsumer))
	return &deliveryMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		queue:  queue,
		tag:    tag,
	}, ctx
}

func (m *deliveryMetrics) SetEvent(env domain.Envelope) {
	m.eventType = env.Type
	m.userID = env.UserID
}

// Finish ends the span and emits the observability event for the delivery.
func (m *deliveryMetrics) Finish(outcome string, err error) {
	if m == nil {
		return
	}
	total := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForOutcome(outcome, err)

	kv := []attribute.KeyValue{
		attribute.String(attrQueue, m.queue),
		attribute.Int64(attrDeliveryTag, int64(m.tag)),
		attribute.String(attrOutcome, outcome),
		attribute.Float64(attrTotalMillis, total),
	}
	attrs := map[string]any{
		attrQueue:       m.queue,
		attrDeliveryTag: m.tag,
		attrOutcome:     outcome,
		attrTotalMillis: total,
	}
	if m.eventType != "" {
		kv = append(kv, attribute.String(attrEventType, m.eventType))
		attrs[attrEventType] = m.eventType
	}
	if m.userID != "" {
		kv = append(kv, attribute.String(attrUser, m.userID))
		attrs[attrUser] = m.userID
	}

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", deliveryEventName),
		attribute.String("event.domain", deliveryEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, kv...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(kv...)
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
	if outcome == outcomeRequeued && err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}

	fields := log.Fields{
		"event.name":      deliveryEventName,
		"event.domain":    deliveryEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if sc := m.span.SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.span.End()

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

func severityForOutcome(outcome string, err error) (string, int) {
	switch outcome {
	case outcomeRequeued:
		return "ERROR", 17
	case outcomeMalformed, outcomeNoSubject:
		return "WARN", 13
	}
	if err != nil {
		return "ERROR", 17
	}
	return "INFO", 9
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
