package tracing

import (
	"context"
	"encoding/json"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/evalgo/edgerun/internal/store"
)

// storeProcessor is a sdktrace.SpanProcessor that persists every ended span
// (and its events) to the shared store's spans/span_events tables.
type storeProcessor struct {
	store *store.Store
}

func newStoreProcessor(s *store.Store) *storeProcessor {
	return &storeProcessor{store: s}
}

func (p *storeProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (p *storeProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	sc := s.SpanContext()
	parentID := ""
	if s.Parent().IsValid() {
		parentID = s.Parent().SpanID().String()
	}

	attrs := map[string]string{}
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	attrsJSON, _ := json.Marshal(attrs)

	_, err := p.store.DB.Exec(`
		INSERT INTO spans (span_id, trace_id, parent_span_id, name, kind, status, start_time, end_time, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(span_id) DO UPDATE SET end_time=excluded.end_time, status=excluded.status, attributes=excluded.attributes
	`, sc.SpanID().String(), sc.TraceID().String(), parentID, s.Name(), s.SpanKind().String(),
		s.Status().Code.String(), s.StartTime().UnixNano(), s.EndTime().UnixNano(), string(attrsJSON))
	if err != nil {
		return
	}

	for _, ev := range s.Events() {
		evAttrs := map[string]string{}
		for _, kv := range ev.Attributes {
			evAttrs[string(kv.Key)] = kv.Value.Emit()
		}
		evAttrsJSON, _ := json.Marshal(evAttrs)
		p.store.DB.Exec(`
			INSERT INTO span_events (span_id, name, time, attributes) VALUES (?, ?, ?, ?)
		`, sc.SpanID().String(), ev.Name, ev.Time.UnixNano(), string(evAttrsJSON))
	}
}

func (p *storeProcessor) Shutdown(ctx context.Context) error { return nil }

func (p *storeProcessor) ForceFlush(ctx context.Context) error { return nil }
