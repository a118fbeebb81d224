package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evalgo/edgerun/internal/store"
)

func TestNewProvider_RecordsSpanToStore(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	p, err := NewProvider(ctx, s, Config{ServiceName: "edgerun", ServiceID: "test", Version: "dev", SamplingRatio: 1.0})
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	tracer := p.Tracer("test")
	_, span := tracer.Start(ctx, "unit-test-span")
	span.AddEvent("checkpoint")
	span.End()

	var count int
	row := s.DB.QueryRow(`SELECT COUNT(*) FROM spans WHERE name = ?`, "unit-test-span")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)

	var eventCount int
	row = s.DB.QueryRow(`SELECT COUNT(*) FROM span_events WHERE name = ?`, "checkpoint")
	require.NoError(t, row.Scan(&eventCount))
	require.Equal(t, 1, eventCount)
}
