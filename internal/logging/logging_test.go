package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	entries []LogEntry
}

func (s *recordingSink) WriteLogEntry(e LogEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func TestNew_JSONFormatterAttachesServiceFields(t *testing.T) {
	logger := New(Config{Level: LevelInfo, Format: "json", Service: "edgerun", Version: "1.0"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	var out recordingWriter
	logger.SetOutput(&out)
	logger.Info("hello")
	assert.Contains(t, string(out.data), `"service":"edgerun"`)
	assert.Contains(t, string(out.data), `"version":"1.0"`)
}

func TestOutputSplitter_RoutesErrorLevelToStderr(t *testing.T) {
	var stdout, stderr recordingWriter
	splitter := &outputSplitter{stdout: &stdout, stderr: &stderr}

	_, err := splitter.Write([]byte(`{"level":"error","msg":"boom"}`))
	require.NoError(t, err)
	assert.Empty(t, stdout.data)
	assert.NotEmpty(t, stderr.data)
}

func TestOutputSplitter_RoutesInfoToStdout(t *testing.T) {
	var stdout, stderr recordingWriter
	splitter := &outputSplitter{stdout: &stdout, stderr: &stderr}

	_, err := splitter.Write([]byte(`{"level":"info","msg":"hello"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, stdout.data)
	assert.Empty(t, stderr.data)
}

func TestStoreHook_SkipsEntriesWithoutTraceContext(t *testing.T) {
	sink := &recordingSink{}
	hook := NewStoreHook(sink, "edgerun")

	entry := &logrus.Entry{Logger: logrus.New(), Message: "no trace here", Data: logrus.Fields{}}
	require.NoError(t, hook.Fire(entry))
	assert.Empty(t, sink.entries)
}

func TestStoreHook_ForwardsEntriesWithTraceContext(t *testing.T) {
	sink := &recordingSink{}
	hook := NewStoreHook(sink, "edgerun")

	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Message: "handled request",
		Data: logrus.Fields{
			"trace_id": "abc123",
			"span_id":  "def456",
			"status":   200,
		},
	}
	require.NoError(t, hook.Fire(entry))
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "abc123", sink.entries[0].TraceID)
	assert.Equal(t, 200, sink.entries[0].Fields["status"])
	_, hasTraceID := sink.entries[0].Fields["trace_id"]
	assert.False(t, hasTraceID)
}

type recordingWriter struct {
	data []byte
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
