// Package logging provides the process-wide structured logger. It follows
// the platform's historical pattern of a single configured logrus instance,
// intelligent stdout/stderr stream routing, and a hook that mirrors
// trace-correlated entries into the shared store for the dashboard
// inspector.
package logging

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the platform's standard logging levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config configures the logger.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Service    string
	Version    string
	TimeFormat string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// New builds a configured logrus.Logger with output split between stdout and
// stderr based on level, and the service/version fields attached to every
// entry.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: cfg.TimeFormat, FullTimestamp: true})
	}

	logger.SetOutput(&outputSplitter{stdout: os.Stdout, stderr: os.Stderr})

	if cfg.Service != "" {
		logger.AddHook(fieldsHook{"service": cfg.Service, "version": cfg.Version})
	}
	return logger
}

// fieldsHook adds a fixed set of fields to every entry that does not
// already carry them.
type fieldsHook logrus.Fields

func (h fieldsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h fieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// outputSplitter routes formatted error-level lines to stderr and everything
// else to stdout, so containerized/scripted environments can treat the two
// streams differently.
type outputSplitter struct {
	stdout io.Writer
	stderr io.Writer
}

func (s *outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return s.stderr.Write(p)
	}
	return s.stdout.Write(p)
}

// EntrySink receives log entries that should be persisted alongside their
// trace/span correlation for the dashboard inspector.
type EntrySink interface {
	WriteLogEntry(e LogEntry) error
}

// LogEntry mirrors the shared store's log table row.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Service   string
	Message   string
	TraceID   string
	SpanID    string
	Fields    map[string]interface{}
}

// StoreHook is a logrus.Hook that forwards entries carrying an active trace
// or span id into an EntrySink. It never blocks logging on sink failures: a
// failed mirror write is dropped, never re-logged (that would recurse).
type StoreHook struct {
	sink    EntrySink
	service string
}

// NewStoreHook builds a hook that mirrors into sink every entry carrying a
// trace_id or span_id field.
func NewStoreHook(sink EntrySink, service string) *StoreHook {
	return &StoreHook{sink: sink, service: service}
}

func (h *StoreHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *StoreHook) Fire(entry *logrus.Entry) error {
	traceID, _ := entry.Data["trace_id"].(string)
	spanID, _ := entry.Data["span_id"].(string)
	if traceID == "" && spanID == "" {
		return nil
	}
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if k == "trace_id" || k == "span_id" {
			continue
		}
		fields[k] = v
	}
	_ = h.sink.WriteLogEntry(LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Service:   h.service,
		Message:   entry.Message,
		TraceID:   traceID,
		SpanID:    spanID,
		Fields:    fields,
	})
	return nil
}
