// Package log provides the structured logger used across forge's core
// subsystems. It wraps arbor.ILogger (itself backed by phuslu/log) so
// every component logs through the same interface regardless of backend.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"
)

// Logger wraps arbor.ILogger to provide a consistent interface to every
// subsystem. Subsystems take a *Logger by constructor parameter; there is
// no package-level default.
type Logger struct {
	arbor.ILogger
}

// discardWriter implements writers.IWriter and drops everything written to
// it. Used by NewSilent so tests don't spam stderr or fall through to
// globally registered writers.
type discardWriter struct{}

func (w *discardWriter) Write(p []byte) (int, error)           { return len(p), nil }
func (w *discardWriter) WithLevel(_ log.Level) writers.IWriter  { return w }
func (w *discardWriter) GetFilePath() string                   { return "" }
func (w *discardWriter) Close() error                           { return nil }

// writerAdapter adapts an arbitrary io.Writer into arbor's IWriter so logs
// can be redirected to, say, a test buffer or a file opened by the caller.
type writerAdapter struct {
	out   io.Writer
	level log.Level
}

func (w *writerAdapter) Write(p []byte) (int, error) {
	var evt models.LogEvent
	if err := json.Unmarshal(p, &evt); err != nil {
		return w.out.Write(p)
	}
	if evt.Level < w.level {
		return len(p), nil
	}
	msg := evt.Message
	for k, v := range evt.Fields {
		msg += fmt.Sprintf(" %s=%v", k, v)
	}
	if evt.Error != "" {
		msg += fmt.Sprintf(" error=%s", evt.Error)
	}
	msg += "\n"
	return w.out.Write([]byte(msg))
}

func (w *writerAdapter) WithLevel(level log.Level) writers.IWriter {
	w.level = level
	return w
}

func (w *writerAdapter) GetFilePath() string { return "" }
func (w *writerAdapter) Close() error        { return nil }

// New creates a logger at the given level with a console writer (stderr)
// and an in-memory writer for diagnostics.
func New(level string) *Logger {
	l := arbor.NewLogger().
		WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			Writer:     os.Stderr,
			TimeFormat: "2006-01-02T15:04:05Z07:00",
		}).
		WithMemoryWriter(models.WriterConfiguration{
			Type: models.LogWriterTypeMemory,
		}).
		WithLevelFromString(level)

	return &Logger{ILogger: l}
}

// NewWithOutput creates a logger writing to an arbitrary output, for
// callers whose logs should go somewhere other than stderr.
func NewWithOutput(level string, w io.Writer) *Logger {
	adapter := &writerAdapter{out: w, level: log.TraceLevel}
	arbor.RegisterWriter(arbor.WRITER_CONSOLE, adapter)

	l := arbor.NewLogger().
		WithMemoryWriter(models.WriterConfiguration{Type: models.LogWriterTypeMemory}).
		WithLevelFromString(level)

	return &Logger{ILogger: l}
}

// NewSilent creates a logger that discards everything. Used by tests that
// don't want to assert on log output or pollute test runs with noise.
func NewSilent() *Logger {
	return &Logger{ILogger: arbor.NewLogger().WithWriters([]writers.IWriter{&discardWriter{}})}
}

// WithJobID returns a derived logger correlated to a job, so every log line
// for a job's lifetime (lease, heartbeat, settlement) can be grepped by ID.
func (l *Logger) WithJobID(jobID string) *Logger {
	return &Logger{ILogger: l.ILogger.WithCorrelationId(jobID)}
}
