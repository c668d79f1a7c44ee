// Package debuglog is the append-only diagnostic sink of the MCP bridge.
//
// stdout carries protocol frames only, so diagnostics are written to a file, one
// line per event:
//
//	[2025-01-02T15:04:05.000Z] pid=4242 stdin data bytes=120
//
// The sink never blocks dispatch on a broken file: every write opens the file in
// append mode, writes, and closes it again, and any failure along the way is
// dropped.
package debuglog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is the UTC millisecond timestamp at the head of every line.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Sink writes diagnostic events. A nil *Sink is valid and discards everything.
type Sink struct {
	logger *logrus.Logger
	path   string
}

// New returns a Sink appending to the file at path. The file is created on the
// first event.
func New(path string) *Sink {
	return newSink(&appendWriter{path: path}, path)
}

// NewWriter returns a Sink writing to w. Write errors from w are ignored.
func NewWriter(w io.Writer) *Sink {
	return newSink(quietWriter{w: w}, "")
}

// Discard returns a Sink that drops every event.
func Discard() *Sink {
	return newSink(io.Discard, "")
}

func newSink(out io.Writer, path string) *Sink {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&LineFormatter{PID: os.Getpid()})
	logger.SetLevel(logrus.DebugLevel)
	return &Sink{logger: logger, path: path}
}

// Path returns the file the sink appends to, or "" for writer-backed sinks.
func (s *Sink) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Printf records one event.
func (s *Sink) Printf(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.logger.Debugf(format, args...)
}

// WithFields records one event with key=value pairs appended to the message.
func (s *Sink) WithFields(fields logrus.Fields) *logrus.Entry {
	if s == nil {
		return logrus.NewEntry(discardLogger)
	}
	return s.logger.WithFields(fields)
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// LineFormatter renders an entry as "[timestamp] pid=N message k=v...".
type LineFormatter struct {
	PID int
}

// Format implements logrus.Formatter.
func (f *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] pid=%d %s", entry.Time.UTC().Format(TimestampFormat), f.PID, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// appendWriter opens path for every write so that the file can be truncated or
// removed by an external log viewer while the bridge keeps running.
type appendWriter struct {
	path string
}

func (w *appendWriter) Write(p []byte) (int, error) {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return len(p), nil
	}
	_, _ = f.Write(p)
	_ = f.Close()
	return len(p), nil
}

type quietWriter struct {
	w io.Writer
}

func (q quietWriter) Write(p []byte) (int, error) {
	_, _ = q.w.Write(p)
	return len(p), nil
}
