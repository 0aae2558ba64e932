package builder

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"buildops/shared/message"
)

// LogSink is the append-only, line oriented log of one run. Every line is
// written to the run's log file and forwarded to the notifier. Lines written
// after Close are dropped.
type LogSink struct {
	mu       sync.Mutex
	f        *os.File
	closed   bool
	targetID string
	runID    int
	notifier Notifier
	now      func() time.Time
}

// OpenLogSink creates (or appends to) the log file at path.
func OpenLogSink(path, targetID string, runID int, notifier Notifier) (*LogSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	return &LogSink{
		f:        f,
		targetID: targetID,
		runID:    runID,
		notifier: notifier,
		now:      time.Now,
	}, nil
}

func (s *LogSink) Path() string {
	return s.f.Name()
}

// Println appends one line.
func (s *LogSink) Println(line string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, _ = s.f.WriteString(line + "\n")
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.BuildLog(message.BuildLogMessage{
			TargetID:  s.targetID,
			RunID:     s.runID,
			LogEntry:  line,
			Timestamp: s.now(),
		})
	}
}

func (s *LogSink) Printf(format string, args ...interface{}) {
	s.Println(fmt.Sprintf(format, args...))
}

// Writer returns a writer that turns arbitrary tool output into log lines,
// splitting on both '\n' and '\r' so progress meters do not pile up in one
// line. Close flushes an unterminated last line.
func (s *LogSink) Writer() io.WriteCloser {
	return &lineWriter{sink: s}
}

func (s *LogSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

type lineWriter struct {
	mu   sync.Mutex
	sink *LogSink
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		if i > 0 {
			w.sink.Println(string(w.buf[:i]))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.sink.Println(string(w.buf))
		w.buf = nil
	}
	return nil
}
