package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogWriter appends timestamped child output to a single log file. Both
// streams of a process share one LogWriter; a mutex keeps lines whole.
type LogWriter struct {
	mu sync.Mutex
	f  *os.File
}

// OpenLogWriter opens (or creates) the log file at path in append mode.
func OpenLogWriter(path string) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening process log: %w", err)
	}
	return &LogWriter{f: f}, nil
}

// Close flushes any buffered partial lines and closes the file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// writeLine writes one prefixed line: [ISO8601] [LABEL] text.
func (w *LogWriter) writeLine(label string, line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	ts := time.Now().Format(time.RFC3339)
	fmt.Fprintf(w.f, "[%s] [%s] %s\n", ts, label, line)
}

// Stream returns a writer for one output stream (STDOUT or STDERR). Partial
// writes are buffered until a newline arrives.
func (w *LogWriter) Stream(label string) io.WriteCloser {
	return &stream{w: w, label: label}
}

type stream struct {
	w     *LogWriter
	label string
	buf   []byte
}

func (s *stream) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(s.buf[:i], []byte("\r"))
		s.w.writeLine(s.label, line)
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (s *stream) Close() error {
	if len(s.buf) > 0 {
		s.w.writeLine(s.label, s.buf)
		s.buf = nil
	}
	return nil
}
