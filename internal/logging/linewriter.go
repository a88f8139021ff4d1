package logging

import (
	"bytes"
	"context"
	"sync"
)

// LineWriter is an io.Writer that emits every complete line written to it as
// a log record. Child process stdout/stderr is attached to one of these so the
// output lands in the supervisor's log with the process id attached.
type LineWriter struct {
	logger *Logger
	level  Level
	mu     sync.Mutex
	buf    []byte
}

// NewLineWriter creates a LineWriter logging at the given level.
func NewLineWriter(logger *Logger, level Level) *LineWriter {
	return &LineWriter{logger: OrDefault(logger), level: level}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, string(line))
}
