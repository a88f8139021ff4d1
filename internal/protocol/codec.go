package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Encode serializes m as a single newline-terminated JSON line.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DefaultMaxLine bounds one message line, newline included.
const DefaultMaxLine = 16 << 20

// Reader splits a byte stream into messages, one per line.
// Lines that are empty, not JSON, lack a type or exceed MaxLine are dropped.
type Reader struct {
	br *bufio.Reader

	// MaxLine caps the bytes buffered for one line; zero means DefaultMaxLine.
	MaxLine int

	// Dropped counts lines discarded as protocol noise.
	Dropped int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next well-formed message. It returns io.EOF when the
// stream ends; a trailing partial line without newline is still decoded.
func (r *Reader) Next() (*Message, error) {
	for {
		line, tooLong, err := r.readLine()
		switch {
		case tooLong:
			r.Dropped++
		case len(line) > 0:
			if m, ok := decodeLine(line); ok {
				return m, nil
			}
			if len(bytes.TrimSpace(line)) > 0 {
				r.Dropped++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// readLine reads up to and including the next newline. Once a line grows
// past MaxLine the rest of it is skipped without being buffered.
func (r *Reader) readLine() ([]byte, bool, error) {
	limit := r.MaxLine
	if limit <= 0 {
		limit = DefaultMaxLine
	}
	var (
		line    []byte
		tooLong bool
	)
	for {
		frag, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > limit {
				line, tooLong = nil, true
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

func decodeLine(line []byte) (*Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, false
	}
	if m.Type == "" {
		return nil, false
	}
	return &m, true
}
