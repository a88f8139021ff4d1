package ipc

import (
	"net"
	"sync"
	"time"

	"grimm.is/warden/internal/protocol"
)

// Conn is one end of a channel connection. Writes are serialized so
// concurrent senders never interleave lines.
type Conn struct {
	raw     net.Conn
	reader  *protocol.Reader
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		raw:    c,
		reader: protocol.NewReader(c),
		closed: make(chan struct{}),
	}
}

// Send writes one message. The timestamp is filled in when unset.
func (c *Conn) Send(m *protocol.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	line, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.raw.Write(line)
	return err
}

// Receive blocks for the next well-formed message. Only one goroutine may
// receive at a time.
func (c *Conn) Receive() (*protocol.Message, error) {
	return c.reader.Next()
}

// Dropped reports how many malformed lines have been discarded.
func (c *Conn) Dropped() int {
	return c.reader.Dropped
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}
