package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
)

// DefaultTimeout bounds a call when Options.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Caller issues remote calls. *Client implements it; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, target, service, method string, args ...any) (json.RawMessage, error)
}

// Conn is the transport a Client runs on. *ipc.Conn satisfies it.
type Conn interface {
	Send(m *protocol.Message) error
	Receive() (*protocol.Message, error)
	Close() error
}

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	Logger  *logging.Logger

	// OnMessage receives any message that is not a proxy response.
	OnMessage func(*protocol.Message)
}

type reply struct {
	msg *protocol.Message
	err error
}

// Client is the executor side of the proxy.
type Client struct {
	conn    Conn
	timeout time.Duration
	logger  *logging.Logger
	onMsg   func(*protocol.Message)

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan reply
	err     error // set once the connection is gone
	done    chan struct{}
}

// NewClient starts reading replies from conn. The client owns conn's
// receive side from here on; other goroutines may still Send on it.
func NewClient(conn Conn, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	c := &Client{
		conn:    conn,
		timeout: opts.Timeout,
		logger:  logging.OrDefault(opts.Logger).WithComponent("proxy"),
		onMsg:   opts.OnMessage,
		pending: make(map[uint64]chan reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a proxy.call and waits for its reply.
func (c *Client) Call(ctx context.Context, target, service, method string, args ...any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg, err := protocol.NewProxyCall(id, target, service, method, args...)
	if err != nil {
		return nil, fmt.Errorf("encode args for %s.%s: %w", service, method, err)
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Send(msg); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Type == protocol.MsgProxyError {
			return nil, &RemoteError{Target: target, Service: service, Method: method, Message: r.msg.Error}
		}
		return r.msg.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: %s %s.%s after %s", ErrTimeout, target, service, method, c.timeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// CallInto performs a call and decodes the result into out (which may be nil).
func (c *Client) CallInto(ctx context.Context, out any, target, service, method string, args ...any) error {
	return callInto(ctx, c, out, target, service, method, args...)
}

func callInto(ctx context.Context, caller Caller, out any, target, service, method string, args ...any) error {
	raw, err := caller.Call(ctx, target, service, method, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result of %s.%s: %w", service, method, err)
	}
	return nil
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed when the connection is lost or the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(ErrConnectionClosed)
	return err
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(ErrConnectionClosed)
			} else {
				c.fail(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			}
			return
		}

		if !msg.IsProxyResponse() {
			if c.onMsg != nil {
				c.onMsg(msg)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("reply for unknown request", "request", msg.RequestID)
			continue
		}
		ch <- reply{msg: msg}
	}
}

// fail rejects all pending calls with err and marks the client unusable.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
	if len(pending) > 0 {
		c.logger.Debug("rejected pending calls", "count", len(pending), "error", err)
	}
}
