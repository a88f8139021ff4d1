package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/ipc"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
)

var quiet = logging.New(logging.Config{Output: io.Discard})

// pair returns a client and the orchestrator end of its connection.
func pair(t *testing.T, timeout time.Duration) (*Client, *ipc.Conn) {
	t.Helper()
	a, b := net.Pipe()
	client := NewClient(ipc.NewConn(a), Options{Timeout: timeout, Logger: quiet})
	remote := ipc.NewConn(b)
	t.Cleanup(func() {
		client.Close()
		remote.Close()
	})
	return client, remote
}

// serve answers calls on remote with handler until the connection closes.
func serve(remote *ipc.Conn, handler func(*protocol.Message) *protocol.Message) {
	go func() {
		for {
			msg, err := remote.Receive()
			if err != nil {
				return
			}
			if resp := handler(msg); resp != nil {
				if err := remote.Send(resp); err != nil {
					return
				}
			}
		}
	}()
}

func TestClient_Result(t *testing.T) {
	client, remote := pair(t, time.Second)
	serve(remote, func(m *protocol.Message) *protocol.Message {
		return protocol.NewProxyResult(m.RequestID, json.RawMessage(fmt.Sprintf(`{"method":%q,"args":%d}`, m.Method, len(m.Args))))
	})

	raw, err := client.Call(context.Background(), protocol.TargetCore, "cache", "get", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"get","args":1}`, string(raw))

	var out struct {
		Method string `json:"method"`
	}
	require.NoError(t, client.CallInto(context.Background(), &out, protocol.TargetPlugin, "svc", "ping"))
	assert.Equal(t, "ping", out.Method)
	assert.Zero(t, client.Pending())
}

func TestClient_RemoteError(t *testing.T) {
	client, remote := pair(t, time.Second)
	serve(remote, func(m *protocol.Message) *protocol.Message {
		return protocol.NewProxyError(m.RequestID, errors.New("card declined"))
	})

	_, err := client.Call(context.Background(), protocol.TargetPlugin, "payments", "charge", 10)
	require.Error(t, err)

	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, "card declined", remoteErr.Message)
	assert.Equal(t, "payments", remoteErr.Service)
	assert.Equal(t, "charge", remoteErr.Method)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestClient_Timeout(t *testing.T) {
	client, remote := pair(t, 50*time.Millisecond)
	serve(remote, func(*protocol.Message) *protocol.Message { return nil })

	start := time.Now()
	_, err := client.Call(context.Background(), protocol.TargetCore, "cache", "get", "k")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var remoteErr *RemoteError
	assert.False(t, errors.As(err, &remoteErr))
	assert.Zero(t, client.Pending(), "timed out call is removed from the pending table")
}

func TestClient_LateReplyIgnored(t *testing.T) {
	client, remote := pair(t, 30*time.Millisecond)
	release := make(chan struct{})
	serve(remote, func(m *protocol.Message) *protocol.Message {
		if m.Method == "slow" {
			<-release
		}
		return protocol.NewProxyResult(m.RequestID, json.RawMessage(`"`+m.Method+`"`))
	})

	_, err := client.Call(context.Background(), protocol.TargetCore, "svc", "slow")
	assert.ErrorIs(t, err, ErrTimeout)
	close(release)

	raw, err := client.Call(context.Background(), protocol.TargetCore, "svc", "fast")
	require.NoError(t, err)
	assert.Equal(t, `"fast"`, string(raw))
}

func TestClient_ContextCancel(t *testing.T) {
	client, remote := pair(t, time.Minute)
	serve(remote, func(*protocol.Message) *protocol.Message { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, protocol.TargetCore, "cache", "get", "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ConnectionLossRejectsPending(t *testing.T) {
	client, remote := pair(t, time.Minute)

	received := make(chan struct{}, 3)
	serve(remote, func(*protocol.Message) *protocol.Message {
		received <- struct{}{}
		return nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = client.Call(context.Background(), protocol.TargetCore, "svc", "hang")
		}()
	}
	for range errs {
		<-received
	}
	remote.Close()
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	_, err := client.Call(context.Background(), protocol.TargetCore, "svc", "after")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClient_CorrelatesOutOfOrderReplies(t *testing.T) {
	client, remote := pair(t, 2*time.Second)

	// Hold the first two calls and answer them in reverse.
	var (
		mu   sync.Mutex
		held []*protocol.Message
		ids  []uint64
	)
	serve(remote, func(m *protocol.Message) *protocol.Message {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, m.RequestID)
		held = append(held, m)
		if len(held) < 2 {
			return nil
		}
		go func(first *protocol.Message) {
			_ = remote.Send(protocol.NewProxyResult(first.RequestID, first.Args[0]))
		}(held[0])
		return protocol.NewProxyResult(m.RequestID, m.Args[0])
	})

	results := make(chan string, 2)
	for _, v := range []string{"one", "two"} {
		go func() {
			raw, err := client.Call(context.Background(), protocol.TargetCore, "svc", "echo", v)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			var s string
			_ = json.Unmarshal(raw, &s)
			results <- v + "=" + s
		}()
	}

	got := []string{<-results, <-results}
	assert.ElementsMatch(t, []string{"one=one", "two=two"}, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
	assert.Positive(t, ids[0])
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	client, remote := pair(t, time.Second)
	var seen []uint64
	serve(remote, func(m *protocol.Message) *protocol.Message {
		seen = append(seen, m.RequestID)
		return protocol.NewProxyResult(m.RequestID, nil)
	})

	for range 5 {
		raw, err := client.Call(context.Background(), protocol.TargetCore, "svc", "noop")
		require.NoError(t, err)
		assert.Equal(t, "null", string(raw))
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)
}

func TestClient_OnMessage(t *testing.T) {
	a, b := net.Pipe()
	got := make(chan *protocol.Message, 1)
	client := NewClient(ipc.NewConn(a), Options{Logger: quiet, OnMessage: func(m *protocol.Message) { got <- m }})
	remote := ipc.NewConn(b)
	defer client.Close()
	defer remote.Close()

	require.NoError(t, remote.Send(&protocol.Message{Type: protocol.MsgEvent, Name: "ping"}))
	select {
	case m := <-got:
		assert.Equal(t, "ping", m.Name)
	case <-time.After(time.Second):
		t.Fatal("OnMessage not called")
	}
}
