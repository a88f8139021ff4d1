package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Address locates a channel. Exactly one field is set.
type Address struct {
	SocketPath string `json:"socketPath,omitempty"`
	TCPPort    int    `json:"tcpPort,omitempty"`
}

// IsZero reports whether no address is set.
func (a Address) IsZero() bool {
	return a.SocketPath == "" && a.TCPPort == 0
}

// Network returns "unix" or "tcp".
func (a Address) Network() string {
	if a.SocketPath != "" {
		return "unix"
	}
	return "tcp"
}

func (a Address) String() string {
	if a.SocketPath != "" {
		return a.SocketPath
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(a.TCPPort))
}

// ErrNoAddress is returned when dialing an empty Address.
var ErrNoAddress = errors.New("ipc: no channel address")

// Dial connects to a channel.
func Dial(ctx context.Context, addr Address) (*Conn, error) {
	if addr.IsZero() {
		return nil, ErrNoAddress
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	c, err := d.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", addr.Network(), addr, err)
	}
	return NewConn(c), nil
}
