package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
)

// Transport selection.
const (
	TransportAuto = "auto"
	TransportUnix = "unix"
	TransportTCP  = "tcp"
)

const (
	socketPrefix = "workflow_"
	socketSuffix = ".sock"

	// maxPortAttempts bounds the pseudo-random TCP port probe.
	maxPortAttempts = 100

	// Conservative sun_path limit (104 on BSD/macOS, 108 on Linux).
	maxSocketPath = 104
)

var (
	ErrChannelExists = errors.New("ipc: channel already exists")
	ErrServerClosed  = errors.New("ipc: server closed")
	ErrNoFreePort    = errors.New("ipc: no free port in range")
)

// ProxyHandler answers a proxy.call from an instance. The returned value is
// sent as proxy.result; an error becomes proxy.error. Calls and events of one
// instance are handled one at a time, in arrival order.
type ProxyHandler func(ctx context.Context, instanceID string, call *protocol.Message) (json.RawMessage, error)

// EventHandler receives every non-proxy message of an instance, in order.
type EventHandler func(instanceID string, msg *protocol.Message)

// DisconnectHandler is told when an instance's connection closes without
// the channel having been closed by the server.
type DisconnectHandler func(instanceID string)

// Options configures a Server.
type Options struct {
	SocketDir string
	Transport string // auto, unix or tcp
	PortMin   int
	PortMax   int

	ProxyHandler      ProxyHandler
	EventHandler      EventHandler
	DisconnectHandler DisconnectHandler

	Logger *logging.Logger
}

// Server hosts per-instance channels.
type Server struct {
	opts   Options
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
	wg       sync.WaitGroup
}

type channel struct {
	id       string
	addr     Address
	listener net.Listener

	mu      sync.Mutex
	conn    *Conn
	closing bool
}

// NewServer creates a channel server.
func NewServer(opts Options) *Server {
	if opts.Transport == "" {
		opts.Transport = TransportAuto
	}
	if opts.PortMin <= 0 {
		opts.PortMin = 49152
	}
	if opts.PortMax <= 0 || opts.PortMax < opts.PortMin {
		opts.PortMax = 65535
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger).WithComponent("ipc"),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
	}
}

// SocketPath returns the socket file used for an instance.
func (s *Server) SocketPath(instanceID string) string {
	return filepath.Join(s.opts.SocketDir, socketPrefix+instanceID+socketSuffix)
}

// CreateChannel opens a listener for an instance and starts accepting the
// executor's connection.
func (s *Server) CreateChannel(instanceID string) (Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Address{}, ErrServerClosed
	}
	if _, ok := s.channels[instanceID]; ok {
		return Address{}, fmt.Errorf("%w: %s", ErrChannelExists, instanceID)
	}

	ln, addr, err := s.listen(instanceID)
	if err != nil {
		return Address{}, err
	}

	ch := &channel{id: instanceID, addr: addr, listener: ln}
	s.channels[instanceID] = ch

	s.wg.Add(1)
	go s.accept(ch)

	s.logger.Debug("channel created", "instance", instanceID, "network", addr.Network(), "address", addr.String())
	return addr, nil
}

func (s *Server) listen(instanceID string) (net.Listener, Address, error) {
	useUnix := s.opts.Transport == TransportUnix ||
		(s.opts.Transport == TransportAuto && runtime.GOOS != "windows")

	if useUnix {
		path := s.SocketPath(instanceID)
		ln, err := s.listenUnix(path)
		if err == nil {
			return ln, Address{SocketPath: path}, nil
		}
		if s.opts.Transport == TransportUnix {
			return nil, Address{}, err
		}
		s.logger.Warn("unix socket unavailable, falling back to tcp", "instance", instanceID, "error", err)
	}

	ln, port, err := s.listenTCP()
	if err != nil {
		return nil, Address{}, err
	}
	return ln, Address{TCPPort: port}, nil
}

func (s *Server) listenUnix(path string) (net.Listener, error) {
	if len(path) >= maxSocketPath {
		return nil, fmt.Errorf("socket path too long (%d bytes): %s", len(path), path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	// A stale file from a previous run would make Listen fail.
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return ln, nil
}

func (s *Server) listenTCP() (net.Listener, int, error) {
	span := s.opts.PortMax - s.opts.PortMin + 1
	for range maxPortAttempts {
		port := s.opts.PortMin + rand.IntN(span)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w [%d, %d]", ErrNoFreePort, s.opts.PortMin, s.opts.PortMax)
}

func (s *Server) accept(ch *channel) {
	defer s.wg.Done()
	for {
		raw, err := ch.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", "instance", ch.id, "error", err)
			}
			return
		}

		conn := NewConn(raw)
		ch.mu.Lock()
		if ch.closing {
			ch.mu.Unlock()
			conn.Close()
			return
		}
		prev := ch.conn
		ch.conn = conn
		ch.mu.Unlock()
		if prev != nil {
			s.logger.Warn("replacing existing connection", "instance", ch.id)
			prev.Close()
		}

		s.wg.Add(1)
		go s.serve(ch, conn)
	}
}

// serve reads one connection until it closes.
func (s *Server) serve(ch *channel, conn *Conn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("channel handler panicked", "instance", ch.id, "panic", r)
		}
	}()

	s.logger.Debug("executor connected", "instance", ch.id)
	for {
		msg, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", "instance", ch.id, "error", err)
			}
			break
		}
		if msg.IsProxyCall() {
			s.answer(ch, conn, msg)
			continue
		}
		if msg.IsProxyResponse() {
			continue
		}
		if s.opts.EventHandler != nil {
			s.opts.EventHandler(ch.id, msg)
		}
	}
	if n := conn.Dropped(); n > 0 {
		s.logger.Debug("dropped malformed lines", "instance", ch.id, "count", n)
	}

	conn.Close()
	ch.mu.Lock()
	current := ch.conn == conn
	if current {
		ch.conn = nil
	}
	closing := ch.closing
	ch.mu.Unlock()

	if current && !closing {
		s.logger.Debug("executor disconnected", "instance", ch.id)
		if s.opts.DisconnectHandler != nil {
			s.opts.DisconnectHandler(ch.id)
		}
	}
}

// answer runs the proxy handler for one call and writes the response. It
// runs on the read loop, so later messages wait for the call to finish.
func (s *Server) answer(ch *channel, conn *Conn, call *protocol.Message) {
	var resp *protocol.Message
	if s.opts.ProxyHandler == nil {
		resp = protocol.NewProxyError(call.RequestID, errors.New("no proxy handler"))
	} else {
		result, err := s.safeProxy(ch.id, call)
		if err != nil {
			resp = protocol.NewProxyError(call.RequestID, err)
		} else {
			resp = protocol.NewProxyResult(call.RequestID, result)
		}
	}
	resp.InstanceID = ch.id

	if err := conn.Send(resp); err != nil {
		s.logger.Debug("proxy response not delivered", "instance", ch.id, "request", call.RequestID, "error", err)
	}
}

func (s *Server) safeProxy(instanceID string, call *protocol.Message) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("proxy handler panicked: %v", r)
		}
	}()
	return s.opts.ProxyHandler(s.ctx, instanceID, call)
}

// SendProxyResponse writes a response to an instance's live connection.
// It returns false when the instance has no connection.
func (s *Server) SendProxyResponse(instanceID string, msg *protocol.Message) bool {
	s.mu.Lock()
	ch, ok := s.channels[instanceID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.Send(msg) == nil
}

// Connected reports whether an executor is connected to the channel.
func (s *Server) Connected(instanceID string) bool {
	s.mu.Lock()
	ch, ok := s.channels[instanceID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Address returns the address of an open channel.
func (s *Server) Address(instanceID string) (Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[instanceID]
	if !ok {
		return Address{}, false
	}
	return ch.addr, true
}

// Channels returns the ids of open channels, sorted.
func (s *Server) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseChannel closes an instance's listener and connection and removes its
// socket file. Unknown ids are ignored.
func (s *Server) CloseChannel(instanceID string) {
	s.mu.Lock()
	ch, ok := s.channels[instanceID]
	delete(s.channels, instanceID)
	s.mu.Unlock()
	if ok {
		s.closeChannel(ch)
	}
}

func (s *Server) closeChannel(ch *channel) {
	ch.mu.Lock()
	ch.closing = true
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	ch.listener.Close()
	if conn != nil {
		conn.Close()
	}
	if ch.addr.SocketPath != "" {
		if err := os.Remove(ch.addr.SocketPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove socket", "path", ch.addr.SocketPath, "error", err)
		}
	}
	s.logger.Debug("channel closed", "instance", ch.id)
}

// Shutdown closes every channel and waits for connection handlers to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	chans := make([]*channel, 0, len(s.channels))
	for id, ch := range s.channels {
		chans = append(chans, ch)
		delete(s.channels, id)
	}
	s.mu.Unlock()

	s.cancel()
	for _, ch := range chans {
		s.closeChannel(ch)
	}
	s.wg.Wait()
	s.logger.Info("channel server stopped", "channels", len(chans))
}

// CleanOrphanedChannels removes socket files in the socket directory whose
// instance id is neither in activeIDs nor served by this server.
func (s *Server) CleanOrphanedChannels(activeIDs []string) (int, error) {
	if s.opts.SocketDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.opts.SocketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	keep := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		keep[id] = true
	}
	s.mu.Lock()
	for id := range s.channels {
		keep[id] = true
	}
	s.mu.Unlock()

	removed := 0
	for _, e := range entries {
		id, ok := instanceFromSocket(e.Name())
		if !ok || keep[id] {
			continue
		}
		path := filepath.Join(s.opts.SocketDir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove orphaned socket", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed orphaned channels", "count", removed)
	}
	return removed, nil
}

func instanceFromSocket(name string) (string, bool) {
	if !strings.HasPrefix(name, socketPrefix) || !strings.HasSuffix(name, socketSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, socketPrefix), socketSuffix)
	return id, id != ""
}
