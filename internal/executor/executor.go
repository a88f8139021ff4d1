// Package executor is the entry point of an isolated workflow process.
//
// The orchestrator starts the same binary with a hidden subcommand and writes
// a protocol.Startup document to its stdin. The executor connects back to the
// instance's IPC channel, runs the named workflow from the shared registry
// and reports every step over the channel. Calls into main-process services
// travel through a proxy.Client on the same connection.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"grimm.is/warden/internal/ipc"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/proxy"
	"grimm.is/warden/internal/workflow"
)

// DefaultHeartbeatInterval is used when the startup document sets none.
const DefaultHeartbeatInterval = 5 * time.Second

// Exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
)

// Options configures Run.
type Options struct {
	Registry *workflow.Registry
	Stdin    io.Reader
	Stderr   io.Writer

	// Dial connects to the channel. Defaults to ipc.Dial.
	Dial func(ctx context.Context, addr ipc.Address) (*ipc.Conn, error)
}

// ReadStartup decodes and validates the startup document.
func ReadStartup(r io.Reader) (*protocol.Startup, error) {
	var st protocol.Startup
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return nil, fmt.Errorf("read startup: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &st, nil
}

// Main runs the executor against the process's stdin and returns the exit code.
func Main(ctx context.Context, reg *workflow.Registry) int {
	err := Run(ctx, Options{Registry: reg, Stdin: os.Stdin, Stderr: os.Stderr})
	if err != nil {
		return ExitFailed
	}
	return ExitOK
}

// Run executes one workflow instance. It returns nil only when the workflow
// completed.
func Run(ctx context.Context, opts Options) error {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Dial == nil {
		opts.Dial = ipc.Dial
	}
	logging.SetPrefix("warden-exec")
	boot := logging.New(logging.Config{Level: logging.LevelInfo, Output: opts.Stderr}).WithComponent("executor")

	st, err := ReadStartup(opts.Stdin)
	if err != nil {
		boot.Error("invalid startup", "error", err)
		return err
	}
	level, err := logging.ParseLevel(st.LogLevel)
	if err != nil {
		boot.Warn("ignoring log level", "error", err)
	}
	boot.SetLevel(level)

	addr := ipc.Address{SocketPath: st.SocketPath, TCPPort: st.TCPPort}
	conn, err := opts.Dial(ctx, addr)
	if err != nil {
		boot.Error("connect to orchestrator failed", "instance", st.InstanceID, "error", err)
		return err
	}

	// From here on logs travel over the channel.
	logger := boot.ReplaceHandler(newIPCHandler(conn, st.InstanceID, boot.Leveler())).
		WithComponent("executor").
		WithFields(map[string]any{"instance": st.InstanceID})

	client := proxy.NewClient(conn, proxy.Options{Timeout: st.ProxyTimeout, Logger: logger})
	defer client.Close()

	if err := conn.Send(&protocol.Message{Type: protocol.MsgReady, InstanceID: st.InstanceID, Timestamp: time.Now()}); err != nil {
		boot.Error("handshake failed", "instance", st.InstanceID, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	interval := st.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		heartbeat(ctx, conn, st.InstanceID, interval)
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	def, err := opts.Registry.Get(st.WorkflowName)
	if err != nil {
		_ = conn.Send(&protocol.Message{Type: protocol.MsgFailed, InstanceID: st.InstanceID, Timestamp: time.Now(), Error: err.Error()})
		logger.Error("unknown workflow", "workflow", st.WorkflowName)
		return err
	}

	runner := workflow.NewRunner(def, workflow.RunnerOptions{
		Emitter: conn,
		Caller:  client,
		Logger:  logger,
	})
	_, err = runner.Run(ctx, workflow.RunState{
		InstanceID:  st.InstanceID,
		Input:       st.Input,
		StepResults: st.StepResults,
		CurrentStep: st.CurrentStep,
		PrevOutput:  st.PrevOutput,
		Metadata:    st.Metadata,
	})
	if err != nil {
		if errors.Is(err, proxy.ErrConnectionClosed) || isClosed(client) {
			boot.Warn("connection to orchestrator lost", "instance", st.InstanceID, "error", err)
		}
		return err
	}
	return nil
}

func isClosed(c *proxy.Client) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// heartbeat sends a heartbeat every interval until ctx ends.
func heartbeat(ctx context.Context, out workflow.Emitter, instanceID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := out.Send(&protocol.Message{Type: protocol.MsgHeartbeat, InstanceID: instanceID, Timestamp: now}); err != nil {
				return
			}
		}
	}
}
