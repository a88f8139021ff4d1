package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/validation"
)

// RunOptions configures a one-shot workflow run.
type RunOptions struct {
	ConfigFile string
	Workflow   string
	Input      string // JSON text, "@file", "-" for stdin, or empty
	Persist    bool   // record the instance in the daemon's state database
	Verbose    bool   // print step transitions to stderr
	Timeout    time.Duration
	Stdout     io.Writer
}

// RunWorkflow runs one workflow to completion in this process and prints its
// output. Ctrl-C cancels the instance.
func RunWorkflow(opts RunOptions) error {
	if opts.Workflow == "" {
		return errors.New("workflow name required")
	}
	input, err := ReadInput(opts.Input)
	if err != nil {
		return err
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	cfg, err := config.LoadFileOrDefault(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if !opts.Verbose && cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	if !opts.Persist {
		// Keep channels away from a daemon sharing the configured socket dir
		dir, err := os.MkdirTemp("", brand.LowerName+"-run-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		cfg.IPC.SocketDir = dir
		if validation.ValidateSocketDir(dir, config.SocketNameReserve) != nil {
			cfg.IPC.Transport = "tcp"
		}
	}
	rt, err := NewRuntime(cfg, RuntimeOptions{InMemory: !opts.Persist})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rt.Supervisor.Start()
	if opts.Verbose {
		ch := rt.Hub.Subscribe(64, events.EventWorkflowStep, events.EventWorkflowProgress)
		defer rt.Hub.Unsubscribe(ch)
		go printSteps(ctx, ch)
	}

	inst, err := rt.Orchestrator.Start(ctx, opts.Workflow, input, map[string]any{"source": "cli"})
	if err != nil {
		return err
	}

	final, err := rt.Orchestrator.Wait(ctx, inst.ID)
	if err != nil {
		// Interrupted: cancel the instance and report where it stopped
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if final, cerr := rt.Orchestrator.Cancel(cctx, inst.ID); cerr == nil {
			return fmt.Errorf("workflow %s cancelled at step %q", final.ID, final.CurrentStep)
		}
		return err
	}

	switch final.Status {
	case orchestrator.StatusCompleted:
		return writeJSON(opts.Stdout, final.Output)
	case orchestrator.StatusCancelled:
		return fmt.Errorf("workflow %s cancelled", final.ID)
	default:
		return fmt.Errorf("workflow %s %s at step %q: %s", final.ID, final.Status, final.CurrentStep, final.Error)
	}
}

func printSteps(ctx context.Context, ch <-chan events.Event) {
	for {
		var e events.Event
		select {
		case <-ctx.Done():
			return
		case e = <-ch:
		}
		d, ok := e.Data.(events.WorkflowData)
		if !ok {
			continue
		}
		switch e.Type {
		case events.EventWorkflowStep:
			Printer.Fprintf(os.Stderr, "  -> %s (%s)\n", d.Step, d.Status)
		case events.EventWorkflowProgress:
			Printer.Fprintf(os.Stderr, "  .. %.0f%%\n", d.Progress)
		}
	}
}

// ReadInput parses workflow input given on the command line. "@path" reads
// the file at path and "-" reads stdin.
func ReadInput(arg string) (json.RawMessage, error) {
	var data []byte
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("input is not valid JSON: %s", truncate(string(data), 80))
	}
	return json.RawMessage(data), nil
}

// writeJSON pretty-prints raw JSON, or "null" when empty.
func writeJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
