package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/warden/internal/demo"
	"grimm.is/warden/internal/executor"
)

// RunExecutor turns this process into a workflow executor. The orchestrator
// writes the instance assignment to stdin; the return value is the exit code.
func RunExecutor() int {
	// SIGTERM from the supervisor cancels the running step
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	// An interactive Ctrl-C reaches the whole process group; leave it to the
	// orchestrator to decide what happens to the instance.
	signal.Ignore(os.Interrupt)
	return executor.Main(ctx, demo.Registry())
}
