package cmd

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"grimm.is/warden/internal/brand"
)

// RunStop signals the daemon and waits for it to remove its pid file.
func RunStop() error {
	pid, ok := runningPID()
	if !ok {
		return fmt.Errorf("no running daemon found (pid file %s)", PIDFile())
	}

	Printer.Printf("Stopping %s (PID: %d)...\n", brand.Name, pid)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// Workflows and children get the daemon's full shutdown window
	deadline := time.Now().Add(shutdownTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(PIDFile()); errors.Is(err, os.ErrNotExist) {
			Printer.Println("Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	Printer.Println("Warning: PID file still exists. Process might be stuck or slow to shutdown.")
	return nil
}
