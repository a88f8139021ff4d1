package cmd

import (
	"time"

	"grimm.is/warden/internal/tui"
)

// RunTop opens the live dashboard for the daemon at ep.
func RunTop(ep Endpoint, interval time.Duration) error {
	remote, err := NewRemote(ep)
	if err != nil {
		return err
	}
	return tui.Run(&tui.ClientBackend{Client: remote.Client}, interval)
}
