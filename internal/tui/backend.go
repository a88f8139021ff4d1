package tui

import (
	"context"
	"time"

	"grimm.is/warden/internal/client"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/state"
)

// Snapshot is one poll of the daemon.
type Snapshot struct {
	Status    *client.StatusInfo
	Processes []*state.ProcessRecord
	Workflows []*orchestrator.Instance
	Taken     time.Time
}

// Backend defines the interface for data retrieval and actions.
type Backend interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	Cancel(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// ClientBackend reads a daemon through its HTTP API.
type ClientBackend struct {
	Client *client.HTTPClient
}

// Snapshot fetches status, processes and instances.
func (b *ClientBackend) Snapshot(ctx context.Context) (*Snapshot, error) {
	status, err := b.Client.Status(ctx)
	if err != nil {
		return nil, err
	}
	procs, err := b.Client.Processes(ctx, "")
	if err != nil {
		return nil, err
	}
	instances, err := b.Client.Workflows(ctx, orchestrator.Filter{})
	if err != nil {
		return nil, err
	}
	return &Snapshot{Status: status, Processes: procs, Workflows: instances, Taken: time.Now()}, nil
}

// Cancel cancels a running instance.
func (b *ClientBackend) Cancel(ctx context.Context, id string) error {
	_, err := b.Client.Cancel(ctx, id)
	return err
}

// Resume resumes a failed or cancelled instance.
func (b *ClientBackend) Resume(ctx context.Context, id string) error {
	_, err := b.Client.Resume(ctx, id)
	return err
}
