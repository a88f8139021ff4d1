package scheduler

import (
	"context"
	"time"

	"grimm.is/warden/internal/logging"
)

// TaskRegistry holds references to daemon components for housekeeping tasks.
type TaskRegistry struct {
	PurgeExpired  func() int64
	ActiveIDs     func() []string
	CleanChannels func(activeIDs []string) (int, error)
	PruneAudit    func() (int64, error)
}

// NewCachePurgeTask creates a task that removes expired entries from the state store.
func NewCachePurgeTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "cache-purge",
		Name:        "Cache Purge",
		Description: "Remove expired entries from the state store",
		Schedule:    Every(interval),
		Enabled:     registry.PurgeExpired != nil,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if n := registry.PurgeExpired(); n > 0 {
				logging.Debug("purged expired entries", "count", n)
			}
			return nil
		},
	}
}

// NewChannelCleanupTask creates a task that removes socket files left behind
// by workflow instances that are no longer active.
func NewChannelCleanupTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "channel-cleanup",
		Name:        "Channel Cleanup",
		Description: "Remove orphaned workflow IPC socket files",
		Schedule:    Every(interval),
		Enabled:     registry.CleanChannels != nil && registry.ActiveIDs != nil,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			removed, err := registry.CleanChannels(registry.ActiveIDs())
			if removed > 0 {
				logging.Info("removed orphaned channels", "count", removed)
			}
			return err
		},
	}
}

// NewAuditPruneTask creates a task that drops audit events past retention.
func NewAuditPruneTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "audit-prune",
		Name:        "Audit Prune",
		Description: "Remove audit events older than the retention period",
		Schedule:    Every(interval),
		Enabled:     registry.PruneAudit != nil,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			n, err := registry.PruneAudit()
			if n > 0 {
				logging.Info("pruned audit events", "count", n)
			}
			return err
		},
	}
}
