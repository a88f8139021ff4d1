package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/state"
)

// RecoveryReport summarizes RecoverOrphans.
type RecoveryReport struct {
	Adopted []string `json:"adopted"`
	Crashed []string `json:"crashed"`
	Stopped []string `json:"stopped"`
}

// RecoverOrphans reconciles records left active by a previous supervisor.
// Live PIDs are adopted as orphaned and watched; running records whose PID is
// gone become crashed; dead orphans become stopped. Call it before spawning.
func (s *Supervisor) RecoverOrphans(ctx context.Context) (*RecoveryReport, error) {
	recs, err := s.store.ListProcesses(state.ProcessFilter{
		Statuses: []state.ProcessStatus{state.StatusSpawning, state.StatusRunning, state.StatusOrphaned},
	})
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		s.mu.Lock()
		_, ours := s.procs[rec.ID]
		s.mu.Unlock()
		if ours {
			continue
		}

		if rec.PID > 0 && processAlive(rec.PID) {
			if err := s.adopt(rec); err != nil {
				s.logger.Warn("failed to adopt orphan", "id", rec.ID, "error", err)
				continue
			}
			report.Adopted = append(report.Adopted, rec.ID)
			continue
		}

		if rec.Status == state.StatusOrphaned {
			if err := s.finishOrphan(rec.ID); err != nil {
				s.logger.Warn("failed to close orphan", "id", rec.ID, "error", err)
				continue
			}
			report.Stopped = append(report.Stopped, rec.ID)
			continue
		}

		crashed, err := s.store.UpdateProcess(rec.ID, func(r *state.ProcessRecord) error {
			if err := transition(r, state.StatusCrashed); err != nil {
				return err
			}
			r.StoppedAt = s.clock.Now()
			r.ConsecutiveFailures++
			r.Error = "process not found after supervisor restart"
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to close stale record", "id", rec.ID, "error", err)
			continue
		}
		s.emitCrashed(crashed, -1)
		report.Crashed = append(report.Crashed, rec.ID)
	}

	s.logger.Info("orphan recovery complete",
		"adopted", len(report.Adopted), "crashed", len(report.Crashed), "stopped", len(report.Stopped))
	return report, nil
}

func (s *Supervisor) adopt(rec *state.ProcessRecord) error {
	adopted := rec
	if rec.Status != state.StatusOrphaned {
		var err error
		adopted, err = s.store.UpdateProcess(rec.ID, func(r *state.ProcessRecord) error {
			if r.Status == state.StatusSpawning {
				// Never reached running; treat the live PID as running first.
				r.Status = state.StatusRunning
			}
			if err := transition(r, state.StatusOrphaned); err != nil {
				return err
			}
			r.LastHeartbeat = s.clock.Now()
			return nil
		})
		if err != nil {
			return err
		}
	}

	cfg, _ := DecodeConfig(adopted)
	m := &managed{
		id:    adopted.ID,
		name:  adopted.Name,
		pid:   adopted.PID,
		cfg:   cfg,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	close(m.ready)

	s.mu.Lock()
	s.procs[m.id] = m
	s.mu.Unlock()

	s.logger.Info("adopted orphan", "id", adopted.ID, "name", adopted.Name, "pid", adopted.PID)
	s.hub.EmitProcess(events.EventProcessOrphaned, processData(adopted))
	return nil
}

// finishOrphan records that an adopted process went away. Its exit status is
// unknowable, so it is recorded as stopped.
func (s *Supervisor) finishOrphan(id string) error {
	rec, err := s.store.UpdateProcess(id, func(r *state.ProcessRecord) error {
		if err := transition(r, state.StatusStopped); err != nil {
			return err
		}
		r.StoppedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("orphan exited", "id", id, "pid", rec.PID)
	s.hub.EmitProcess(events.EventProcessStopped, processData(rec))
	return nil
}

// CheckLiveness probes one process and reports whether it is alive. A
// process that missed its heartbeat deadline is killed and recorded as
// crashed; a vanished orphan is recorded as stopped.
func (s *Supervisor) CheckLiveness(id string) (bool, error) {
	s.mu.Lock()
	m, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.Get(id); err != nil {
			return false, err
		}
		return false, nil
	}

	if m.cmd == nil && !processAlive(m.pid) {
		s.mu.Lock()
		s.forgetLocked(m)
		s.mu.Unlock()
		return false, s.finishOrphan(id)
	}

	if s.opts.HeartbeatTimeout <= 0 {
		return processAlive(m.pid), nil
	}

	rec, err := s.store.GetProcess(id)
	if err != nil {
		return false, err
	}
	// Heartbeats arrive over an IPC channel; processes without one are exempt.
	if rec.SocketPath == "" && rec.TCPPort == 0 {
		return processAlive(m.pid), nil
	}
	since := s.clock.Since(rec.LastHeartbeat)
	if since <= s.opts.HeartbeatTimeout {
		return processAlive(m.pid), nil
	}

	reason := fmt.Sprintf("heartbeat timeout: no heartbeat for %s", since.Round(time.Millisecond))
	s.logger.Warn("process missed heartbeat, killing", "id", id, "pid", m.pid, "since", since)

	if m.cmd != nil {
		// onExit records the crash once the kill is reaped.
		s.mu.Lock()
		m.crashReason = reason
		s.mu.Unlock()
		_ = kill(m.pid)
		return false, nil
	}

	s.mu.Lock()
	s.forgetLocked(m)
	s.mu.Unlock()
	_ = kill(m.pid)
	s.handleCrash(id, m.cfg, -1, reason)
	return false, nil
}

// checkAll is the periodic liveness task.
func (s *Supervisor) checkAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.CheckLiveness(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// sampleStats is the periodic stats task.
func (s *Supervisor) sampleStats(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*managed, 0, len(s.procs))
	for _, m := range s.procs {
		procs = append(procs, m)
	}
	s.mu.Unlock()

	for _, m := range procs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := collectStats(m.pid)
		if errors.Is(err, ErrStatsUnsupported) {
			return nil
		}
		if err != nil {
			s.logger.Debug("stats sample failed", "id", m.id, "error", err)
			continue
		}
		s.hub.EmitProcess(events.EventProcessStats, events.ProcessStatsData{
			ID:         m.id,
			Name:       m.name,
			PID:        m.pid,
			CPUSeconds: st.CPUSeconds,
			RSSBytes:   st.RSSBytes,
			Threads:    st.Threads,
		})
	}
	return nil
}
