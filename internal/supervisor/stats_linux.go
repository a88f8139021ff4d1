//go:build linux

package supervisor

import (
	"fmt"

	"github.com/prometheus/procfs"
)

func collectStats(pid int) (Stats, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return Stats{}, fmt.Errorf("open /proc/%d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Stats{}, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}
	return Stats{
		PID:        pid,
		CPUSeconds: stat.CPUTime(),
		RSSBytes:   uint64(stat.ResidentMemory()),
		Threads:    stat.NumThreads,
	}, nil
}
