//go:build !linux

package supervisor

func collectStats(pid int) (Stats, error) {
	return Stats{}, ErrStatsUnsupported
}
