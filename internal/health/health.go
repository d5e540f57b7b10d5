// Package health samples process resource usage for the broker's /status
// debug endpoint (spec.md §4.6, SPEC_FULL.md §4.6). The teacher's own
// go.mod carries github.com/shirou/gopsutil/v3 but no in-tree file
// exercises it (see DESIGN.md); this package is the first concrete user of
// that dependency, following gopsutil's standard public API directly.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time resource reading for the current process.
type Snapshot struct {
	UptimeSeconds float64
	Goroutines    int
	RSSBytes      uint64
}

// Sampler reads process resource usage on demand, grounded in the
// teacher's polling-loop style (a stateful helper wrapping an external
// library, not a bare function) so it can memoize the process handle and
// start time across repeated calls.
type Sampler struct {
	proc      *process.Process
	startedAt time.Time
}

// NewSampler builds a Sampler for the current process.
func NewSampler() (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: proc, startedAt: time.Now()}, nil
}

// Sample takes a resource snapshot. RSSBytes is left at zero if gopsutil
// cannot read /proc (or the platform equivalent) for this process; the
// broker's /status endpoint still returns the rest of the snapshot.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	return snap
}
