// Package diag exposes kernel-internal counters for offline inspection:
// physical-frame ownership, exported as a pprof profile viewable with
// any pprof-compatible tool, and a process-table snapshot. Both exist so
// frame conservation and the set of processes still registered in the
// process table (exit unregisters a process at once) can be checked from
// outside the package, mirroring biscuit's Stats2String
// counter dump.
package diag

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"nachos/defs"
	"nachos/mem"
	"nachos/proc"
)

/// FrameProfile builds a pprof snapshot of frame ownership: one sample per
/// process currently owning at least one frame, valued at its frame count.
/// Free frames are omitted entirely; there is nothing to attribute them
/// to.
func FrameProfile(alloc *mem.Allocator) *profile.Profile {
	owners := alloc.Snapshot()

	counts := make(map[defs.Pid_t]int64)
	order := make([]defs.Pid_t, 0)
	for _, owner := range owners {
		if owner == mem.NoOwner {
			continue
		}
		if _, seen := counts[owner]; !seen {
			order = append(order, owner)
		}
		counts[owner]++
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "frames", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "frames", Unit: "count"},
		Period:     1,
	}

	for i, pid := range order {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: fmt.Sprintf("pid-%d", pid)}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{counts[pid]},
			Label:    map[string][]string{"pid": {fmt.Sprintf("%d", pid)}},
		})
	}
	return p
}

/// WriteFrameProfile writes FrameProfile's gzip-encoded pprof encoding to w,
/// the format `nachos load --pprof` hands off to any pprof-compatible
/// viewer.
func WriteFrameProfile(alloc *mem.Allocator, w io.Writer) error {
	return FrameProfile(alloc).Write(w)
}

/// ProcessSnapshot is one process table row, flattened for display or
/// comparison in tests.
type ProcessSnapshot struct {
	Pid      defs.Pid_t
	Parent   defs.Pid_t
	Exited   bool
	Abnormal bool
	ExitCode int
	Joined   bool
}

/// ProcessSnapshots returns a diagnostic snapshot of every process currently
/// registered in t.
func ProcessSnapshots(t *proc.Table) []ProcessSnapshot {
	pids := t.Pids()
	out := make([]ProcessSnapshot, 0, len(pids))
	for _, pid := range pids {
		p, ok := t.Lookup(pid)
		if !ok {
			continue
		}
		code, abnormal, exited := p.ExitCode()
		out = append(out, ProcessSnapshot{
			Pid:      p.Pid,
			Parent:   p.Parent,
			Exited:   exited,
			Abnormal: abnormal,
			ExitCode: code,
			Joined:   p.Joined(),
		})
	}
	return out
}
