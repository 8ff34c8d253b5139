package proc

import (
	"sort"

	"github.com/winwalk/winwalk/pkg/unwind"
	"github.com/winwalk/winwalk/pkg/winutil"
)

// Thread is one thread of the target with its captured register context.
type Thread struct {
	ID  uint32
	TEB uint64

	Context *winutil.AMD64CONTEXT
}

// UnwindContext returns the thread's integer registers as the starting
// point for a stack walk.
func (th *Thread) UnwindContext() unwind.Context {
	return th.Context.UnwindContext()
}

// Target is a debuggee whose state can be inspected: a minidump or a live
// suspended process. All access is read only.
type Target struct {
	Mem     MemoryReader
	Modules *ModuleList
	Threads map[uint32]*Thread

	CurrentThread *Thread
	Pid           uint32
}

// SortedThreads returns the target's threads ordered by ID.
func (t *Target) SortedThreads() []*Thread {
	out := make([]*Thread, 0, len(t.Threads))
	for _, th := range t.Threads {
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
