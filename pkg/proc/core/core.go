// Package core implements opening Windows minidump files as unwind
// targets. A dump contains everything the unwinder needs: the thread
// contexts, the loaded module list with their in-memory PE images, and
// the saved memory ranges.
package core

import (
	"errors"
	"sort"

	"github.com/winwalk/winwalk/pkg/logflags"
	"github.com/winwalk/winwalk/pkg/proc"
	"github.com/winwalk/winwalk/pkg/proc/core/minidump"
)

// ErrUnrecognizedFormat is returned when the file is not a minidump.
var ErrUnrecognizedFormat = errors.New("unrecognized dump format")

// OpenMinidump reads the minidump file at path and builds a Target out
// of its contents.
func OpenMinidump(path string) (*proc.Target, error) {
	var logfn func(string, ...interface{})
	if logflags.Minidump() {
		logfn = logflags.MinidumpLogger().Infof
	}

	mdmp, err := minidump.Open(path, logfn)
	if err != nil {
		if _, isNotAMinidump := err.(minidump.ErrNotAMinidump); isNotAMinidump {
			return nil, ErrUnrecognizedFormat
		}
		return nil, err
	}

	memory := buildMemory(mdmp)

	modules := proc.NewModuleList()
	for i := range mdmp.Modules {
		m := &mdmp.Modules[i]
		modules.Add(proc.NewModule(m.Name, m.BaseOfImage, uint64(m.SizeOfImage), memory))
	}

	t := &proc.Target{
		Mem:     memory,
		Modules: modules,
		Threads: map[uint32]*proc.Thread{},
		Pid:     mdmp.Pid,
	}

	for i := range mdmp.Threads {
		th := &mdmp.Threads[i]
		t.Threads[th.ID] = &proc.Thread{ID: th.ID, TEB: th.TEB, Context: th.Context}
		if t.CurrentThread == nil {
			t.CurrentThread = t.Threads[th.ID]
		}
	}

	return t, nil
}

func buildMemory(mdmp *minidump.Minidump) *proc.SplicedMemory {
	memory := &proc.SplicedMemory{}

	// The memory ranges must be spliced in order of increasing address.
	ranges := make([]*minidump.MemoryRange, len(mdmp.MemoryRanges))
	for i := range mdmp.MemoryRanges {
		ranges[i] = &mdmp.MemoryRanges[i]
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Addr < ranges[j].Addr })

	for _, r := range ranges {
		memory.Add(r, r.Addr, uint64(len(r.Data)))
	}
	return memory
}
