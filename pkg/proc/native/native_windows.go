//go:build windows
// +build windows

package native

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/winwalk/winwalk/pkg/logflags"
	"github.com/winwalk/winwalk/pkg/proc"
	"github.com/winwalk/winwalk/pkg/winutil"
)

var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procGetThreadContext = modkernel32.NewProc("GetThreadContext")
)

// processMemory reads the virtual memory of a live process through
// ReadProcessMemory.
type processMemory struct {
	h windows.Handle
}

func (m *processMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var count uintptr
	err := windows.ReadProcessMemory(m.h, uintptr(addr), &buf[0], uintptr(len(buf)), &count)
	if err != nil {
		return int(count), err
	}
	return int(count), nil
}

// Attach opens the process with the given pid, suspends all its threads
// and captures their contexts. The returned Target reads memory directly
// from the live process. Call Detach to resume the threads and release
// the handles.
func Attach(pid uint32) (*proc.Target, func() error, error) {
	const access = windows.PROCESS_VM_READ | windows.PROCESS_QUERY_INFORMATION
	hProc, err := windows.OpenProcess(access, false, pid)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open process %d: %v", pid, err)
	}

	mem := &processMemory{h: hProc}

	t := &proc.Target{
		Mem:     mem,
		Modules: proc.NewModuleList(),
		Threads: map[uint32]*proc.Thread{},
		Pid:     pid,
	}

	cleanup := func() error {
		return windows.CloseHandle(hProc)
	}

	if err := readModules(t, pid, mem); err != nil {
		cleanup()
		return nil, nil, err
	}

	hThreads, err := suspendThreads(t, pid)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	detach := func() error {
		for _, h := range hThreads {
			windows.ResumeThread(h)
			windows.CloseHandle(h)
		}
		return cleanup()
	}

	return t, detach, nil
}

// readModules enumerates the modules loaded in the process using a
// toolhelp snapshot.
func readModules(t *proc.Target, pid uint32, mem proc.MemoryReader) error {
	logger := logflags.TargetLogger()

	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return fmt.Errorf("could not snapshot modules of process %d: %v", pid, err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	err = windows.Module32First(snap, &entry)
	for err == nil {
		name := windows.UTF16ToString(entry.ExePath[:])
		base := uint64(entry.ModBaseAddr)
		size := uint64(entry.ModBaseSize)
		if logflags.Target() {
			logger.Debugf("module %q base:%#x size:%#x", name, base, size)
		}
		t.Modules.Add(proc.NewModule(name, base, size, mem))
		err = windows.Module32Next(snap, &entry)
	}
	if err != windows.ERROR_NO_MORE_FILES {
		return fmt.Errorf("could not enumerate modules of process %d: %v", pid, err)
	}
	return nil
}

// suspendThreads enumerates the threads of the process, suspends each
// one and captures its context. Returns the open thread handles so the
// caller can resume them on detach.
func suspendThreads(t *proc.Target, pid uint32) ([]windows.Handle, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("could not snapshot threads of process %d: %v", pid, err)
	}
	defer windows.CloseHandle(snap)

	var handles []windows.Handle

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	err = windows.Thread32First(snap, &entry)
	for err == nil {
		if entry.OwnerProcessID == pid {
			th, thErr := openThread(entry.ThreadID)
			if thErr != nil {
				for _, h := range handles {
					windows.ResumeThread(h)
					windows.CloseHandle(h)
				}
				return nil, thErr
			}
			handles = append(handles, th.handle)
			t.Threads[entry.ThreadID] = th.thread
			if t.CurrentThread == nil {
				t.CurrentThread = th.thread
			}
		}
		err = windows.Thread32Next(snap, &entry)
	}
	if err != windows.ERROR_NO_MORE_FILES {
		for _, h := range handles {
			windows.ResumeThread(h)
			windows.CloseHandle(h)
		}
		return nil, fmt.Errorf("could not enumerate threads of process %d: %v", pid, err)
	}
	return handles, nil
}

type suspendedThread struct {
	handle windows.Handle
	thread *proc.Thread
}

func openThread(tid uint32) (*suspendedThread, error) {
	const access = windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT | windows.THREAD_QUERY_INFORMATION
	h, err := windows.OpenThread(access, false, tid)
	if err != nil {
		return nil, fmt.Errorf("could not open thread %d: %v", tid, err)
	}
	if _, err := windows.SuspendThread(h); err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("could not suspend thread %d: %v", tid, err)
	}
	ctx, err := getThreadContext(h)
	if err != nil {
		windows.ResumeThread(h)
		windows.CloseHandle(h)
		return nil, fmt.Errorf("could not get context of thread %d: %v", tid, err)
	}
	return &suspendedThread{
		handle: h,
		thread: &proc.Thread{ID: tid, Context: ctx},
	}, nil
}

func getThreadContext(h windows.Handle) (*winutil.AMD64CONTEXT, error) {
	ctx := winutil.NewAMD64CONTEXT()
	ctx.ContextFlags = winutil.AMD64ContextControl | winutil.AMD64ContextInteger | winutil.AMD64ContextSegments
	r, _, err := procGetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(ctx)))
	if r == 0 {
		return nil, err
	}
	return ctx, nil
}
