package proc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/winwalk/winwalk/pkg/pdata"
	"github.com/winwalk/winwalk/pkg/unwind"
	"github.com/winwalk/winwalk/pkg/winutil"
)

// stackBuf is a writable stack area for walk tests, pinned at stackAddr.
const stackAddr = 0x7000

func newTestTarget(t *testing.T, stack []byte) *Target {
	t.Helper()
	img := buildImage(testEntries(), testInfos())

	mem := &SplicedMemory{}
	mem.Add(&OffsetReader{Data: img, Addr: imageBase}, imageBase, uint64(len(img)))
	mem.Add(&OffsetReader{Data: stack, Addr: stackAddr}, stackAddr, uint64(len(stack)))

	modules := NewModuleList()
	modules.Add(NewModule("app.exe", imageBase, uint64(len(img)), mem))

	return &Target{Mem: mem, Modules: modules, Threads: map[uint32]*Thread{}}
}

func putUint64(stack []byte, addr, val uint64) {
	binary.LittleEndian.PutUint64(stack[addr-stackAddr:], val)
}

func testThread(rip, rsp uint64) *Thread {
	ctx := &winutil.AMD64CONTEXT{}
	ctx.Rip = rip
	ctx.Rsp = rsp
	return &Thread{ID: 1, Context: ctx}
}

// TestThreadStacktrace walks a three frame stack: the function at rva
// 0x3000 (sub rsp, 0x20) was called by the one at 0x2000 (push rbx;
// sub rsp, 0x30), called by the one at 0x1000 (push rbp). A zero return
// address ends the walk.
func TestThreadStacktrace(t *testing.T) {
	stack := make([]byte, 0x100)
	putUint64(stack, 0x7020, imageBase+0x2050) // return into the middle function
	putUint64(stack, 0x7058, 0xb0b0)           // rbx saved by the middle function
	putUint64(stack, 0x7060, imageBase+0x1080) // return into the outer function
	putUint64(stack, 0x7068, 0xb1b1)           // rbp saved by the outer function
	putUint64(stack, 0x7070, 0)                // end of stack

	target := newTestTarget(t, stack)
	th := testThread(imageBase+0x3050, 0x7000)

	frames, err := ThreadStacktrace(target, th, 32)
	if err != nil {
		t.Fatalf("ThreadStacktrace: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}

	for i, want := range []struct {
		pc, sp uint64
	}{
		{imageBase + 0x3050, 0x7000},
		{imageBase + 0x2050, 0x7028},
		{imageBase + 0x1080, 0x7068},
	} {
		if frames[i].PC() != want.pc || frames[i].SP() != want.sp {
			t.Errorf("frame %d: got pc=%#x sp=%#x, want pc=%#x sp=%#x", i, frames[i].PC(), frames[i].SP(), want.pc, want.sp)
		}
		if frames[i].Module == nil {
			t.Errorf("frame %d: no module", i)
		}
	}
	if frames[1].Method != unwind.MethodMetadata || frames[2].Method != unwind.MethodMetadata {
		t.Errorf("got methods %v, %v", frames[1].Method, frames[2].Method)
	}
	if frames[2].Regs.Rbx != 0xb0b0 {
		t.Errorf("rbx not restored while unwinding: %#x", frames[2].Regs.Rbx)
	}
}

func TestThreadStacktraceDepth(t *testing.T) {
	stack := make([]byte, 0x100)
	putUint64(stack, 0x7020, imageBase+0x2050)
	putUint64(stack, 0x7058, 0xb0b0)
	putUint64(stack, 0x7060, imageBase+0x1080)
	putUint64(stack, 0x7068, 0xb1b1)
	putUint64(stack, 0x7070, 0)

	target := newTestTarget(t, stack)
	th := testThread(imageBase+0x3050, 0x7000)

	frames, err := ThreadStacktrace(target, th, 1)
	if err != nil {
		t.Fatalf("ThreadStacktrace: %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("got %d frames, want 2 (top + one unwound)", len(frames))
	}

	if _, err := ThreadStacktrace(target, th, -1); err == nil {
		t.Errorf("negative depth accepted")
	}
}

// TestStacktraceLeafTop starts the walk outside every module: the top
// frame gets the leaf fallback, the rest of the walk proceeds normally.
func TestStacktraceLeafTop(t *testing.T) {
	stack := make([]byte, 0x100)
	putUint64(stack, 0x7000, imageBase+0x1080) // return address pushed by the call
	putUint64(stack, 0x7008, 0xb1b1)           // rbp saved by the outer function
	putUint64(stack, 0x7010, 0)

	target := newTestTarget(t, stack)
	th := testThread(0x7ffe00000000, 0x7000) // jitted code, no module

	frames, err := ThreadStacktrace(target, th, 32)
	if err != nil {
		t.Fatalf("ThreadStacktrace: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Module != nil {
		t.Errorf("top frame resolved to module %s", frames[0].Module.Name())
	}
	if frames[1].Method != unwind.MethodLeaf {
		t.Errorf("got method %v, want leaf", frames[1].Method)
	}
	if frames[1].PC() != imageBase+0x1080 {
		t.Errorf("got pc=%#x", frames[1].PC())
	}
}

// TestStacktraceGarbageReturn checks that an unresolvable return address
// below the top frame stops the walk with an error instead of
// manufacturing frames out of stack garbage.
func TestStacktraceGarbageReturn(t *testing.T) {
	stack := make([]byte, 0x100)
	putUint64(stack, 0x7020, 0x00dead00) // bogus return address

	target := newTestTarget(t, stack)
	th := testThread(imageBase+0x3050, 0x7000)

	frames, err := ThreadStacktrace(target, th, 32)
	var notFound *unwind.ModuleNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("got error %v, want ModuleNotFoundError", err)
	}
	if notFound.Addr != 0x00dead00 {
		t.Errorf("error reports addr %#x", notFound.Addr)
	}
	// The partial stack up to the failure is still returned.
	if len(frames) != 2 {
		t.Errorf("got %d frames, want 2", len(frames))
	}
}

// TestStacktraceUnreadableStack stops the walk with the memory failure
// when a saved register slot is unmapped.
func TestStacktraceUnreadableStack(t *testing.T) {
	stack := make([]byte, 0x28) // ends before the middle function's frame
	putUint64(stack, 0x7020, imageBase+0x2050)

	target := newTestTarget(t, stack)
	th := testThread(imageBase+0x3050, 0x7000)

	frames, err := ThreadStacktrace(target, th, 32)
	var unavailable *unwind.MemoryUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("got error %v, want MemoryUnavailableError", err)
	}
	if len(frames) != 2 {
		t.Errorf("got %d frames, want 2", len(frames))
	}
}

// TestStacktraceStackPointerMustAdvance ends the walk when an unwound
// frame does not move the stack pointer up. A corrupt frame pointer can
// make the frame register record send the stack pointer down.
func TestStacktraceStackPointerMustAdvance(t *testing.T) {
	img := buildImage(pdata.FunctionEntries{
		{BeginRVA: 0x1000, EndRVA: 0x1100, UnwindInfoRVA: 0x5000},
	}, map[uint32][]byte{
		0x5000: infoSetFP,
	})
	stack := make([]byte, 0x100)
	binary.LittleEndian.PutUint64(stack[0x50:], imageBase+0x1050)

	mem := &SplicedMemory{}
	mem.Add(&OffsetReader{Data: img, Addr: imageBase}, imageBase, uint64(len(img)))
	mem.Add(&OffsetReader{Data: stack, Addr: 0x6f80}, 0x6f80, uint64(len(stack)))

	modules := NewModuleList()
	modules.Add(NewModule("app.exe", imageBase, uint64(len(img)), mem))
	target := &Target{Mem: mem, Modules: modules, Threads: map[uint32]*Thread{}}

	ctx := &winutil.AMD64CONTEXT{}
	ctx.Rip = imageBase + 0x1050
	ctx.Rsp = 0x7000
	ctx.Rbp = 0x6fd0 // corrupt: below the stack pointer
	th := &Thread{ID: 1, Context: ctx}

	frames, err := ThreadStacktrace(target, th, 64)
	if err != nil {
		t.Fatalf("ThreadStacktrace: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("got %d frames, want only the top frame", len(frames))
	}
}
