package core

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/winwalk/winwalk/pkg/proc"
	"github.com/winwalk/winwalk/pkg/proc/core/minidump"
	"github.com/winwalk/winwalk/pkg/winutil"
)

type streamRef struct {
	typ  minidump.StreamType
	off  uint32
	size uint32
}

// buildMinidump assembles a minimal but well formed minidump: system
// info, misc info, one thread, one module and one memory range.
func buildMinidump(t *testing.T, ctx *winutil.AMD64CONTEXT, stackAddr uint64, stackData []byte) string {
	t.Helper()

	const (
		headerSize = 32
		dirEntry   = 12
		numStreams = 5
	)
	dataBase := uint32(headerSize + numStreams*dirEntry)

	var data bytes.Buffer
	off := func() uint32 { return dataBase + uint32(data.Len()) }
	u16 := func(v uint16) { binary.Write(&data, binary.LittleEndian, v) }
	u32 := func(v uint32) { binary.Write(&data, binary.LittleEndian, v) }
	u64 := func(v uint64) { binary.Write(&data, binary.LittleEndian, v) }

	// Thread context blob.
	ctxOff := off()
	if err := binary.Write(&data, binary.LittleEndian, ctx); err != nil {
		t.Fatal(err)
	}
	if off()-ctxOff != winutil.AMD64CONTEXTSize {
		t.Fatalf("encoded context is %d bytes", off()-ctxOff)
	}

	// Module name: byte length prefix, UTF16LE, NUL terminated.
	name := utf16.Encode([]rune(`C:\test\app.exe`))
	nameOff := off()
	u32(uint32(2 * len(name)))
	for _, ch := range name {
		u16(ch)
	}
	u16(0)

	// Raw bytes of the one memory range.
	stackOff := off()
	data.Write(stackData)

	var streams []streamRef
	addStream := func(typ minidump.StreamType, write func()) {
		start := off()
		write()
		streams = append(streams, streamRef{typ, start, off() - start})
	}

	addStream(minidump.SystemInfoStream, func() {
		u16(9) // PROCESSOR_ARCHITECTURE_AMD64
		data.Write(make([]byte, 54))
	})
	addStream(minidump.MiscInfoStream, func() {
		u32(12)     // size of info
		u32(0x1)    // flags1: process id valid
		u32(0x1234) // process id
	})
	addStream(minidump.ThreadListStream, func() {
		u32(1) // number of threads
		u32(0xbeef)
		u32(0) // suspend count
		u32(0) // priority class
		u32(0) // priority
		u64(0x12000) // teb
		// stack memory descriptor
		u64(stackAddr)
		u32(uint32(len(stackData)))
		u32(stackOff)
		// thread context location
		u32(winutil.AMD64CONTEXTSize)
		u32(ctxOff)
	})
	addStream(minidump.ModuleListStream, func() {
		u32(1) // number of modules
		u64(0x140000000)
		u32(0x8000) // size of image
		u32(0)      // checksum
		u32(0)      // timestamp
		u32(nameOff)
		for i := 0; i < 13; i++ { // VS_FIXEDFILEINFO
			u32(0)
		}
		u32(0) // cv record
		u32(0)
		u32(0) // misc record
		u32(0)
		u64(0) // reserved0
		u64(0) // reserved1
	})
	addStream(minidump.Memory64ListStream, func() {
		u64(1) // number of ranges
		u64(uint64(stackOff))
		u64(stackAddr)
		u64(uint64(len(stackData)))
	})

	var out bytes.Buffer
	hu16 := func(v uint16) { binary.Write(&out, binary.LittleEndian, v) }
	hu32 := func(v uint32) { binary.Write(&out, binary.LittleEndian, v) }
	hu32(0x504d444d) // 'MDMP'
	hu16(0xa793)
	hu16(0)
	hu32(numStreams)
	hu32(headerSize)       // stream directory offset
	hu32(0)                // checksum
	hu32(0x66c0ffee)       // timestamp
	binary.Write(&out, binary.LittleEndian, uint64(0)) // flags
	for _, s := range streams {
		hu32(uint32(s.typ))
		hu32(s.size)
		hu32(s.off)
	}
	out.Write(data.Bytes())

	path := filepath.Join(t.TempDir(), "test.dmp")
	if err := ioutil.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testContext(rip, rsp uint64) *winutil.AMD64CONTEXT {
	ctx := &winutil.AMD64CONTEXT{}
	ctx.Rip = rip
	ctx.Rsp = rsp
	ctx.Rbx = 0xb0b0
	return ctx
}

func TestMinidumpOpen(t *testing.T) {
	stack := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(stack[0x20:], 0x140001234)
	path := buildMinidump(t, testContext(0x140001000, 0x7000), 0x7000, stack)

	mdmp, err := minidump.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if mdmp.Pid != 0x1234 {
		t.Errorf("got pid %#x, want 0x1234", mdmp.Pid)
	}
	if len(mdmp.Threads) != 1 {
		t.Fatalf("got %d threads", len(mdmp.Threads))
	}
	th := &mdmp.Threads[0]
	if th.ID != 0xbeef || th.TEB != 0x12000 {
		t.Errorf("got thread id %#x teb %#x", th.ID, th.TEB)
	}
	if th.Context.Rip != 0x140001000 || th.Context.Rsp != 0x7000 || th.Context.Rbx != 0xb0b0 {
		t.Errorf("bad thread context: rip=%#x rsp=%#x rbx=%#x", th.Context.Rip, th.Context.Rsp, th.Context.Rbx)
	}

	if len(mdmp.Modules) != 1 {
		t.Fatalf("got %d modules", len(mdmp.Modules))
	}
	mod := &mdmp.Modules[0]
	if mod.Name != `C:\test\app.exe` || mod.BaseOfImage != 0x140000000 || mod.SizeOfImage != 0x8000 {
		t.Errorf("got module %q base %#x size %#x", mod.Name, mod.BaseOfImage, mod.SizeOfImage)
	}

	// The stack appears twice: once from the thread's stack descriptor
	// and once from the Memory64 list.
	if len(mdmp.MemoryRanges) != 2 {
		t.Fatalf("got %d memory ranges", len(mdmp.MemoryRanges))
	}
	for i := range mdmp.MemoryRanges {
		r := &mdmp.MemoryRanges[i]
		if r.Addr != 0x7000 || len(r.Data) != 0x40 {
			t.Errorf("range %d: addr %#x size %#x", i, r.Addr, len(r.Data))
		}
	}
}

func TestMinidumpNotAMinidump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.dmp")
	if err := ioutil.WriteFile(path, []byte("ELF\x7fnot a dump at all, not even close"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := minidump.Open(path, nil)
	if _, ok := err.(minidump.ErrNotAMinidump); !ok {
		t.Fatalf("got error %v, want ErrNotAMinidump", err)
	}

	if _, err := OpenMinidump(path); err != ErrUnrecognizedFormat {
		t.Fatalf("OpenMinidump: got error %v, want ErrUnrecognizedFormat", err)
	}
}

func TestMinidumpTruncated(t *testing.T) {
	stack := make([]byte, 0x40)
	path := buildMinidump(t, testContext(0x140001000, 0x7000), 0x7000, stack)
	whole, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, size := range []int{10, 40, 100, 300} {
		trunc := filepath.Join(t.TempDir(), "trunc.dmp")
		if err := ioutil.WriteFile(trunc, whole[:size], 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := minidump.Open(trunc, nil); err == nil {
			t.Errorf("opening a dump truncated to %d bytes succeeded", size)
		}
		os.Remove(trunc)
	}
}

func TestOpenMinidump(t *testing.T) {
	stack := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(stack[0x20:], 0x140001234)
	path := buildMinidump(t, testContext(0x140001000, 0x7000), 0x7000, stack)

	target, err := OpenMinidump(path)
	if err != nil {
		t.Fatalf("OpenMinidump: %v", err)
	}
	if target.Pid != 0x1234 {
		t.Errorf("got pid %#x", target.Pid)
	}

	th := target.Threads[0xbeef]
	if th == nil {
		t.Fatalf("thread 0xbeef missing")
	}
	if target.CurrentThread != th {
		t.Errorf("current thread not set")
	}
	if got := th.UnwindContext(); got.Rip != 0x140001000 || got.Rsp != 0x7000 {
		t.Errorf("bad context: rip=%#x rsp=%#x", got.Rip, got.Rsp)
	}

	mods := target.Modules.All()
	if len(mods) != 1 || mods[0].Base() != 0x140000000 {
		t.Fatalf("got modules %v", mods)
	}

	// Dump memory is readable through the target.
	if v, err := proc.ReadUint64(target.Mem, 0x7020); err != nil || v != 0x140001234 {
		t.Errorf("ReadUint64 = %#x, %v", v, err)
	}
	if _, err := proc.ReadUint64(target.Mem, 0x9000); err == nil {
		t.Errorf("read of unmapped memory succeeded")
	}
}
