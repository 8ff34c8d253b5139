package proc

import (
	"encoding/binary"
	"testing"

	"github.com/winwalk/winwalk/pkg/pdata"
)

// buildImage assembles a minimal loaded PE32+ image: DOS header, NT
// headers with an exception data directory, and a .pdata function table
// with its unwind records. Offsets follow the layout the loader walks.
func buildImage(entries pdata.FunctionEntries, infos map[uint32][]byte) []byte {
	const (
		peOff    = 0x80
		optOff   = peOff + 24
		pdataRVA = 0x4000
	)
	img := make([]byte, 0x8000)

	u16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(img[off:], v) }
	u32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(img[off:], v) }

	u16(0, 0x5a4d)       // 'MZ'
	u32(0x3c, peOff)     // e_lfanew
	u32(peOff, 0x4550)   // 'PE\0\0'
	u16(peOff+4, 0x8664) // machine
	u16(peOff+20, 240)   // SizeOfOptionalHeader
	u16(optOff, 0x20b)   // PE32+ magic
	u32(optOff+108, 16)  // NumberOfRvaAndSizes
	// Exception directory.
	u32(optOff+112+8*3, pdataRVA)
	u32(optOff+112+8*3+4, uint32(len(entries)*12))

	for i, e := range entries {
		u32(pdataRVA+12*i, e.BeginRVA)
		u32(pdataRVA+12*i+4, e.EndRVA)
		u32(pdataRVA+12*i+8, e.UnwindInfoRVA)
	}
	for rva, raw := range infos {
		copy(img[rva:], raw)
	}
	return img
}

const imageBase = 0x140000000

// Raw unwind records used across the module and stack tests.
var (
	// push rbp
	infoPushRBP = []byte{0x01, 0x01, 0x01, 0x00, 0x01, 0x50, 0x00, 0x00}
	// push rbx; sub rsp, 0x30
	infoPushAlloc = []byte{0x01, 0x08, 0x02, 0x00, 0x08, 0x52, 0x01, 0x30}
	// sub rsp, 0x20
	infoAlloc = []byte{0x01, 0x04, 0x01, 0x00, 0x04, 0x32, 0x00, 0x00}
	// lea rbp, [rsp+0] as frame pointer
	infoSetFP = []byte{0x01, 0x04, 0x01, 0x05, 0x04, 0x03, 0x00, 0x00}
)

func testEntries() pdata.FunctionEntries {
	return pdata.FunctionEntries{
		{BeginRVA: 0x1000, EndRVA: 0x1100, UnwindInfoRVA: 0x5000},
		{BeginRVA: 0x2000, EndRVA: 0x2100, UnwindInfoRVA: 0x5010},
		{BeginRVA: 0x3000, EndRVA: 0x3100, UnwindInfoRVA: 0x5020},
	}
}

func testInfos() map[uint32][]byte {
	return map[uint32][]byte{
		0x5000: infoPushRBP,
		0x5010: infoPushAlloc,
		0x5020: infoAlloc,
	}
}

func testImageModule(t *testing.T, name string) *Module {
	t.Helper()
	img := buildImage(testEntries(), testInfos())
	mem := &OffsetReader{Data: img, Addr: imageBase}
	return NewModule(name, imageBase, uint64(len(img)), mem)
}

func TestModuleFunctionTable(t *testing.T) {
	m := testImageModule(t, `C:\Windows\System32\testmod.dll`)

	entries, err := m.FunctionTable()
	if err != nil {
		t.Fatalf("FunctionTable: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	entry, err := m.FunctionEntry(0x2050)
	if err != nil {
		t.Fatalf("FunctionEntry: %v", err)
	}
	if entry.BeginRVA != 0x2000 || entry.UnwindInfoRVA != 0x5010 {
		t.Errorf("got entry %+v", entry)
	}

	if _, err := m.FunctionEntry(0x7000); err == nil {
		t.Errorf("FunctionEntry for an uncovered rva succeeded")
	}
}

func TestModuleUnwindInfo(t *testing.T) {
	m := testImageModule(t, "testmod.dll")

	info, err := m.UnwindInfo(0x5010)
	if err != nil {
		t.Fatalf("UnwindInfo: %v", err)
	}
	if len(info.Codes) != 2 {
		t.Fatalf("got %d codes, want 2", len(info.Codes))
	}
	if alloc, ok := info.Codes[0].(pdata.AllocStack); !ok || alloc.Size != 0x30 {
		t.Errorf("got first code %#v, want alloc of 0x30", info.Codes[0])
	}
	if push, ok := info.Codes[1].(pdata.PushNonVolatile); !ok || push.Reg != pdata.RBX {
		t.Errorf("got second code %#v, want push rbx", info.Codes[1])
	}

	// Decoded records are cached.
	again, err := m.UnwindInfo(0x5010)
	if err != nil {
		t.Fatalf("UnwindInfo: %v", err)
	}
	if info != again {
		t.Errorf("second lookup decoded a new record")
	}
}

func TestModuleBadImage(t *testing.T) {
	mem := &OffsetReader{Data: make([]byte, 0x1000), Addr: imageBase}
	m := NewModule("bad.dll", imageBase, 0x1000, mem)
	if _, err := m.FunctionTable(); err == nil {
		t.Errorf("loaded a function table from a zeroed image")
	}
}

func TestBaseName(t *testing.T) {
	// Module paths in a minidump are Windows paths regardless of the
	// host opening it, so splitting must not depend on the host's path
	// separator.
	for _, test := range []struct {
		name string
		want string
	}{
		{`C:\Windows\System32\ntdll.dll`, "ntdll.dll"},
		{`C:/test/app.exe`, "app.exe"},
		{`kernel32.dll`, "kernel32.dll"},
		{``, ""},
	} {
		if got := baseName(test.name); got != test.want {
			t.Errorf("baseName(%q) = %q, want %q", test.name, got, test.want)
		}
	}
}

func TestModuleList(t *testing.T) {
	l := NewModuleList()
	a := testImageModule(t, `C:\Windows\System32\ntdll.dll`)
	img := buildImage(testEntries(), testInfos())
	b := NewModule(`C:\test\app.exe`, 0x150000000, uint64(len(img)), &OffsetReader{Data: img, Addr: 0x150000000})
	l.Add(b)
	l.Add(a)

	if got := l.All(); len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("modules not sorted by base address")
	}

	for _, test := range []struct {
		addr uint64
		want *Module
	}{
		{imageBase - 1, nil},
		{imageBase, a},
		{imageBase + 0x7fff, a},
		{imageBase + 0x8000, nil},
		{0x150000000 + 0x100, b},
		{0x160000000, nil},
	} {
		if got := l.ModuleAt(test.addr); got != test.want {
			t.Errorf("ModuleAt(%#x) = %v, want %v", test.addr, got, test.want)
		}
	}

	if mods := l.FindByPrefix("NT"); len(mods) != 1 || mods[0] != a {
		t.Errorf("FindByPrefix(NT) = %v", mods)
	}
	if mods := l.FindByPrefix("app"); len(mods) != 1 || mods[0] != b {
		t.Errorf("FindByPrefix(app) = %v", mods)
	}
	if mods := l.FindByPrefix("nosuch"); len(mods) != 0 {
		t.Errorf("FindByPrefix(nosuch) = %v", mods)
	}
}
