package proc

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/winwalk/winwalk/pkg/logflags"
	"github.com/winwalk/winwalk/pkg/pdata"
	"github.com/winwalk/winwalk/pkg/unwind"
)

// Decoded unwind records kept per module. Stacks revisit the same handful
// of functions constantly, so even a small cache removes almost all
// metadata decoding.
const unwindInfoCacheSize = 128

// Module is a loaded image in the target. Its function table is read
// lazily from the PE header of the loaded image the first time an address
// in the module is unwound.
type Module struct {
	name string
	base uint64
	size uint64
	mem  MemoryReader

	loadOnce   sync.Once
	entries    pdata.FunctionEntries
	entriesErr error

	unwindCache *lru.Cache
}

// NewModule returns a module backed by the given target memory.
func NewModule(name string, base, size uint64, mem MemoryReader) *Module {
	cache, _ := lru.New(unwindInfoCacheSize)
	return &Module{name: name, base: base, size: size, mem: mem, unwindCache: cache}
}

// Name returns the module's file name.
func (m *Module) Name() string { return m.name }

// Base returns the load address of the module.
func (m *Module) Base() uint64 { return m.base }

// Size returns the size of the loaded image in bytes.
func (m *Module) Size() uint64 { return m.size }

// Cover returns whether or not the given address is within the bounds of
// this module.
func (m *Module) Cover(addr uint64) bool {
	return addr >= m.base && addr < m.base+m.size
}

// FunctionEntry returns the function table entry covering the given RVA.
func (m *Module) FunctionEntry(rva uint32) (*pdata.FunctionEntry, error) {
	m.loadOnce.Do(m.loadFunctionTable)
	if m.entriesErr != nil {
		return nil, m.entriesErr
	}
	return m.entries.EntryForRVA(rva)
}

// FunctionTable returns the module's complete function table.
func (m *Module) FunctionTable() (pdata.FunctionEntries, error) {
	m.loadOnce.Do(m.loadFunctionTable)
	return m.entries, m.entriesErr
}

func (m *Module) loadFunctionTable() {
	m.entries, m.entriesErr = readImageFunctionTable(m.mem, m.base)
	if logflags.Pdata() {
		logger := logflags.PdataLogger()
		if m.entriesErr != nil {
			logger.Warnf("%s: could not load function table: %v", m.name, m.entriesErr)
		} else {
			logger.Debugf("%s: %d function table entries", m.name, len(m.entries))
		}
	}
}

// UnwindInfo decodes the unwind record at the given RVA of this module,
// reading it from target memory. Decoded records are cached.
func (m *Module) UnwindInfo(rva uint32) (*pdata.UnwindInfo, error) {
	if info, ok := m.unwindCache.Get(rva); ok {
		return info.(*pdata.UnwindInfo), nil
	}

	// The record size is only known after the header: read it first,
	// then exactly the slots (and chained entry) it declares.
	var hdr [4]byte
	if n, err := m.mem.ReadMemory(hdr[:], m.base+uint64(rva)); err != nil || n != len(hdr) {
		return nil, &unwind.MemoryUnavailableError{Addr: m.base + uint64(rva), Size: len(hdr), Err: err}
	}
	chained := (hdr[0]>>3)&pdata.FlagChainInfo != 0
	size := pdata.UnwindInfoSize(hdr[2], chained)

	buf := make([]byte, size)
	if n, err := m.mem.ReadMemory(buf, m.base+uint64(rva)); err != nil || n != size {
		return nil, &unwind.MemoryUnavailableError{Addr: m.base + uint64(rva), Size: size, Err: err}
	}
	info, err := pdata.ParseUnwindInfo(buf)
	if err != nil {
		return nil, err
	}
	m.unwindCache.Add(rva, info)
	return info, nil
}

// PE header constants needed to find the exception directory of a loaded
// image.
const (
	imageDOSSignature      = 0x5a4d // 'MZ'
	imageNTSignature       = 0x00004550
	imageMachineAMD64      = 0x8664
	imageOptionalMagic64   = 0x20b
	imageDirEntryException = 3
)

// readImageFunctionTable walks the PE headers of a loaded image in target
// memory to the exception data directory and parses the function table it
// points at.
func readImageFunctionTable(mem MemoryReader, base uint64) (pdata.FunctionEntries, error) {
	readAt := func(addr uint64, size int) ([]byte, error) {
		buf := make([]byte, size)
		if n, err := mem.ReadMemory(buf, addr); err != nil || n != size {
			return nil, &unwind.MemoryUnavailableError{Addr: addr, Size: size, Err: err}
		}
		return buf, nil
	}

	dos, err := readAt(base, 0x40)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(dos) != imageDOSSignature {
		return nil, fmt.Errorf("no MZ signature at %#x", base)
	}
	peOff := uint64(binary.LittleEndian.Uint32(dos[0x3c:]))

	// Signature, COFF header, and the fixed part of the optional header
	// up to and including the data directory count.
	hdr, err := readAt(base+peOff, 4+20+112)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr) != imageNTSignature {
		return nil, fmt.Errorf("no PE signature at %#x", base+peOff)
	}
	if machine := binary.LittleEndian.Uint16(hdr[4:]); machine != imageMachineAMD64 {
		return nil, fmt.Errorf("unsupported machine %#x", machine)
	}
	opt := hdr[24:]
	if magic := binary.LittleEndian.Uint16(opt); magic != imageOptionalMagic64 {
		return nil, fmt.Errorf("not a PE32+ optional header (magic %#x)", magic)
	}
	if n := binary.LittleEndian.Uint32(opt[108:]); n <= imageDirEntryException {
		return nil, fmt.Errorf("image has no exception directory (%d data directories)", n)
	}

	dir, err := readAt(base+peOff+24+112+8*imageDirEntryException, 8)
	if err != nil {
		return nil, err
	}
	dirRVA := binary.LittleEndian.Uint32(dir)
	dirSize := binary.LittleEndian.Uint32(dir[4:])
	if dirRVA == 0 || dirSize == 0 {
		return nil, fmt.Errorf("image has an empty exception directory")
	}

	raw, err := readAt(base+uint64(dirRVA), int(dirSize))
	if err != nil {
		return nil, err
	}
	return pdata.Parse(raw)
}

// ModuleList holds the modules of a target, resolving addresses to the
// module containing them and module names by prefix.
type ModuleList struct {
	modules []*Module // sorted by base address
	names   *trie.Trie
}

// NewModuleList returns an empty module list.
func NewModuleList() *ModuleList {
	return &ModuleList{names: trie.New()}
}

// baseName returns the file name component of a module path. Module
// paths come from the target, not the host: a minidump records Windows
// paths no matter where it is opened, so both separators are split on
// explicitly instead of using path/filepath.
func baseName(name string) string {
	return name[strings.LastIndexAny(name, `\/`)+1:]
}

// Add inserts a module, keeping the list sorted by base address.
func (l *ModuleList) Add(m *Module) {
	idx := sort.Search(len(l.modules), func(i int) bool {
		return l.modules[i].base >= m.base
	})
	l.modules = append(l.modules, nil)
	copy(l.modules[idx+1:], l.modules[idx:])
	l.modules[idx] = m
	l.names.Add(strings.ToLower(baseName(m.name)), m)
}

// All returns the modules sorted by base address.
func (l *ModuleList) All() []*Module {
	return l.modules
}

// ModuleAt returns the module containing addr, or nil.
func (l *ModuleList) ModuleAt(addr uint64) *Module {
	idx := sort.Search(len(l.modules), func(i int) bool {
		return l.modules[i].base+l.modules[i].size > addr
	})
	if idx == len(l.modules) || !l.modules[idx].Cover(addr) {
		return nil
	}
	return l.modules[idx]
}

// FindModule implements the module resolver contract of the unwinder.
func (l *ModuleList) FindModule(addr uint64) (unwind.Module, bool) {
	m := l.ModuleAt(addr)
	if m == nil {
		return nil, false
	}
	return m, true
}

// FindByPrefix returns the modules whose base file name starts with the
// given prefix, case insensitively.
func (l *ModuleList) FindByPrefix(prefix string) []*Module {
	keys := l.names.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(keys)
	out := make([]*Module, 0, len(keys))
	for _, key := range keys {
		if node, ok := l.names.Find(key); ok {
			out = append(out, node.Meta().(*Module))
		}
	}
	return out
}
