package pdata

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"sort"
)

const functionEntrySize = 12

// Parse decodes a raw exception directory (the contents of a .pdata
// section) into a function table. The returned entries are sorted by
// BeginRVA; trailing zero entries emitted by some linkers as padding are
// dropped.
func Parse(data []byte) (FunctionEntries, error) {
	if len(data)%functionEntrySize != 0 {
		return nil, malformed(len(data)-len(data)%functionEntrySize, "exception directory size %#x is not a multiple of %d", len(data), functionEntrySize)
	}
	entries := make(FunctionEntries, 0, len(data)/functionEntrySize)
	for off := 0; off < len(data); off += functionEntrySize {
		entry := FunctionEntry{
			BeginRVA:      binary.LittleEndian.Uint32(data[off:]),
			EndRVA:        binary.LittleEndian.Uint32(data[off+4:]),
			UnwindInfoRVA: binary.LittleEndian.Uint32(data[off+8:]),
		}
		if entry.BeginRVA == 0 && entry.EndRVA == 0 {
			continue
		}
		if entry.EndRVA <= entry.BeginRVA {
			return nil, malformed(off, "function entry with end rva %#x not after begin rva %#x", entry.EndRVA, entry.BeginRVA)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].BeginRVA < entries[j].BeginRVA
	})
	return entries, nil
}

// ParseFile loads the function table of a PE file on disk.
// The unwind info RVAs in the returned entries refer to the image as
// loaded, use UnwindInfoFromFile to decode them without a target process.
func ParseFile(path string) (FunctionEntries, *pe.File, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, nil, err
	}
	entries, err := parsePEFile(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return entries, f, nil
}

func parsePEFile(f *pe.File) (FunctionEntries, error) {
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("not a PE32+ image")
	}
	if int(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION) >= len(oh.DataDirectory) {
		return nil, fmt.Errorf("image has no exception directory")
	}
	dir := oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, fmt.Errorf("image has no exception directory")
	}
	data, err := readFileRVA(f, dir.VirtualAddress, int(dir.Size))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// UnwindInfoFromFile decodes the unwind record at the given RVA of a PE
// file, following section file offsets rather than a loaded image.
func UnwindInfoFromFile(f *pe.File, rva uint32) (*UnwindInfo, error) {
	// An encoded record's size is only known after reading its header,
	// read the maximum and let the decoder take what it needs.
	size := MaxUnwindInfoSize
	data, err := readFileRVA(f, rva, size)
	if err != nil {
		// The record may sit at the very end of its section.
		data, err = readFileRVAUpto(f, rva, size)
		if err != nil {
			return nil, err
		}
	}
	return ParseUnwindInfo(data)
}

// readFileRVA reads size bytes at the given RVA from the section that
// contains it.
func readFileRVA(f *pe.File, rva uint32, size int) ([]byte, error) {
	data, err := readFileRVAUpto(f, rva, size)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, fmt.Errorf("rva %#x: need %#x bytes, section has %#x", rva, size, len(data))
	}
	return data, nil
}

func readFileRVAUpto(f *pe.File, rva uint32, size int) ([]byte, error) {
	for _, sect := range f.Sections {
		if rva < sect.VirtualAddress || rva >= sect.VirtualAddress+sect.VirtualSize {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, err
		}
		off := int(rva - sect.VirtualAddress)
		if off >= len(data) {
			return nil, fmt.Errorf("rva %#x is past the raw data of section %s", rva, sect.Name)
		}
		if off+size > len(data) {
			return data[off:], nil
		}
		return data[off : off+size], nil
	}
	return nil, fmt.Errorf("no section contains rva %#x", rva)
}
