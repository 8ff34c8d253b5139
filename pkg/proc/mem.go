package proc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MemoryReader is like io.ReaderAt, but addresses are uint64 so that all
// of a 64-bit target's address space is reachable regardless of the host.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ReadUint64 reads a little endian uint64 from target memory.
func ReadUint64(mem MemoryReader, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := mem.ReadMemory(buf[:], addr)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, io.ErrUnexpectedEOF
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// A SplicedMemory represents a memory space formed from multiple regions,
// each of which may override previously added regions. Minidumps store the
// stacks of the thread list separately from the Memory64 ranges; putting
// one on top of the other yields the process address space.
type SplicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader MemoryReader
}

// Add adds a new region to the SplicedMemory, which may override existing
// regions.
func (r *SplicedMemory) Add(reader MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and
	// inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New region overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := entry.offset - off
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in
			// two and put the new region in the middle.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadMemory implements MemoryReader.ReadMemory.
func (r *SplicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for _, entry := range r.readers {
		if entry.offset+entry.length <= addr {
			continue
		}
		if addr < entry.offset {
			// Readers are kept sorted and non-overlapping, a gap
			// before the covering entry means an unmapped page.
			break
		}
		// Don't go past the region.
		pb := buf
		if addr+uint64(len(buf)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil {
			return n, fmt.Errorf("error while reading spliced memory at %#x: %v", addr, err)
		}
		if pn != len(pb) {
			return n, io.ErrUnexpectedEOF
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			// Done, don't bother scanning the rest.
			return n, nil
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("unmapped address %#x", addr)
	}
	return n, io.ErrUnexpectedEOF
}

// OffsetReader reads from a byte slice pinned at a base address.
type OffsetReader struct {
	Data []byte
	Addr uint64
}

// ReadMemory implements MemoryReader.ReadMemory.
func (r *OffsetReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if addr < r.Addr || addr+uint64(len(buf)) > r.Addr+uint64(len(r.Data)) {
		return 0, io.EOF
	}
	copy(buf, r.Data[addr-r.Addr:])
	return len(buf), nil
}
