package pdata

import (
	"fmt"
	"sort"
)

// FunctionEntry is one RUNTIME_FUNCTION record from a module's exception
// directory. It maps a range of instruction RVAs to the RVA of the
// UNWIND_INFO structure describing the function's prologue.
type FunctionEntry struct {
	BeginRVA      uint32
	EndRVA        uint32
	UnwindInfoRVA uint32
}

// Cover returns whether or not the given RVA is within the bounds of
// this function.
func (e *FunctionEntry) Cover(rva uint32) bool {
	return rva >= e.BeginRVA && rva < e.EndRVA
}

// FunctionEntries is a module's function table, sorted by BeginRVA.
// Entries never overlap.
type FunctionEntries []FunctionEntry

// ErrNoFunctionEntry is returned when no function table entry covers an RVA.
type ErrNoFunctionEntry struct {
	RVA uint32
}

func (err *ErrNoFunctionEntry) Error() string {
	return fmt.Sprintf("no function table entry for rva %#x", err.RVA)
}

// EntryForRVA returns the function table entry covering the given RVA.
func (entries FunctionEntries) EntryForRVA(rva uint32) (*FunctionEntry, error) {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].Cover(rva) || entries[i].BeginRVA >= rva
	})
	if idx == len(entries) || !entries[idx].Cover(rva) {
		return nil, &ErrNoFunctionEntry{rva}
	}
	return &entries[idx], nil
}
