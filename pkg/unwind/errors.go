package unwind

import "fmt"

// MemoryUnavailableError is returned when bytes needed by the unwinder
// could not be read from the target, because the page is unmapped or the
// dump does not contain that region.
type MemoryUnavailableError struct {
	Addr uint64
	Size int
	Err  error
}

func (err *MemoryUnavailableError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x: %v", err.Size, err.Addr, err.Err)
}

func (err *MemoryUnavailableError) Unwrap() error { return err.Err }

// ModuleNotFoundError is returned when an instruction pointer does not
// resolve to any loaded module and the caller did not allow the leaf
// fallback.
type ModuleNotFoundError struct {
	Addr uint64
}

func (err *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("no module loaded at %#x", err.Addr)
}

// NoUnwindInfoError is returned when the instruction pointer resolves to a
// module but no function table entry covers it.
type NoUnwindInfoError struct {
	Module string
	Addr   uint64
	Err    error
}

func (err *NoUnwindInfoError) Error() string {
	return fmt.Sprintf("no unwind info in %s for %#x: %v", err.Module, err.Addr, err.Err)
}

func (err *NoUnwindInfoError) Unwrap() error { return err.Err }
