// Package unwind walks x64 call stacks using the static unwind metadata
// that Windows compilers emit for every non-leaf function. One call to
// Unwind undoes one call frame: given the register context of a function it
// produces the register context of that function's caller by replaying the
// recorded prologue operations in reverse.
package unwind

import (
	"encoding/binary"
	"io"

	"github.com/winwalk/winwalk/pkg/pdata"
)

// MemoryReader provides read access to target memory. Reads may be
// unaligned and may fail for unmapped or missing regions; failures are
// reported as errors, never as garbage bytes.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// Module is a loaded image exposing its function table and unwind
// metadata.
type Module interface {
	Name() string
	Base() uint64
	// FunctionEntry returns the function table entry covering the given
	// RVA, or an error wrapping pdata.ErrNoFunctionEntry.
	FunctionEntry(rva uint32) (*pdata.FunctionEntry, error)
	// UnwindInfo decodes the unwind record at the given RVA.
	UnwindInfo(rva uint32) (*pdata.UnwindInfo, error)
}

// ModuleResolver maps a virtual address to the module containing it.
type ModuleResolver interface {
	FindModule(addr uint64) (Module, bool)
}

// Method describes how a frame was unwound.
type Method int

const (
	// MethodMetadata is the normal path: reverse replay of the recorded
	// prologue operations.
	MethodMetadata Method = iota
	// MethodLeaf is the fallback for addresses outside any module: the
	// return address is popped directly off the stack.
	MethodLeaf
	// MethodEpilogue means the instruction pointer was inside a
	// recognized epilogue and the remaining epilogue instructions were
	// simulated forward instead of reversing the prologue.
	MethodEpilogue
)

func (m Method) String() string {
	switch m {
	case MethodMetadata:
		return "metadata"
	case MethodLeaf:
		return "leaf"
	case MethodEpilogue:
		return "epilogue"
	}
	return "unknown"
}

// Chained records form a linked list; a longer chain than this in a real
// image means the metadata is corrupt.
const maxChainDepth = 32

// Unwind produces the register context of the immediate caller of ctx.
//
// When ctx.Rip does not resolve to any module the function is treated as a
// metadata-less leaf and the return address is popped directly off the
// stack. All other failures are reported as one of MemoryUnavailableError,
// NoUnwindInfoError or pdata.MalformedMetadataError; the caller owns the
// policy of when to stop walking.
func Unwind(ctx Context, mem MemoryReader, modules ModuleResolver) (Context, Method, error) {
	mod, ok := modules.FindModule(ctx.Rip)
	if !ok {
		out, err := popReturn(ctx, mem)
		return out, MethodLeaf, err
	}

	rva := uint32(ctx.Rip - mod.Base())
	entry, err := mod.FunctionEntry(rva)
	if err != nil {
		return Context{}, MethodMetadata, &NoUnwindInfoError{Module: mod.Name(), Addr: ctx.Rip, Err: err}
	}
	info, err := mod.UnwindInfo(entry.UnwindInfoRVA)
	if err != nil {
		return Context{}, MethodMetadata, err
	}

	funcOff := rva - entry.BeginRVA

	// Reversing prologue operations is wrong while the real epilogue is
	// executing: it has already restored some of the registers. Scan
	// forward for an epilogue first; inside the prologue there is no
	// point trying.
	if funcOff > uint32(info.SizeOfProlog) {
		if out, isEpilogue, err := simulateEpilogue(ctx, mem, mod, entry); isEpilogue {
			return out, MethodEpilogue, err
		}
	}

	out := ctx
	machineFrame := false
	gate := true
	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			return Context{}, MethodMetadata, &pdata.MalformedMetadataError{Reason: "chained unwind info loop"}
		}

		// The frame base for offset-addressed slots. Once an alternate
		// frame pointer is established the stack pointer in ctx no
		// longer locates the frame (the function may move rsp at will),
		// so the base is recovered from the frame register instead.
		frameBase := out.Rsp
		if info.FrameRegister != 0 && frameEstablished(info, funcOff, gate) {
			frameBase = out.Reg(info.FrameRegister) - uint64(info.FrameOffset)
		}

		for _, code := range info.Codes {
			// Codes are stored newest first. Operations past the
			// instruction pointer have not executed yet and must
			// not be reversed. Offsets mark the first byte after
			// the operation's instruction, hence <=.
			if gate && uint32(code.PrologOffset()) > funcOff {
				continue
			}
			switch c := code.(type) {
			case pdata.PushNonVolatile:
				val, err := readUint64(mem, out.Rsp)
				if err != nil {
					return Context{}, MethodMetadata, err
				}
				out.SetReg(c.Reg, val)
				out.Rsp += 8
			case pdata.AllocStack:
				out.Rsp += c.Size
			case pdata.SetFrameRegister:
				// frameBase was computed from the unmodified
				// frame register value, restoring rsp from it
				// here is safe no matter what follows.
				out.Rsp = frameBase
			case pdata.SaveNonVolatile:
				val, err := readUint64(mem, frameBase+uint64(c.SlotOffset))
				if err != nil {
					return Context{}, MethodMetadata, err
				}
				out.SetReg(c.Reg, val)
			case pdata.SaveXMM128:
				// Only the integer register file is tracked.
			case pdata.PushMachineFrame:
				sp := out.Rsp
				if c.HasErrorCode {
					sp += 8
				}
				rip, err := readUint64(mem, sp)
				if err != nil {
					return Context{}, MethodMetadata, err
				}
				rsp, err := readUint64(mem, sp+24)
				if err != nil {
					return Context{}, MethodMetadata, err
				}
				out.Rip = rip
				out.Rsp = rsp
				machineFrame = true
			}
		}

		if !info.IsChained() || info.Chained == nil {
			break
		}
		// The chained parent's prologue ran to completion before this
		// function was entered, its codes apply unconditionally.
		info, err = mod.UnwindInfo(info.Chained.UnwindInfoRVA)
		if err != nil {
			return Context{}, MethodMetadata, err
		}
		gate = false
	}

	if machineFrame {
		// The machine frame already supplied the caller's rip and rsp,
		// there is no return address on the stack to pop.
		return out, MethodMetadata, nil
	}

	out, err = popReturn(out, mem)
	return out, MethodMetadata, err
}

// frameEstablished reports whether the alternate frame pointer held the
// frame base at the instruction pointer's position.
func frameEstablished(info *pdata.UnwindInfo, funcOff uint32, gate bool) bool {
	if !gate || funcOff >= uint32(info.SizeOfProlog) {
		return true
	}
	for _, code := range info.Codes {
		if c, ok := code.(pdata.SetFrameRegister); ok && uint32(c.Offset) <= funcOff {
			return true
		}
	}
	return false
}

// popReturn undoes the call instruction itself: the caller's instruction
// pointer is read off the stack and the slot is released. This is the
// final step of every unwind, including functions with an empty operation
// list.
func popReturn(ctx Context, mem MemoryReader) (Context, error) {
	ret, err := readUint64(mem, ctx.Rsp)
	if err != nil {
		return Context{}, err
	}
	out := ctx
	out.Rip = ret
	out.Rsp += 8
	return out, nil
}

func readUint64(mem MemoryReader, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := mem.ReadMemory(buf[:], addr)
	if err == nil && n != len(buf) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return 0, &MemoryUnavailableError{Addr: addr, Size: len(buf), Err: err}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
