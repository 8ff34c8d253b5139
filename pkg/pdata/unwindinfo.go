package pdata

import (
	"encoding/binary"
	"fmt"
)

// Register identifies a general purpose register using the x64 instruction
// encoding numbering, which is also the numbering used by the OpInfo field
// of unwind codes.
type Register uint8

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var registerNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// Flags of an UNWIND_INFO record.
const (
	FlagEHandler  = 0x1 // function has an exception handler
	FlagUHandler  = 0x2 // function has a termination handler
	FlagChainInfo = 0x4 // record is chained to a parent RUNTIME_FUNCTION
)

// Unwind operation opcodes as stored in the UnwindOp field of an
// UNWIND_CODE slot.
const (
	opPushNonVolatile = iota // UWOP_PUSH_NONVOL
	opAllocLarge             // UWOP_ALLOC_LARGE
	opAllocSmall             // UWOP_ALLOC_SMALL
	opSetFrameRegister       // UWOP_SET_FPREG
	opSaveNonVolatile        // UWOP_SAVE_NONVOL
	opSaveNonVolatileFar     // UWOP_SAVE_NONVOL_FAR
	opEpilog                 // UWOP_EPILOG (version 2)
	opSpareCode              // UWOP_SPARE_CODE (version 2)
	opSaveXMM128             // UWOP_SAVE_XMM128
	opSaveXMM128Far          // UWOP_SAVE_XMM128_FAR
	opPushMachineFrame       // UWOP_PUSH_MACHFRAME
)

// UnwindCode is one primitive prologue operation recorded in an UNWIND_INFO
// record. The concrete type identifies the operation kind; interpretation
// must switch exhaustively over all of them.
// Codes are stored in reverse chronological order relative to prologue
// execution and are replayed in storage order during unwinding.
type UnwindCode interface {
	// PrologOffset returns the offset of the byte after the prologue
	// instruction performing this operation. The operation applies
	// during unwinding only when this offset is <= the instruction
	// pointer's offset into the function.
	PrologOffset() uint8
}

// PushNonVolatile records "push reg".
type PushNonVolatile struct {
	Offset uint8
	Reg    Register
}

// AllocStack records "sub rsp, Size". Both the small and the large
// encodings decode to this.
type AllocStack struct {
	Offset uint8
	Size   uint64
}

// SetFrameRegister records "lea fp, [rsp+FrameOffset]" establishing an
// alternate frame pointer.
type SetFrameRegister struct {
	Offset      uint8
	Reg         Register
	FrameOffset uint32
}

// SaveNonVolatile records "mov [rsp+SlotOffset], reg", a non-destructive
// save that does not move the stack pointer.
type SaveNonVolatile struct {
	Offset     uint8
	Reg        Register
	SlotOffset uint32
}

// SaveXMM128 records "movaps [rsp+SlotOffset], xmmN".
type SaveXMM128 struct {
	Offset     uint8
	Reg        uint8 // XMM register number
	SlotOffset uint32
}

// PushMachineFrame records a hardware-pushed interrupt frame.
type PushMachineFrame struct {
	Offset       uint8
	HasErrorCode bool
}

func (c PushNonVolatile) PrologOffset() uint8  { return c.Offset }
func (c AllocStack) PrologOffset() uint8       { return c.Offset }
func (c SetFrameRegister) PrologOffset() uint8 { return c.Offset }
func (c SaveNonVolatile) PrologOffset() uint8  { return c.Offset }
func (c SaveXMM128) PrologOffset() uint8       { return c.Offset }
func (c PushMachineFrame) PrologOffset() uint8 { return c.Offset }

// UnwindInfo is the decoded form of one UNWIND_INFO record.
type UnwindInfo struct {
	Version      uint8
	Flags        uint8
	SizeOfProlog uint8

	// FrameRegister is the alternate frame pointer register, or 0 when
	// the function addresses its frame from rsp only.
	FrameRegister Register
	// FrameOffset is the distance, in bytes, from the stack pointer to
	// the frame register at the point it was established.
	FrameOffset uint32

	Codes []UnwindCode

	// Chained is the parent function entry when FlagChainInfo is set.
	Chained *FunctionEntry
}

// IsChained reports whether info is chained to a parent record.
func (info *UnwindInfo) IsChained() bool {
	return info.Flags&FlagChainInfo != 0
}

// MalformedMetadataError is returned when an unwind record is truncated or
// internally inconsistent. It always indicates either corrupt target data
// or a decoder bug and is never silently ignored.
type MalformedMetadataError struct {
	Offset int
	Reason string
}

func (err *MalformedMetadataError) Error() string {
	return fmt.Sprintf("malformed unwind info at offset %#x: %s", err.Offset, err.Reason)
}

func malformed(off int, format string, args ...interface{}) error {
	return &MalformedMetadataError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// UnwindInfoSize is the number of bytes occupied by an encoded record with
// the given unwind code slot count, excluding the optional handler data and
// including the chained function entry if chained is set.
// Slot arrays are padded to an even count for alignment.
func UnwindInfoSize(countOfCodes uint8, chained bool) int {
	n := 4 + 2*int(countOfCodes)
	if countOfCodes%2 != 0 {
		n += 2
	}
	if chained {
		n += 12
	}
	return n
}

// MaxUnwindInfoSize is the largest possible encoded record size.
const MaxUnwindInfoSize = 4 + 2*256 + 12

// ParseUnwindInfo decodes a single UNWIND_INFO record from the beginning of
// b. Trailing bytes beyond the encoded record are ignored, so callers may
// pass an oversized buffer read from target memory.
func ParseUnwindInfo(b []byte) (*UnwindInfo, error) {
	if len(b) < 4 {
		return nil, malformed(0, "truncated header, have %d bytes", len(b))
	}

	info := &UnwindInfo{
		Version:       b[0] & 0x7,
		Flags:         b[0] >> 3,
		SizeOfProlog:  b[1],
		FrameRegister: Register(b[3] & 0xf),
		FrameOffset:   uint32(b[3]>>4) * 16,
	}
	if info.Version != 1 && info.Version != 2 {
		return nil, malformed(0, "unsupported version %d", info.Version)
	}

	countOfCodes := int(b[2])
	slots := b[4:]
	if len(slots) < 2*countOfCodes {
		return nil, malformed(4, "%d code slots declared, %d bytes available", countOfCodes, len(slots))
	}
	slots = slots[:2*countOfCodes]

	slot := func(i int) (codeOffset uint8, op uint8, opInfo uint8) {
		return slots[2*i], slots[2*i+1] & 0xf, slots[2*i+1] >> 4
	}
	// Operand slots are read as raw little endian words.
	word := func(i int) uint16 {
		return binary.LittleEndian.Uint16(slots[2*i:])
	}

	for i := 0; i < countOfCodes; {
		codeOffset, op, opInfo := slot(i)
		used := 1
		switch op {
		case opPushNonVolatile:
			info.Codes = append(info.Codes, PushNonVolatile{Offset: codeOffset, Reg: Register(opInfo)})
		case opAllocLarge:
			switch opInfo {
			case 0:
				used = 2
				if i+used > countOfCodes {
					return nil, malformed(4+2*i, "alloc large needs %d slots, %d left", used, countOfCodes-i)
				}
				info.Codes = append(info.Codes, AllocStack{Offset: codeOffset, Size: uint64(word(i+1)) * 8})
			case 1:
				used = 3
				if i+used > countOfCodes {
					return nil, malformed(4+2*i, "alloc large needs %d slots, %d left", used, countOfCodes-i)
				}
				size := uint64(word(i+1)) | uint64(word(i+2))<<16
				info.Codes = append(info.Codes, AllocStack{Offset: codeOffset, Size: size})
			default:
				return nil, malformed(4+2*i, "alloc large with invalid operation info %d", opInfo)
			}
		case opAllocSmall:
			info.Codes = append(info.Codes, AllocStack{Offset: codeOffset, Size: uint64(opInfo)*8 + 8})
		case opSetFrameRegister:
			if info.FrameRegister == 0 {
				return nil, malformed(4+2*i, "set frame register code without a frame register in the header")
			}
			info.Codes = append(info.Codes, SetFrameRegister{Offset: codeOffset, Reg: info.FrameRegister, FrameOffset: info.FrameOffset})
		case opSaveNonVolatile:
			used = 2
			if i+used > countOfCodes {
				return nil, malformed(4+2*i, "save nonvolatile needs %d slots, %d left", used, countOfCodes-i)
			}
			info.Codes = append(info.Codes, SaveNonVolatile{Offset: codeOffset, Reg: Register(opInfo), SlotOffset: uint32(word(i+1)) * 8})
		case opSaveNonVolatileFar:
			used = 3
			if i+used > countOfCodes {
				return nil, malformed(4+2*i, "save nonvolatile far needs %d slots, %d left", used, countOfCodes-i)
			}
			off := uint32(word(i+1)) | uint32(word(i+2))<<16
			info.Codes = append(info.Codes, SaveNonVolatile{Offset: codeOffset, Reg: Register(opInfo), SlotOffset: off})
		case opEpilog, opSpareCode:
			// Version 2 epilogue descriptors carry no prologue
			// operation, they only locate epilogues. Skip the slots.
			if info.Version < 2 {
				return nil, malformed(4+2*i, "version 2 opcode %d in a version 1 record", op)
			}
			if op == opEpilog {
				used = 2
			} else {
				used = 3
			}
			if i+used > countOfCodes {
				return nil, malformed(4+2*i, "opcode %d needs %d slots, %d left", op, used, countOfCodes-i)
			}
		case opSaveXMM128:
			used = 2
			if i+used > countOfCodes {
				return nil, malformed(4+2*i, "save xmm128 needs %d slots, %d left", used, countOfCodes-i)
			}
			info.Codes = append(info.Codes, SaveXMM128{Offset: codeOffset, Reg: opInfo, SlotOffset: uint32(word(i+1)) * 16})
		case opSaveXMM128Far:
			used = 3
			if i+used > countOfCodes {
				return nil, malformed(4+2*i, "save xmm128 far needs %d slots, %d left", used, countOfCodes-i)
			}
			off := uint32(word(i+1)) | uint32(word(i+2))<<16
			info.Codes = append(info.Codes, SaveXMM128{Offset: codeOffset, Reg: opInfo, SlotOffset: off})
		case opPushMachineFrame:
			if opInfo > 1 {
				return nil, malformed(4+2*i, "push machine frame with invalid operation info %d", opInfo)
			}
			info.Codes = append(info.Codes, PushMachineFrame{Offset: codeOffset, HasErrorCode: opInfo == 1})
		default:
			return nil, malformed(4+2*i, "unknown opcode %d", op)
		}
		i += used
	}

	if info.IsChained() {
		// The chained RUNTIME_FUNCTION follows the code array, which is
		// padded to an even slot count.
		off := 4 + 2*countOfCodes
		if countOfCodes%2 != 0 {
			off += 2
		}
		if len(b) < off+12 {
			return nil, malformed(off, "truncated chained function entry")
		}
		info.Chained = &FunctionEntry{
			BeginRVA:      binary.LittleEndian.Uint32(b[off:]),
			EndRVA:        binary.LittleEndian.Uint32(b[off+4:]),
			UnwindInfoRVA: binary.LittleEndian.Uint32(b[off+8:]),
		}
	}

	return info, nil
}
