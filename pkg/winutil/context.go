// Package winutil provides the Windows thread context structures shared by
// the minidump loader and the live process backend.
package winutil

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/winwalk/winwalk/pkg/unwind"
)

// M128A tracks the _M128A windows struct.
type M128A struct {
	Low  uint64
	High int64
}

// XMM_SAVE_AREA32 tracks the _XMM_SAVE_AREA32 windows struct.
type XMM_SAVE_AREA32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsr_Mask     uint32
	FloatRegisters [8]M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// AMD64CONTEXT tracks the _CONTEXT of windows for the amd64 architecture.
type AMD64CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave XMM_SAVE_AREA32

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// AMD64CONTEXTSize is the encoded size of an amd64 CONTEXT record.
const AMD64CONTEXTSize = 1232

// ContextFlags values selecting which parts of a CONTEXT record
// GetThreadContext should fill in.
const (
	AMD64ContextControl  = 0x100001
	AMD64ContextInteger  = 0x100002
	AMD64ContextSegments = 0x100004
)

// NewAMD64CONTEXT allocates and returns a new AMD64CONTEXT, aligned to
// 16 bytes as required by GetThreadContext.
func NewAMD64CONTEXT() *AMD64CONTEXT {
	var c *AMD64CONTEXT
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*AMD64CONTEXT)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

// ParseAMD64CONTEXT decodes a raw CONTEXT record, as stored in the thread
// list stream of a minidump.
func ParseAMD64CONTEXT(raw []byte) (*AMD64CONTEXT, error) {
	var ctx AMD64CONTEXT
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ctx); err != nil {
		return nil, err
	}
	return &ctx, nil
}

// UnwindContext extracts the integer register file used for stack walking.
func (ctx *AMD64CONTEXT) UnwindContext() unwind.Context {
	return unwind.Context{
		Rax: ctx.Rax,
		Rcx: ctx.Rcx,
		Rdx: ctx.Rdx,
		Rbx: ctx.Rbx,
		Rsp: ctx.Rsp,
		Rbp: ctx.Rbp,
		Rsi: ctx.Rsi,
		Rdi: ctx.Rdi,
		R8:  ctx.R8,
		R9:  ctx.R9,
		R10: ctx.R10,
		R11: ctx.R11,
		R12: ctx.R12,
		R13: ctx.R13,
		R14: ctx.R14,
		R15: ctx.R15,
		Rip: ctx.Rip,
	}
}
