package unwind

import (
	"fmt"

	"github.com/winwalk/winwalk/pkg/pdata"
)

// Context is a snapshot of a thread's integer register file at one point
// in execution. It has value semantics: unwinding never mutates its input,
// it returns the caller's context as a new value.
type Context struct {
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
}

// Reg returns the value of a general purpose register.
func (ctx *Context) Reg(reg pdata.Register) uint64 {
	switch reg {
	case pdata.RAX:
		return ctx.Rax
	case pdata.RCX:
		return ctx.Rcx
	case pdata.RDX:
		return ctx.Rdx
	case pdata.RBX:
		return ctx.Rbx
	case pdata.RSP:
		return ctx.Rsp
	case pdata.RBP:
		return ctx.Rbp
	case pdata.RSI:
		return ctx.Rsi
	case pdata.RDI:
		return ctx.Rdi
	case pdata.R8:
		return ctx.R8
	case pdata.R9:
		return ctx.R9
	case pdata.R10:
		return ctx.R10
	case pdata.R11:
		return ctx.R11
	case pdata.R12:
		return ctx.R12
	case pdata.R13:
		return ctx.R13
	case pdata.R14:
		return ctx.R14
	case pdata.R15:
		return ctx.R15
	}
	panic(fmt.Sprintf("invalid register %d", reg))
}

// SetReg sets the value of a general purpose register.
func (ctx *Context) SetReg(reg pdata.Register, val uint64) {
	switch reg {
	case pdata.RAX:
		ctx.Rax = val
	case pdata.RCX:
		ctx.Rcx = val
	case pdata.RDX:
		ctx.Rdx = val
	case pdata.RBX:
		ctx.Rbx = val
	case pdata.RSP:
		ctx.Rsp = val
	case pdata.RBP:
		ctx.Rbp = val
	case pdata.RSI:
		ctx.Rsi = val
	case pdata.RDI:
		ctx.Rdi = val
	case pdata.R8:
		ctx.R8 = val
	case pdata.R9:
		ctx.R9 = val
	case pdata.R10:
		ctx.R10 = val
	case pdata.R11:
		ctx.R11 = val
	case pdata.R12:
		ctx.R12 = val
	case pdata.R13:
		ctx.R13 = val
	case pdata.R14:
		ctx.R14 = val
	case pdata.R15:
		ctx.R15 = val
	default:
		panic(fmt.Sprintf("invalid register %d", reg))
	}
}
