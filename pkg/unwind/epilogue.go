package unwind

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/winwalk/winwalk/pkg/pdata"
)

// Epilogues are short: one stack deallocation, a run of pops, a ret.
const (
	maxEpilogueBytes = 64
	maxEpilogueInsns = 32
)

type epilogueStepKind int

const (
	epilogueSetSP epilogueStepKind = iota // rsp = base + disp
	epilogueAddSP                         // rsp += disp
	epiloguePop                           // reg = [rsp]; rsp += 8
)

type epilogueStep struct {
	kind epilogueStepKind
	reg  pdata.Register // epiloguePop destination, epilogueSetSP base
	disp int64
}

// simulateEpilogue checks whether the instruction pointer is inside a
// function epilogue and, if so, executes the remaining epilogue forward
// instead of reversing the prologue metadata. Reversal would restore
// registers the executed part of the epilogue has already popped.
//
// The scan accepts only the epilogue grammar the x64 ABI prescribes: an
// optional stack deallocation (add rsp,imm / lea rsp,[fp+disp] /
// mov rsp,fp), then register pops, then a return or a tail jump out of the
// function. Anything else means the instruction pointer is not in an
// epilogue and the scan reports false with no side effects.
func simulateEpilogue(ctx Context, mem MemoryReader, mod Module, entry *pdata.FunctionEntry) (Context, bool, error) {
	end := mod.Base() + uint64(entry.EndRVA)
	size := int(end - ctx.Rip)
	if size > maxEpilogueBytes {
		size = maxEpilogueBytes
	}
	if size <= 0 {
		return Context{}, false, nil
	}
	code := make([]byte, size)
	if n, err := mem.ReadMemory(code, ctx.Rip); err != nil || n != size {
		// Unreadable code is not an error here, it only means the
		// epilogue cannot be confirmed and metadata reversal applies.
		return Context{}, false, nil
	}

	steps, ok := scanEpilogue(code, ctx.Rip, mod.Base(), entry)
	if !ok {
		return Context{}, false, nil
	}

	out := ctx
	for _, step := range steps {
		switch step.kind {
		case epilogueSetSP:
			out.Rsp = uint64(int64(out.Reg(step.reg)) + step.disp)
		case epilogueAddSP:
			out.Rsp += uint64(step.disp)
		case epiloguePop:
			val, err := readUint64(mem, out.Rsp)
			if err != nil {
				return Context{}, true, err
			}
			out.SetReg(step.reg, val)
			out.Rsp += 8
		}
	}
	out, err := popReturn(out, mem)
	return out, true, err
}

func scanEpilogue(code []byte, pc, base uint64, entry *pdata.FunctionEntry) ([]epilogueStep, bool) {
	var steps []epilogueStep
	popSeen := false

	off := 0
	for insns := 0; insns < maxEpilogueInsns; insns++ {
		if off >= len(code) {
			return nil, false
		}
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, false
		}

		switch inst.Op {
		case x86asm.ADD:
			if popSeen || len(steps) > 0 {
				return nil, false
			}
			if inst.Args[0] != x86asm.Arg(x86asm.RSP) {
				return nil, false
			}
			imm, ok := inst.Args[1].(x86asm.Imm)
			if !ok || imm < 0 {
				return nil, false
			}
			steps = append(steps, epilogueStep{kind: epilogueAddSP, disp: int64(imm)})
		case x86asm.LEA:
			if popSeen || len(steps) > 0 {
				return nil, false
			}
			if inst.Args[0] != x86asm.Arg(x86asm.RSP) {
				return nil, false
			}
			m, ok := inst.Args[1].(x86asm.Mem)
			if !ok || m.Index != 0 || m.Segment != 0 {
				return nil, false
			}
			reg, ok := regFromX86(m.Base)
			if !ok || reg == pdata.RSP {
				return nil, false
			}
			steps = append(steps, epilogueStep{kind: epilogueSetSP, reg: reg, disp: m.Disp})
		case x86asm.MOV:
			if popSeen || len(steps) > 0 {
				return nil, false
			}
			if inst.Args[0] != x86asm.Arg(x86asm.RSP) {
				return nil, false
			}
			src, ok := inst.Args[1].(x86asm.Reg)
			if !ok {
				return nil, false
			}
			reg, ok := regFromX86(src)
			if !ok || reg == pdata.RSP {
				return nil, false
			}
			steps = append(steps, epilogueStep{kind: epilogueSetSP, reg: reg})
		case x86asm.POP:
			src, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				return nil, false
			}
			reg, ok := regFromX86(src)
			if !ok {
				return nil, false
			}
			popSeen = true
			steps = append(steps, epilogueStep{kind: epiloguePop, reg: reg})
		case x86asm.RET:
			return steps, true
		case x86asm.JMP:
			// A tail call ends an epilogue too, but a relative jump
			// back into the same function is ordinary control flow.
			switch arg := inst.Args[0].(type) {
			case x86asm.Rel:
				target := pc + uint64(off) + uint64(inst.Len) + uint64(int64(arg))
				if entry.Cover(uint32(target - base)) {
					return nil, false
				}
			case x86asm.Mem, x86asm.Reg:
				// Indirect targets are accepted as tail calls.
			default:
				return nil, false
			}
			return steps, true
		default:
			return nil, false
		}
		off += inst.Len
	}
	return nil, false
}

func regFromX86(r x86asm.Reg) (pdata.Register, bool) {
	switch r {
	case x86asm.RAX:
		return pdata.RAX, true
	case x86asm.RCX:
		return pdata.RCX, true
	case x86asm.RDX:
		return pdata.RDX, true
	case x86asm.RBX:
		return pdata.RBX, true
	case x86asm.RSP:
		return pdata.RSP, true
	case x86asm.RBP:
		return pdata.RBP, true
	case x86asm.RSI:
		return pdata.RSI, true
	case x86asm.RDI:
		return pdata.RDI, true
	case x86asm.R8:
		return pdata.R8, true
	case x86asm.R9:
		return pdata.R9, true
	case x86asm.R10:
		return pdata.R10, true
	case x86asm.R11:
		return pdata.R11, true
	case x86asm.R12:
		return pdata.R12, true
	case x86asm.R13:
		return pdata.R13, true
	case x86asm.R14:
		return pdata.R14, true
	case x86asm.R15:
		return pdata.R15, true
	}
	return 0, false
}
