package winutil

// Register is a single named register value, for display.
type Register struct {
	Name  string
	Value uint64
}

// Slice returns the integer registers of the context as a list of
// (name, value) pairs, in the customary display order.
func (ctx *AMD64CONTEXT) Slice() []Register {
	return []Register{
		{"rip", ctx.Rip},
		{"rsp", ctx.Rsp},
		{"rax", ctx.Rax},
		{"rbx", ctx.Rbx},
		{"rcx", ctx.Rcx},
		{"rdx", ctx.Rdx},
		{"rdi", ctx.Rdi},
		{"rsi", ctx.Rsi},
		{"rbp", ctx.Rbp},
		{"r8", ctx.R8},
		{"r9", ctx.R9},
		{"r10", ctx.R10},
		{"r11", ctx.R11},
		{"r12", ctx.R12},
		{"r13", ctx.R13},
		{"r14", ctx.R14},
		{"r15", ctx.R15},
		{"eflags", uint64(ctx.EFlags)},
		{"cs", uint64(ctx.SegCs)},
		{"ss", uint64(ctx.SegSs)},
	}
}
