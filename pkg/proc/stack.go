package proc

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/winwalk/winwalk/pkg/logflags"
	"github.com/winwalk/winwalk/pkg/unwind"
)

// Stackframe represents a frame in a thread's call stack.
type Stackframe struct {
	// Regs is the full register context at this frame. For the top
	// frame this is the captured thread context; for the others it is
	// the unwound context, so Regs.Rip is a return address.
	Regs unwind.Context

	// Module is the module containing Rip, or nil when the frame is
	// outside every loaded module.
	Module *Module

	// Method records how the frame below produced this one.
	Method unwind.Method
}

// PC returns the frame's instruction pointer.
func (frame *Stackframe) PC() uint64 { return frame.Regs.Rip }

// SP returns the frame's stack pointer.
func (frame *Stackframe) SP() uint64 { return frame.Regs.Rsp }

// stackIterator walks one thread's stack a frame at a time. The iterator
// owns the walk policy: the unwinder only ever reports that it cannot
// compute a next frame, deciding that the walk is done happens here.
type stackIterator struct {
	ctx     unwind.Context
	mem     MemoryReader
	modules *ModuleList

	top bool
	// leafOK is true while the context belongs to the frame that was
	// actually executing. Only that frame may be unwound without
	// metadata: an unresolvable return address further down the stack
	// is corruption, not a leaf function.
	leafOK bool
	atend  bool
	frame  Stackframe
	err    error

	logger *logrus.Entry
}

func newStackIterator(t *Target, ctx unwind.Context) *stackIterator {
	var logger *logrus.Entry
	if logflags.Stack() {
		logger = logflags.StackLogger()
	}
	return &stackIterator{ctx: ctx, mem: t.Mem, modules: t.Modules, top: true, leafOK: true, logger: logger}
}

// Next points the iterator to the next stack frame.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	if it.top {
		it.top = false
		it.frame = Stackframe{Regs: it.ctx, Module: it.modules.ModuleAt(it.ctx.Rip)}
		return true
	}

	if it.ctx.Rip == 0 {
		// A zero return address is the conventional end of the stack.
		it.atend = true
		return false
	}
	if !it.leafOK && it.modules.ModuleAt(it.ctx.Rip) == nil {
		// A return address outside every loaded module. The leaf
		// fallback was already spent on the executing frame, walking
		// further would only manufacture frames out of stack garbage.
		it.err = &unwind.ModuleNotFoundError{Addr: it.ctx.Rip}
		return false
	}
	it.leafOK = false

	ctx, method, err := unwind.Unwind(it.ctx, it.mem, it.modules)
	if err != nil {
		it.err = err
		return false
	}
	if it.logger != nil {
		it.logger.Debugf("unwound (%s) rip=%#x rsp=%#x -> rip=%#x rsp=%#x", method, it.ctx.Rip, it.ctx.Rsp, ctx.Rip, ctx.Rsp)
	}

	if ctx.Rip == 0 {
		it.atend = true
		return false
	}
	if ctx.Rsp <= it.ctx.Rsp {
		// Stacks grow down, unwinding must move the stack pointer
		// up. Anything else means a corrupt frame chain.
		if it.logger != nil {
			it.logger.Debugf("stack pointer did not advance (%#x -> %#x), stopping", it.ctx.Rsp, ctx.Rsp)
		}
		it.atend = true
		return false
	}

	it.ctx = ctx
	it.frame = Stackframe{Regs: ctx, Module: it.modules.ModuleAt(ctx.Rip), Method: method}
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error {
	return it.err
}

// ThreadStacktrace returns the stack trace of the given thread, walking at
// most depth frames past the first.
//
// The returned frames are always valid even when the error is non-nil: a
// walk interrupted by unreadable memory or missing metadata yields the
// frames unwound so far together with the failure that stopped it, so the
// caller can show a partial stack with an explanation instead of silently
// truncating it.
func ThreadStacktrace(t *Target, th *Thread, depth int) ([]Stackframe, error) {
	if depth < 0 {
		return nil, errors.New("negative maximum stack depth")
	}
	it := newStackIterator(t, th.UnwindContext())
	frames := make([]Stackframe, 0, depth+1)
	for it.Next() {
		frames = append(frames, it.Frame())
		if len(frames) >= depth+1 {
			break
		}
	}
	return frames, it.Err()
}
