package vm

// ---------------------------------------------------------------------------
// StackFrame / FrameManager: call and return bookkeeping
// ---------------------------------------------------------------------------

// StackFrame is the activation record of one function call.
type StackFrame struct {
	Function      *Function // nil when the callee is not in the function table
	ReturnAddress int       // -1 for the root frame
	BasePointer   int       // word index of Locals[0] in the frame stack
	Locals        []int32   // args followed by locals; a view into the frame stack
}

// FrameManager owns the call stack and the word stack holding frame locals.
// fp is the index of the current frame, -1 when no call is active.
type FrameManager struct {
	frames   []*StackFrame
	fp       int
	maxDepth int
	stack    []int32
	top      int // next free word in stack
}

// NewFrameManager creates a frame manager allowing maxDepth nested frames
// whose locals share stackWords words.
func NewFrameManager(maxDepth, stackWords int) *FrameManager {
	return &FrameManager{
		frames:   make([]*StackFrame, 0, min(maxDepth, 64)),
		fp:       -1,
		maxDepth: maxDepth,
		stack:    make([]int32, stackWords),
	}
}

// Call pushes a frame for fn. The first len(args) locals are initialised
// from args; the rest are zero.
func (fm *FrameManager) Call(fn *Function, returnAddress int, args []int32) (*StackFrame, error) {
	if fm.fp+1 >= fm.maxDepth {
		return nil, newFault(KindStackOverflow, "call depth %d exceeds maximum %d", fm.fp+2, fm.maxDepth)
	}

	n := 0
	if fn != nil {
		n = fn.Args + fn.Locals
	}
	if fm.top+n > len(fm.stack) {
		return nil, newFault(KindStackOverflow, "frame of %d words does not fit in stack (%d of %d used)",
			n, fm.top, len(fm.stack))
	}

	bp := fm.top
	locals := fm.stack[bp : bp+n : bp+n]
	clear(locals)
	copy(locals, args)

	frame := &StackFrame{
		Function:      fn,
		ReturnAddress: returnAddress,
		BasePointer:   bp,
		Locals:        locals,
	}
	fm.frames = append(fm.frames, frame)
	fm.fp++
	fm.top += n
	return frame, nil
}

// Return pops the current frame and returns it.
func (fm *FrameManager) Return() (*StackFrame, error) {
	if fm.fp < 0 {
		return nil, newFault(KindStackUnderflow, "return with no active frame")
	}
	frame := fm.frames[fm.fp]
	fm.frames[fm.fp] = nil
	fm.frames = fm.frames[:fm.fp]
	fm.fp--
	fm.top = frame.BasePointer
	return frame, nil
}

// Current returns the active frame, or nil.
func (fm *FrameManager) Current() *StackFrame {
	if fm.fp < 0 {
		return nil
	}
	return fm.frames[fm.fp]
}

// Depth returns the number of active frames.
func (fm *FrameManager) Depth() int { return fm.fp + 1 }

// MaxDepth returns the configured call-depth limit.
func (fm *FrameManager) MaxDepth() int { return fm.maxDepth }

// FramePointer returns the index of the current frame, -1 when empty.
func (fm *FrameManager) FramePointer() int { return fm.fp }

// StackTop returns the word index one past the current frame's locals.
func (fm *FrameManager) StackTop() int { return fm.top }

// LocalIndex translates a frame-relative byte offset into an index in the
// frame stack: basePointer + byteOffset/4.
func (fm *FrameManager) LocalIndex(byteOffset int) (int, error) {
	frame := fm.Current()
	if frame == nil {
		return 0, newFault(KindStackUnderflow, "local access with no active frame")
	}
	idx := frame.BasePointer + byteOffset/WordSize
	if idx < 0 || byteOffset%WordSize != 0 {
		return 0, newFault(KindOutOfBounds, "local offset %d resolves to index %d", byteOffset, idx)
	}
	if idx >= fm.top {
		return 0, newFault(KindOutOfBounds, "local offset %d beyond frame of %d words", byteOffset, len(frame.Locals))
	}
	return idx, nil
}

// LoadLocal reads the local at byteOffset in the current frame.
func (fm *FrameManager) LoadLocal(byteOffset int) (int32, error) {
	idx, err := fm.LocalIndex(byteOffset)
	if err != nil {
		return 0, err
	}
	return fm.stack[idx], nil
}

// StoreLocal writes the local at byteOffset in the current frame.
func (fm *FrameManager) StoreLocal(byteOffset int, v int32) error {
	idx, err := fm.LocalIndex(byteOffset)
	if err != nil {
		return err
	}
	fm.stack[idx] = v
	return nil
}

// Frames returns the active frames, outermost first. The frames themselves
// are shared; callers must treat them as read-only.
func (fm *FrameManager) Frames() []*StackFrame {
	return append([]*StackFrame(nil), fm.frames...)
}

// Reset discards every frame and clears the stack.
func (fm *FrameManager) Reset() {
	clear(fm.frames)
	fm.frames = fm.frames[:0]
	fm.fp = -1
	clear(fm.stack)
	fm.top = 0
}
