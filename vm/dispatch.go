package vm

import (
	"io"
	"sort"
)

// ---------------------------------------------------------------------------
// Executors and the per-VM dispatch table
// ---------------------------------------------------------------------------

// Executor implements one opcode. operand is the full instruction word; the
// ExecContext field helpers pull rd, rs1, rs2 and immediates out of it.
type Executor interface {
	Execute(operand uint32, ctx *ExecContext) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(operand uint32, ctx *ExecContext) error

// Execute calls f.
func (f ExecutorFunc) Execute(operand uint32, ctx *ExecContext) error {
	return f(operand, ctx)
}

// DispatchTable maps opcodes to executors. Every VM owns its own table, so
// registering or removing an executor never affects another VM.
type DispatchTable struct {
	executors [MaxOpcode + 1]Executor
}

// NewDispatchTable creates a table holding the built-in instruction set.
func NewDispatchTable() *DispatchTable {
	t := &DispatchTable{}
	t.ResetToDefaults()
	return t
}

func isNilExecutor(ex Executor) bool {
	if ex == nil {
		return true
	}
	if f, ok := ex.(ExecutorFunc); ok && f == nil {
		return true
	}
	return false
}

// Register installs ex for op, replacing any previous executor.
func (t *DispatchTable) Register(op Opcode, ex Executor) error {
	if !op.Valid() {
		return newFault(KindInvalidArgument, "opcode %d outside [0,%d]", op, MaxOpcode)
	}
	if isNilExecutor(ex) {
		return newFault(KindInvalidArgument, "nil executor for opcode %s", op)
	}
	t.executors[op] = ex
	return nil
}

// Unregister removes the executor for op and returns it.
func (t *DispatchTable) Unregister(op Opcode) (Executor, bool) {
	if !op.Valid() {
		return nil, false
	}
	prev := t.executors[op]
	t.executors[op] = nil
	return prev, prev != nil
}

// Lookup returns the executor registered for op.
func (t *DispatchTable) Lookup(op Opcode) (Executor, bool) {
	if !op.Valid() {
		return nil, false
	}
	ex := t.executors[op]
	return ex, ex != nil
}

// Clear removes every executor.
func (t *DispatchTable) Clear() {
	t.executors = [MaxOpcode + 1]Executor{}
}

// ResetToDefaults replaces the table's contents with the built-in
// instruction set.
func (t *DispatchTable) ResetToDefaults() {
	t.Clear()
	for op, info := range opcodeTable {
		t.executors[op] = categoryExecutor(info.Category, op)
	}
}

// Len returns the number of registered executors.
func (t *DispatchTable) Len() int {
	n := 0
	for _, ex := range t.executors {
		if ex != nil {
			n++
		}
	}
	return n
}

// Registered returns the opcodes that have an executor, in numeric order.
func (t *DispatchTable) Registered() []Opcode {
	var out []Opcode
	for op, ex := range t.executors {
		if ex != nil {
			out = append(out, Opcode(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func categoryExecutor(c Category, op Opcode) Executor {
	switch c {
	case CategoryControl:
		return controlExecutor(op)
	case CategoryArithmetic:
		return arithmeticExecutor(op)
	case CategoryComparison:
		return comparisonExecutor(op)
	case CategoryMemory:
		return memoryExecutor(op)
	}
	panic("vm: no executor family for category " + c.String())
}

// ---------------------------------------------------------------------------
// ExecContext: what an executor may see and touch
// ---------------------------------------------------------------------------

// ExecContext is handed to executors. The engine reuses one context for the
// whole run and resets the per-instruction state before every dispatch.
type ExecContext struct {
	vm *VM

	pc         int
	op         Opcode
	jumpTarget int
	jumpSet    bool
	halted     bool
}

func (c *ExecContext) reset(pc int, op Opcode) {
	c.pc = pc
	c.op = op
	c.jumpTarget = 0
	c.jumpSet = false
	c.halted = false
}

// PC returns the address of the executing instruction.
func (c *ExecContext) PC() int { return c.pc }

// Opcode returns the executing opcode.
func (c *ExecContext) Opcode() Opcode { return c.op }

func (c *ExecContext) Registers() *RegisterFile { return c.vm.regs }
func (c *ExecContext) Memory() Memory           { return c.vm.mem }
func (c *ExecContext) Heap() *Heap              { return c.vm.heap }
func (c *ExecContext) Frames() *FrameManager    { return c.vm.frames }
func (c *ExecContext) Program() *Program        { return c.vm.program }
func (c *ExecContext) Output() io.Writer        { return c.vm.output }

// Reg reads register n.
func (c *ExecContext) Reg(n int) (int32, error) { return c.vm.regs.Read(n) }

// SetReg writes register n.
func (c *ExecContext) SetReg(n int, v int32) error { return c.vm.regs.Write(n, v) }

// SetJumpTarget requests that execution continue at target instead of the
// next instruction. target must be word aligned and inside the code segment.
func (c *ExecContext) SetJumpTarget(target int) error {
	size := c.vm.mem.CodeSize()
	if target < 0 || target >= size {
		return newFault(KindInvalidArgument, "jump target %d outside code [0,%d)", target, size)
	}
	if target%WordSize != 0 {
		return newFault(KindInvalidArgument, "jump target %d is not %d-byte aligned", target, WordSize)
	}
	c.jumpTarget = target
	c.jumpSet = true
	return nil
}

// JumpTarget returns the requested jump target, if any.
func (c *ExecContext) JumpTarget() (int, bool) { return c.jumpTarget, c.jumpSet }

// Halt ends the run after the current instruction.
func (c *ExecContext) Halt() { c.halted = true }

func (c *ExecContext) ExtractRd(w uint32) int      { return ExtractRd(w) }
func (c *ExecContext) ExtractRs1(w uint32) int     { return ExtractRs1(w) }
func (c *ExecContext) ExtractRs2(w uint32) int     { return ExtractRs2(w) }
func (c *ExecContext) ExtractImm16(w uint32) int32 { return ExtractImm16(w) }
func (c *ExecContext) ExtractImm26(w uint32) int32 { return ExtractImm26(w) }
