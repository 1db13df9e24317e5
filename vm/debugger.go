package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Debugger: breakpoints, stepping and inspection for one VM
// ---------------------------------------------------------------------------

// Debugger pauses a VM at code addresses and reports what happened on an
// event channel. It does nothing until activated. Breakpoints and step
// requests take effect on the VM's next Run; the run returns with the VM
// paused and a "stopped" event is sent.
type Debugger struct {
	vm          *VM
	active      atomic.Bool
	breakpoints map[int]*Breakpoint
	eventChan   chan DebugEvent
	mu          sync.Mutex

	// Stepping state
	stepMode  StepMode
	stepDepth int // frame depth when the step was requested
}

// StepMode indicates the current stepping mode.
type StepMode int

const (
	StepNone StepMode = iota
	StepOver
	StepInto
	StepOut
)

// Event types sent on the debugger's channel.
const (
	EventStopped       = "stopped"
	EventBreakpointHit = "breakpointHit"
	EventFault         = "fault"
	EventHalted        = "halted"
)

// DebugEvent is a debugging event sent to clients.
type DebugEvent struct {
	Type     string // one of the Event constants
	Reason   string // "breakpoint", "step", "pause" or the fault message
	PC       int
	Function string // function containing PC, if known
	Fault    *Fault // for EventFault
}

// Breakpoint is a code address the VM pauses at.
type Breakpoint struct {
	PC       int
	Enabled  bool
	HitCount int
}

// FrameInfo describes one active frame for inspection, innermost first.
type FrameInfo struct {
	Index         int
	Function      string
	ReturnAddress int
	BasePointer   int
}

// Variable is a named local slot of a frame.
type Variable struct {
	Name  string
	Value int32
}

func newDebugger(vm *VM) *Debugger {
	return &Debugger{
		vm:          vm,
		breakpoints: make(map[int]*Breakpoint),
		eventChan:   make(chan DebugEvent, 100),
	}
}

// Activate enables breakpoints, stepping and events.
func (d *Debugger) Activate() { d.active.Store(true) }

// Deactivate disables the debugger and cancels any pending step.
func (d *Debugger) Deactivate() {
	d.active.Store(false)
	d.mu.Lock()
	d.stepMode = StepNone
	d.mu.Unlock()
}

// IsActive reports whether the debugger is active.
func (d *Debugger) IsActive() bool { return d.active.Load() }

// Events returns the event channel. Events are dropped when it is full.
func (d *Debugger) Events() <-chan DebugEvent { return d.eventChan }

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

func (d *Debugger) checkAddress(pc int) error {
	size := d.vm.CodeSize()
	if pc < 0 || pc >= size || pc%WordSize != 0 {
		return newFault(KindInvalidArgument, "breakpoint address %d is not an instruction in code [0,%d)", pc, size)
	}
	return nil
}

// SetBreakpoint sets an enabled breakpoint at pc.
func (d *Debugger) SetBreakpoint(pc int) error {
	if err := d.checkAddress(pc); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if bp, ok := d.breakpoints[pc]; ok {
		bp.Enabled = true
		return nil
	}
	d.breakpoints[pc] = &Breakpoint{PC: pc, Enabled: true}
	return nil
}

// RemoveBreakpoint removes the breakpoint at pc.
func (d *Debugger) RemoveBreakpoint(pc int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.breakpoints[pc]; !ok {
		return fmt.Errorf("no breakpoint at %d", pc)
	}
	delete(d.breakpoints, pc)
	return nil
}

// ListBreakpoints returns all breakpoints ordered by address.
func (d *Debugger) ListBreakpoints() []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Breakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PC < out[j].PC })
	return out
}

// HasBreakpoint reports whether an enabled breakpoint exists at pc.
func (d *Debugger) HasBreakpoint(pc int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	bp, ok := d.breakpoints[pc]
	return ok && bp.Enabled
}

// ClearAllBreakpoints removes every breakpoint.
func (d *Debugger) ClearAllBreakpoints() {
	d.mu.Lock()
	d.breakpoints = make(map[int]*Breakpoint)
	d.mu.Unlock()
}

// EnableBreakpoint re-enables the breakpoint at pc.
func (d *Debugger) EnableBreakpoint(pc int) error { return d.setEnabled(pc, true) }

// DisableBreakpoint keeps the breakpoint at pc but stops it from firing.
func (d *Debugger) DisableBreakpoint(pc int) error { return d.setEnabled(pc, false) }

func (d *Debugger) setEnabled(pc int, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bp, ok := d.breakpoints[pc]
	if !ok {
		return fmt.Errorf("no breakpoint at %d", pc)
	}
	bp.Enabled = on
	return nil
}

// ---------------------------------------------------------------------------
// Stepping
// ---------------------------------------------------------------------------

func (d *Debugger) step(mode StepMode) {
	d.mu.Lock()
	d.stepMode = mode
	d.stepDepth = d.vm.frames.Depth()
	d.mu.Unlock()
}

// StepInto makes the next Run stop before the next instruction.
func (d *Debugger) StepInto() { d.step(StepInto) }

// StepOver makes the next Run stop at the next instruction in the current
// frame or a caller, running any calls to completion.
func (d *Debugger) StepOver() { d.step(StepOver) }

// StepOut makes the next Run stop once the current frame has returned.
func (d *Debugger) StepOut() { d.step(StepOut) }

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// CallStack returns the active frames, innermost first.
func (d *Debugger) CallStack() []FrameInfo {
	frames := d.vm.frames.Frames()
	out := make([]FrameInfo, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		out = append(out, FrameInfo{
			Index:         i,
			Function:      functionName(f.Function),
			ReturnAddress: f.ReturnAddress,
			BasePointer:   f.BasePointer,
		})
	}
	return out
}

// Locals returns the argument and local slots of the frame with the given
// index (0 is the outermost frame). Arguments are named argN, the rest
// localN.
func (d *Debugger) Locals(index int) ([]Variable, error) {
	frames := d.vm.frames.Frames()
	if index < 0 || index >= len(frames) {
		return nil, newFault(KindOutOfBounds, "frame %d outside call stack of %d", index, len(frames))
	}
	f := frames[index]
	args := 0
	if f.Function != nil {
		args = f.Function.Args
	}
	vars := make([]Variable, len(f.Locals))
	for i, v := range f.Locals {
		name := fmt.Sprintf("local%d", i-args)
		if i < args {
			name = fmt.Sprintf("arg%d", i)
		}
		vars[i] = Variable{Name: name, Value: v}
	}
	return vars, nil
}

func functionName(fn *Function) string {
	if fn == nil {
		return "<anonymous>"
	}
	return fn.Name
}

func (d *Debugger) functionAt(pc int) string {
	if d.vm.program == nil {
		return ""
	}
	if fn := d.vm.program.FunctionContaining(pc); fn != nil {
		return fn.Name
	}
	return ""
}

// ---------------------------------------------------------------------------
// Engine hooks
// ---------------------------------------------------------------------------

// checkStop is called before every instruction of Run. resumedFrom is the
// reason the VM last paused when pc is the instruction it paused on, else
// "". That instruction never satisfies a step request, and its breakpoint
// fires unless it is the one that paused the VM.
func (d *Debugger) checkStop(pc, depth int, resumedFrom string) (bool, string) {
	if !d.active.Load() {
		return false, ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if resumedFrom == "breakpoint" {
		return false, ""
	}
	if bp, ok := d.breakpoints[pc]; ok && bp.Enabled {
		bp.HitCount++
		d.stepMode = StepNone
		d.sendEvent(DebugEvent{Type: EventBreakpointHit, Reason: "breakpoint", PC: pc, Function: d.functionAt(pc)})
		return true, "breakpoint"
	}

	if resumedFrom != "" {
		return false, ""
	}
	stop := false
	switch d.stepMode {
	case StepInto:
		stop = true
	case StepOver:
		stop = depth <= d.stepDepth
	case StepOut:
		stop = depth < d.stepDepth
	}
	if stop {
		d.stepMode = StepNone
		return true, "step"
	}
	return false, ""
}

func (d *Debugger) notifyStopped(pc int, reason string) {
	if d.active.Load() {
		d.sendEvent(DebugEvent{Type: EventStopped, Reason: reason, PC: pc, Function: d.functionAt(pc)})
	}
}

func (d *Debugger) notifyHalted(pc int) {
	if d.active.Load() {
		d.sendEvent(DebugEvent{Type: EventHalted, PC: pc, Function: d.functionAt(pc)})
	}
}

func (d *Debugger) notifyFault(f *Fault) {
	if d.active.Load() {
		d.sendEvent(DebugEvent{Type: EventFault, Reason: f.Error(), PC: f.PC, Function: d.functionAt(f.PC), Fault: f})
	}
}

func (d *Debugger) sendEvent(event DebugEvent) {
	select {
	case d.eventChan <- event:
	default:
		// Channel full, drop event
	}
}
