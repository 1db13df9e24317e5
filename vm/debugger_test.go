package vm

import (
	"errors"
	"testing"
)

// addProgram calls add(5, 7) and prints the result.
//
//	0  LI r1, 5
//	4  LI r2, 7
//	8  CALL add
//	12 OUT r1
//	16 HALT
//	20 add: LDL r1, 0
//	24      LDL r2, 4
//	28      ADD r1, r1, r2
//	32      RET
func addProgram(b *ProgramBuilder) {
	add := b.NewLabel("add")
	b.Function("main", 0, 0)
	b.EmitI(OpLI, 1, 0, 5)
	b.EmitI(OpLI, 2, 0, 7)
	b.EmitJump(OpCALL, add)
	b.EmitR(OpOUT, 1, 0, 0)
	b.Emit(OpHALT)
	b.Mark(add)
	b.Function("add", 2, 0)
	b.EmitI(OpLDL, 1, 0, 0)
	b.EmitI(OpLDL, 2, 0, 4)
	b.EmitR(OpADD, 1, 1, 2)
	b.Emit(OpRET)
}

func drainEvents(d *Debugger) []DebugEvent {
	var out []DebugEvent
	for {
		select {
		case ev := <-d.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// runTo runs until the VM pauses and checks where.
func runTo(t *testing.T, vm *VM, pc int) {
	t.Helper()
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if vm.State() != StatePaused || vm.PC() != pc {
		t.Fatalf("state=%s pc=%d, want paused at %d", vm.State(), vm.PC(), pc)
	}
}

func TestDebuggerBreakpoint(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.Activate()
	if err := d.SetBreakpoint(20); err != nil {
		t.Fatal(err)
	}

	runTo(t, vm, 20)
	events := drainEvents(d)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want breakpointHit and stopped", events)
	}
	if events[0].Type != EventBreakpointHit || events[0].Function != "add" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != EventStopped || events[1].Reason != "breakpoint" {
		t.Errorf("second event = %+v", events[1])
	}

	// Resuming does not stop on the same breakpoint again.
	if err := vm.Run(); err != nil {
		t.Fatal(err)
	}
	if vm.State() != StateHalted {
		t.Fatalf("state = %s, want halted", vm.State())
	}
	events = drainEvents(d)
	if len(events) != 1 || events[0].Type != EventHalted || events[0].PC != 16 {
		t.Errorf("events = %+v, want halted at 16", events)
	}
	if bps := d.ListBreakpoints(); len(bps) != 1 || bps[0].HitCount != 1 {
		t.Errorf("breakpoints = %+v, want one hit", bps)
	}
}

func TestDebuggerInactiveIgnoresBreakpoints(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.SetBreakpoint(20)
	if err := vm.Exec(); err != nil {
		t.Fatal(err)
	}
	if vm.State() != StateHalted {
		t.Errorf("state = %s, want halted", vm.State())
	}
	if n := len(drainEvents(d)); n != 0 {
		t.Errorf("inactive debugger sent %d events", n)
	}
}

func TestDebuggerBreakpointManagement(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()

	for _, pc := range []int{-4, 2, 36, 400} {
		if err := d.SetBreakpoint(pc); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetBreakpoint(%d) = %v, want invalid argument", pc, err)
		}
	}

	d.SetBreakpoint(24)
	d.SetBreakpoint(4)
	bps := d.ListBreakpoints()
	if len(bps) != 2 || bps[0].PC != 4 || bps[1].PC != 24 {
		t.Errorf("ListBreakpoints = %+v, want [4 24]", bps)
	}

	if err := d.DisableBreakpoint(4); err != nil {
		t.Fatal(err)
	}
	if d.HasBreakpoint(4) {
		t.Error("disabled breakpoint reported as set")
	}
	d.EnableBreakpoint(4)
	if !d.HasBreakpoint(4) {
		t.Error("re-enabled breakpoint not reported")
	}

	if err := d.RemoveBreakpoint(4); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveBreakpoint(4); err == nil {
		t.Error("removing a missing breakpoint should fail")
	}
	if err := d.EnableBreakpoint(8); err == nil {
		t.Error("enabling a missing breakpoint should fail")
	}
	d.ClearAllBreakpoints()
	if len(d.ListBreakpoints()) != 0 {
		t.Error("ClearAllBreakpoints left breakpoints")
	}
}

func TestDebuggerDisabledBreakpointDoesNotFire(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.Activate()
	d.SetBreakpoint(20)
	d.DisableBreakpoint(20)
	if err := vm.Exec(); err != nil {
		t.Fatal(err)
	}
	if vm.State() != StateHalted {
		t.Errorf("state = %s, want halted", vm.State())
	}
}

func TestDebuggerStepping(t *testing.T) {
	tests := []struct {
		name   string
		start  int
		step   func(d *Debugger)
		stopAt int
	}{
		{"into", 8, (*Debugger).StepInto, 20},
		{"over", 8, (*Debugger).StepOver, 12},
		{"out", 24, (*Debugger).StepOut, 12},
		{"over inside callee", 24, (*Debugger).StepOver, 28},
	}
	for _, tt := range tests {
		vm := buildVM(t, testConfig(), addProgram)
		d := vm.Debugger()
		d.Activate()
		d.SetBreakpoint(tt.start)
		runTo(t, vm, tt.start)
		d.ClearAllBreakpoints()
		drainEvents(d)

		tt.step(d)
		if err := vm.Run(); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if vm.State() != StatePaused || vm.PC() != tt.stopAt {
			t.Errorf("step %s: state=%s pc=%d, want paused at %d", tt.name, vm.State(), vm.PC(), tt.stopAt)
		}
		events := drainEvents(d)
		if len(events) != 1 || events[0].Reason != "step" {
			t.Errorf("step %s: events = %+v", tt.name, events)
		}
	}
}

func TestDebuggerInspection(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.Activate()
	d.SetBreakpoint(28)
	runTo(t, vm, 28)

	stack := d.CallStack()
	if len(stack) != 2 {
		t.Fatalf("CallStack = %+v, want 2 frames", stack)
	}
	if stack[0].Function != "add" || stack[0].ReturnAddress != 12 || stack[0].Index != 1 {
		t.Errorf("innermost frame = %+v", stack[0])
	}
	if stack[1].Function != "main" || stack[1].ReturnAddress != -1 {
		t.Errorf("outer frame = %+v", stack[1])
	}

	vars, err := d.Locals(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(vars) != 2 || vars[0] != (Variable{"arg0", 5}) || vars[1] != (Variable{"arg1", 7}) {
		t.Errorf("Locals = %+v", vars)
	}
	if _, err := d.Locals(2); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Locals(2) = %v, want out of bounds", err)
	}
}

func TestDebuggerAnonymousFrame(t *testing.T) {
	vm := buildVM(t, testConfig(), func(b *ProgramBuilder) {
		b.Emit(OpNOP)
		b.Emit(OpHALT)
	})
	d := vm.Debugger()
	d.Activate()
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}
	d.StepInto()
	runTo(t, vm, 0)
	if stack := d.CallStack(); len(stack) != 1 || stack[0].Function != "<anonymous>" {
		t.Errorf("CallStack = %+v", stack)
	}
}

func TestDebuggerFaultEvent(t *testing.T) {
	vm := buildVM(t, testConfig(), func(b *ProgramBuilder) {
		b.Function("main", 0, 0)
		b.EmitR(OpDIV, 1, 1, 0)
	})
	d := vm.Debugger()
	d.Activate()
	if err := vm.Exec(); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("Exec = %v", err)
	}
	events := drainEvents(d)
	if len(events) != 1 || events[0].Type != EventFault {
		t.Fatalf("events = %+v, want one fault", events)
	}
	if events[0].Fault == nil || events[0].Fault.Kind != KindDivisionByZero || events[0].Function != "main" {
		t.Errorf("fault event = %+v", events[0])
	}
}

func TestDebuggerDeactivateCancelsStep(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.Activate()
	d.StepInto()
	d.Deactivate()
	if d.IsActive() {
		t.Fatal("still active")
	}
	if err := vm.Exec(); err != nil {
		t.Fatal(err)
	}
	if vm.State() != StateHalted {
		t.Errorf("state = %s, want halted", vm.State())
	}
}

func TestDebuggerBreakpointAfterExternalPause(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.Activate()
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}
	d.SetBreakpoint(0)

	// A pause request lands before the breakpoint is consulted.
	vm.Pause()
	runTo(t, vm, 0)
	events := drainEvents(d)
	if len(events) != 1 || events[0].Reason != "pause" {
		t.Fatalf("events = %+v, want one pause stop", events)
	}

	// The breakpoint on the paused instruction has not fired yet.
	runTo(t, vm, 0)
	events = drainEvents(d)
	if len(events) != 2 || events[0].Type != EventBreakpointHit || events[1].Reason != "breakpoint" {
		t.Fatalf("events = %+v, want breakpointHit then stopped", events)
	}
	if vm.InstructionCount() != 0 {
		t.Errorf("executed %d instructions before the breakpoint", vm.InstructionCount())
	}

	if err := vm.Run(); err != nil {
		t.Fatal(err)
	}
	if vm.State() != StateHalted {
		t.Errorf("state = %s, want halted", vm.State())
	}
}

func TestDebuggerBreakpointAfterStep(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.Activate()
	d.SetBreakpoint(4)
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}
	if err := vm.Step(); err != nil {
		t.Fatal(err)
	}
	if vm.PC() != 4 {
		t.Fatalf("pc after Step = %d, want 4", vm.PC())
	}
	drainEvents(d)

	runTo(t, vm, 4)
	if vm.InstructionCount() != 1 {
		t.Errorf("count = %d, want 1", vm.InstructionCount())
	}
	if bps := d.ListBreakpoints(); bps[0].HitCount != 1 {
		t.Errorf("HitCount = %d, want 1", bps[0].HitCount)
	}
}

func TestDebuggerRepeatedStepInto(t *testing.T) {
	vm := buildVM(t, testConfig(), addProgram)
	d := vm.Debugger()
	d.Activate()
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []int{0, 4, 8, 20, 24} {
		d.StepInto()
		runTo(t, vm, want)
	}
}
