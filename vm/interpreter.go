package vm

import (
	"context"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Fetch, dispatch, execute
// ---------------------------------------------------------------------------

var (
	// ErrNoProgram is returned when execution is requested before a program
	// has been loaded.
	ErrNoProgram = errors.New("vm: no program loaded")

	// ErrAlreadyRunning is returned when Run or Step is re-entered.
	ErrAlreadyRunning = errors.New("vm: already running")

	// ErrFinished is returned when Run or Step is called after the program
	// halted, faulted or was stopped. Start rewinds it.
	ErrFinished = errors.New("vm: execution finished")
)

// Start resets registers, memory, heap and frames, pushes the entry frame
// and positions pc at the entry point. The VM is left paused.
func (vm *VM) Start() error {
	if vm.program == nil {
		return ErrNoProgram
	}
	if vm.State() == StateRunning {
		return ErrAlreadyRunning
	}

	vm.regs.Reset()
	vm.mem.Reset()
	vm.heap.Reset()
	vm.frames.Reset()
	vm.count.Store(0)
	vm.pauseReq.Store(false)
	vm.stopReq.Store(false)
	vm.lastFault = nil
	vm.pausedAt = -1

	entry := vm.program.EntryFunction()
	if vm.program.Entry != "" && entry == nil {
		return newFault(KindInvalidArgument, "entry function %q not defined", vm.program.Entry)
	}
	pc := 0
	if entry != nil {
		pc = entry.Entry
	}
	if _, err := vm.frames.Call(entry, -1, nil); err != nil {
		return err
	}
	vm.regs.SetLR(-1)
	syncFrameRegisters(&vm.ctx)

	vm.setPC(pc)
	vm.setState(StatePaused)
	vmLog.Debugf("start at pc=%d", pc)
	return nil
}

// Reset discards execution state and returns a started or finished VM to
// the loaded state.
func (vm *VM) Reset() error {
	if vm.program == nil {
		return ErrNoProgram
	}
	if vm.State() == StateRunning {
		return ErrAlreadyRunning
	}
	vm.regs.Reset()
	vm.mem.Reset()
	vm.heap.Reset()
	vm.frames.Reset()
	vm.count.Store(0)
	vm.lastFault = nil
	vm.setPC(0)
	vm.pausedAt = -1
	vm.setState(StateLoaded)
	return nil
}

// Exec starts the loaded program from its entry point and runs it to
// completion.
func (vm *VM) Exec() error {
	if err := vm.Start(); err != nil {
		return err
	}
	return vm.Run()
}

// Run continues execution until the program halts, faults, is stopped, is
// paused or reaches a breakpoint. A loaded but unstarted program is started
// first.
func (vm *VM) Run() error {
	return vm.RunContext(context.Background())
}

// RunContext is Run with cancellation. A cancelled context stops the VM and
// its error is returned.
func (vm *VM) RunContext(ctx context.Context) error {
	if err := vm.prepare(); err != nil {
		return err
	}
	vm.setState(StateRunning)

	resuming := true
	for {
		if vm.stopReq.Swap(false) {
			vm.setState(StateStopped)
			vmLog.Infof("stopped at pc=%d after %d instructions", vm.PC(), vm.count.Load())
			return nil
		}
		if err := ctx.Err(); err != nil {
			vm.setState(StateStopped)
			vmLog.Infof("cancelled at pc=%d: %v", vm.PC(), err)
			return err
		}
		if vm.pauseReq.Swap(false) {
			vm.pause("pause")
			return nil
		}
		// Resuming at the paused instruction skips step requests, and the
		// breakpoint too if that is what stopped us.
		resumedFrom := ""
		if resuming && vm.PC() == vm.pausedAt {
			resumedFrom = vm.pauseReason
		}
		if stop, reason := vm.debugger.checkStop(vm.PC(), vm.frames.Depth(), resumedFrom); stop {
			vm.pause(reason)
			return nil
		}
		resuming = false

		done, err := vm.cycle()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Step executes exactly one instruction. Breakpoints are not consulted.
func (vm *VM) Step() error {
	if err := vm.prepare(); err != nil {
		return err
	}
	vm.setState(StateRunning)
	done, err := vm.cycle()
	if err != nil || done {
		return err
	}
	vm.pause("step")
	return nil
}

// Pause asks a running VM to stop before its next instruction. Run returns
// nil and the VM is left paused.
func (vm *VM) Pause() { vm.pauseReq.Store(true) }

// Stop asks a running VM to stop before its next instruction. A stopped VM
// must be restarted with Start.
func (vm *VM) Stop() { vm.stopReq.Store(true) }

func (vm *VM) prepare() error {
	switch vm.State() {
	case StateIdle:
		return ErrNoProgram
	case StateLoaded:
		return vm.Start()
	case StateRunning:
		return ErrAlreadyRunning
	case StateHalted, StateFaulted, StateStopped:
		return ErrFinished
	}
	return nil
}

func (vm *VM) pause(reason string) {
	vm.pausedAt = vm.PC()
	vm.pauseReason = reason
	vm.setState(StatePaused)
	vm.debugger.notifyStopped(vm.pausedAt, reason)
}

// cycle runs one fetch-decode-execute step. done reports that the VM has
// left the running state.
func (vm *VM) cycle() (done bool, err error) {
	pc := vm.PC()
	word, err := vm.mem.FetchWord(pc)
	if err != nil {
		return true, vm.fail(AsFault(err).At(pc, ""))
	}
	op := ExtractOpcode(word)

	ex, ok := vm.dispatch.Lookup(op)
	if !ok {
		return true, vm.fail(newFault(KindUnsupportedOperation, "no executor for opcode %s (%d)", op, op).At(pc, op.Name()))
	}

	ev := Event{Seq: vm.count.Load(), PC: pc, Word: word, Op: op, Depth: vm.frames.Depth()}
	if len(vm.observers) > 0 {
		vm.observers.BeforeInstruction(ev)
	}
	if vm.trace.Load() {
		vm.traceInstruction(pc, word)
	}

	c := &vm.ctx
	c.reset(pc, op)
	execErr := ex.Execute(word, c)
	vm.count.Add(1)
	if vm.profiler != nil {
		vm.profiler.RecordOpcode(op)
	}

	if execErr != nil {
		f := AsFault(execErr).At(pc, op.Name())
		if len(vm.observers) > 0 {
			vm.observers.AfterInstruction(ev, f)
		}
		return true, vm.fail(f)
	}

	if target, ok := c.JumpTarget(); ok {
		vm.setPC(target)
	} else {
		vm.setPC(pc + WordSize)
	}
	if len(vm.observers) > 0 {
		vm.observers.AfterInstruction(ev, nil)
	}

	if c.halted {
		vm.setPC(pc)
		vm.setState(StateHalted)
		vm.debugger.notifyHalted(pc)
		vmLog.Infof("halted at pc=%d after %d instructions", pc, vm.count.Load())
		return true, nil
	}
	return false, nil
}

func (vm *VM) fail(f *Fault) error {
	vm.lastFault = f
	vm.setState(StateFaulted)
	vm.debugger.notifyFault(f)
	vmLog.Errorf("%v", f)
	return f
}

func (vm *VM) traceInstruction(pc int, word uint32) {
	line := DisassembleInstruction(pc, word)
	if vm.traceOut != nil {
		fmt.Fprintf(vm.traceOut, "[%6d] %s\n", vm.count.Load(), line)
	}
	vmLog.Debugf("%s", line)
}
