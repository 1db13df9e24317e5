package vm

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the register machine
// ---------------------------------------------------------------------------

var vmLog = commonlog.GetLogger("rvm.vm")

// Config is fixed when the VM is constructed.
type Config struct {
	HeapSize     int  // bytes
	StackSize    int  // bytes of frame-local storage
	MaxCallDepth int  // nested frames, including the entry frame
	GlobalCount  int  // global slots
	Trace        bool // initial trace flag
}

// DefaultConfig returns a 1 MiB heap, 64 KiB stack, 256 frames and 256
// globals.
func DefaultConfig() Config {
	return Config{
		HeapSize:     1 << 20,
		StackSize:    64 << 10,
		MaxCallDepth: 256,
		GlobalCount:  256,
	}
}

// Validate rejects non-positive sizes.
func (c Config) Validate() error {
	switch {
	case c.HeapSize <= 0:
		return newFault(KindInvalidArgument, "heap size %d must be positive", c.HeapSize)
	case c.StackSize < WordSize:
		return newFault(KindInvalidArgument, "stack size %d must hold at least one word", c.StackSize)
	case c.MaxCallDepth <= 0:
		return newFault(KindInvalidArgument, "max call depth %d must be positive", c.MaxCallDepth)
	case c.GlobalCount < 0:
		return newFault(KindInvalidArgument, "global count %d must not be negative", c.GlobalCount)
	}
	return nil
}

// State is the lifecycle state of a VM.
type State int32

const (
	StateIdle    State = iota // no program
	StateLoaded               // program loaded, not started
	StatePaused               // started, not currently running
	StateRunning              // inside Run
	StateHalted               // HALT or return from the entry frame
	StateFaulted              // stopped by a fault
	StateStopped              // stopped by Stop or context cancellation
)

var stateNames = [...]string{"idle", "loaded", "paused", "running", "halted", "faulted", "stopped"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Option configures optional collaborators of a VM.
type Option func(*VM) error

// WithOutput sets the writer OUT instructions print to.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) error { vm.output = w; return nil }
}

// WithTraceWriter sets where traced instructions are written.
func WithTraceWriter(w io.Writer) Option {
	return func(vm *VM) error { vm.traceOut = w; return nil }
}

// WithObserver adds an instruction observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(vm *VM) error {
		if o == nil {
			return errors.New("vm: nil observer")
		}
		vm.observers = append(vm.observers, o)
		return nil
	}
}

// WithProfiler attaches a profiler.
func WithProfiler(p *Profiler) Option {
	return func(vm *VM) error { vm.profiler = p; return nil }
}

// VM is one register machine instance. It owns its registers, memory,
// heap, frames and dispatch table; nothing is shared between instances.
//
// Execution is single threaded. While Run is active another goroutine may
// call Pause, Stop, State, PC, InstructionCount, Register, Tracing,
// Registers().Snapshot() and the Heap inspection methods; everything else
// must be called from the goroutine that drives the VM.
type VM struct {
	config Config

	regs     *RegisterFile
	mem      *MemorySpace
	heap     *Heap
	frames   *FrameManager
	dispatch *DispatchTable
	program  *Program
	ctx      ExecContext

	pc          atomic.Int64
	pausedAt    int
	pauseReason string // why the VM last paused at pausedAt
	state       atomic.Int32
	pauseReq    atomic.Bool
	stopReq     atomic.Bool
	trace       atomic.Bool
	count       atomic.Uint64

	output    io.Writer
	traceOut  io.Writer
	observers observers
	profiler  *Profiler
	debugger  *Debugger

	loadErrs  []error
	lastFault *Fault
}

// New creates a VM with its own memory, heap, frame stack and dispatch
// table.
func New(cfg Config, opts ...Option) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mem := NewMemorySpace(cfg.HeapSize, cfg.GlobalCount)
	vm := &VM{
		config:   cfg,
		regs:     NewRegisterFile(),
		mem:      mem,
		heap:     NewHeap(mem),
		frames:   NewFrameManager(cfg.MaxCallDepth, cfg.StackSize/WordSize),
		dispatch: NewDispatchTable(),
		pausedAt: -1,
	}
	vm.ctx.vm = vm
	vm.trace.Store(cfg.Trace)
	vm.debugger = newDebugger(vm)
	for _, opt := range opts {
		if err := opt(vm); err != nil {
			return nil, err
		}
	}
	return vm, nil
}

// MustNew is New for callers with a static configuration.
func MustNew(cfg Config, opts ...Option) *VM {
	vm, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return vm
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a program image from r and installs it. It reports whether
// anything went wrong; the errors are available from LoadErrors.
func (vm *VM) Load(r io.Reader) (hasErrors bool) {
	vm.loadErrs = nil
	p, err := ReadImage(r)
	if err != nil {
		vm.loadErrs = append(vm.loadErrs, err)
		vmLog.Errorf("load: %v", err)
		return true
	}
	if err := vm.LoadProgram(p); err != nil {
		vm.loadErrs = append(vm.loadErrs, err)
		return true
	}
	return false
}

// LoadErrors returns the errors from the last Load.
func (vm *VM) LoadErrors() []error { return vm.loadErrs }

// LoadProgram installs p. The VM keeps its own copy.
func (vm *VM) LoadProgram(p *Program) error {
	if vm.State() == StateRunning {
		return errors.New("vm: cannot load while running")
	}
	if p == nil {
		return newFault(KindInvalidArgument, "nil program")
	}
	if err := p.Validate(); err != nil {
		vmLog.Errorf("load: %v", err)
		return err
	}
	vm.program = p.Clone()
	vm.mem.LoadCode(vm.program.Code)
	vm.setPC(0)
	vm.lastFault = nil
	vm.setState(StateLoaded)
	vmLog.Infof("loaded program: %d bytes of code, %d functions, %d constants",
		len(p.Code), len(p.Functions), len(p.Constants))
	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (vm *VM) Config() Config             { return vm.config }
func (vm *VM) State() State               { return State(vm.state.Load()) }
func (vm *VM) setState(s State)           { vm.state.Store(int32(s)) }
func (vm *VM) PC() int                    { return int(vm.pc.Load()) }
func (vm *VM) setPC(pc int)               { vm.pc.Store(int64(pc)) }
func (vm *VM) Registers() *RegisterFile   { return vm.regs }
func (vm *VM) Memory() *MemorySpace       { return vm.mem }
func (vm *VM) Heap() *Heap                { return vm.heap }
func (vm *VM) Frames() *FrameManager      { return vm.frames }
func (vm *VM) Dispatch() *DispatchTable   { return vm.dispatch }
func (vm *VM) Program() *Program          { return vm.program }
func (vm *VM) Debugger() *Debugger        { return vm.debugger }
func (vm *VM) Profiler() *Profiler        { return vm.profiler }
func (vm *VM) Code() []byte               { return vm.mem.Code() }
func (vm *VM) CodeSize() int              { return vm.mem.CodeSize() }
func (vm *VM) InstructionCount() uint64   { return vm.count.Load() }
func (vm *VM) LastFault() *Fault          { return vm.lastFault }
func (vm *VM) SetTrace(on bool)           { vm.trace.Store(on) }
func (vm *VM) Tracing() bool              { return vm.trace.Load() }

// Register reads register n.
func (vm *VM) Register(n int) (int32, error) { return vm.regs.Read(n) }

// SetRegister writes register n. Writes to r0 are ignored.
func (vm *VM) SetRegister(n int, v int32) error { return vm.regs.Write(n, v) }

func (vm *VM) recordCall(fn *Function, _ *StackFrame) {
	if vm.profiler != nil && fn != nil {
		vm.profiler.RecordCall(fn)
	}
}
