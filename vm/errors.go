package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Faults: uniform error representation for the execution engine
// ---------------------------------------------------------------------------

// FaultKind classifies a fault raised while loading or executing a program.
type FaultKind int

const (
	KindOutOfMemory FaultKind = iota + 1
	KindInvalidArgument
	KindStackOverflow
	KindDivisionByZero
	KindUnsupportedOperation
	KindInvalidRegister
	KindOutOfBounds
	KindStackUnderflow
)

var faultKindNames = map[FaultKind]string{
	KindOutOfMemory:          "OutOfMemory",
	KindInvalidArgument:      "InvalidArgument",
	KindStackOverflow:        "StackOverflow",
	KindDivisionByZero:       "DivisionByZero",
	KindUnsupportedOperation: "UnsupportedOperation",
	KindInvalidRegister:      "InvalidRegister",
	KindOutOfBounds:          "OutOfBounds",
	KindStackUnderflow:       "StackUnderflow",
}

func (k FaultKind) String() string {
	if name, ok := faultKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// Sentinel errors, one per kind. A *Fault matches its kind's sentinel with
// errors.Is. OutOfBounds and InvalidRegister faults also match
// ErrInvalidArgument.
var (
	ErrOutOfMemory          = errors.New("out of memory")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrStackOverflow        = errors.New("stack overflow")
	ErrDivisionByZero       = errors.New("division by zero")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidRegister      = errors.New("invalid register")
	ErrOutOfBounds          = errors.New("out of bounds")
	ErrStackUnderflow       = errors.New("stack underflow")
)

var kindSentinels = map[FaultKind]error{
	KindOutOfMemory:          ErrOutOfMemory,
	KindInvalidArgument:      ErrInvalidArgument,
	KindStackOverflow:        ErrStackOverflow,
	KindDivisionByZero:       ErrDivisionByZero,
	KindUnsupportedOperation: ErrUnsupportedOperation,
	KindInvalidRegister:      ErrInvalidRegister,
	KindOutOfBounds:          ErrOutOfBounds,
	KindStackUnderflow:       ErrStackUnderflow,
}

// NoPC marks a fault that was raised outside of instruction execution.
const NoPC = -1

// Fault is the error value produced by every VM component. Components that
// have no notion of the program counter leave PC at NoPC; the engine fills in
// PC and Instruction when the fault crosses an instruction boundary.
type Fault struct {
	Kind        FaultKind
	PC          int
	Instruction string
	Detail      string
}

func newFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{
		Kind:   kind,
		PC:     NoPC,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := f.Kind.String()
	if f.PC != NoPC {
		msg += fmt.Sprintf(" at pc=%d", f.PC)
		if f.Instruction != "" {
			msg += " (" + f.Instruction + ")"
		}
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	return msg
}

// Is reports whether target is the sentinel for this fault's kind.
func (f *Fault) Is(target error) bool {
	if sentinel, ok := kindSentinels[f.Kind]; ok && sentinel == target {
		return true
	}
	if target == ErrInvalidArgument {
		return f.Kind == KindOutOfBounds || f.Kind == KindInvalidRegister
	}
	return false
}

// At returns a copy of the fault annotated with the program counter and the
// mnemonic of the faulting instruction. Faults that already carry a PC are
// returned unchanged.
func (f *Fault) At(pc int, instruction string) *Fault {
	if f.PC != NoPC {
		return f
	}
	annotated := *f
	annotated.PC = pc
	annotated.Instruction = instruction
	return &annotated
}

// AsFault extracts a *Fault from err, wrapping foreign errors as
// InvalidArgument faults so callers always see the uniform representation.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: KindInvalidArgument, PC: NoPC, Detail: err.Error()}
}

// FaultKindOf returns the kind of err, or 0 if err is not a fault.
func FaultKindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
