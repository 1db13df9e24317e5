package vm

import (
	"errors"
	"fmt"
)

// DefaultEntry is the function execution starts in when a program does not
// name one.
const DefaultEntry = "main"

// MaxArgs is the number of arguments passed in registers r1..r12.
const MaxArgs = RegSP - 1

// Function is an entry in a program's function table.
type Function struct {
	Name   string `cbor:"1,keyasint"`
	Entry  int    `cbor:"2,keyasint"` // byte address of the first instruction
	Args   int    `cbor:"3,keyasint"`
	Locals int    `cbor:"4,keyasint"`
}

// FrameSize returns the number of local words a call to f reserves.
func (f *Function) FrameSize() int { return f.Args + f.Locals }

// Program is a loaded unit of code: instruction words, a constant pool and
// a function table. A Program is immutable once handed to the VM.
type Program struct {
	Code      []byte     `cbor:"1,keyasint"`
	Constants []int32    `cbor:"2,keyasint,omitempty"`
	Functions []Function `cbor:"3,keyasint,omitempty"`
	Entry     string     `cbor:"4,keyasint,omitempty"`
}

// Validate checks the structural invariants the engine relies on.
func (p *Program) Validate() error {
	var errs []error
	if len(p.Code) == 0 {
		errs = append(errs, errors.New("program has no code"))
	}
	if len(p.Code)%WordSize != 0 {
		errs = append(errs, fmt.Errorf("code size %d is not a multiple of %d", len(p.Code), WordSize))
	}
	seen := make(map[string]bool, len(p.Functions))
	for _, fn := range p.Functions {
		switch {
		case fn.Name == "":
			errs = append(errs, fmt.Errorf("function at %d has no name", fn.Entry))
		case seen[fn.Name]:
			errs = append(errs, fmt.Errorf("function %q defined twice", fn.Name))
		}
		seen[fn.Name] = true
		if fn.Entry < 0 || fn.Entry >= len(p.Code) || fn.Entry%WordSize != 0 {
			errs = append(errs, fmt.Errorf("function %q entry %d is not a valid code address", fn.Name, fn.Entry))
		}
		if fn.Args < 0 || fn.Locals < 0 {
			errs = append(errs, fmt.Errorf("function %q has negative arg or local count", fn.Name))
		}
		if fn.Args > MaxArgs {
			errs = append(errs, fmt.Errorf("function %q takes %d args, at most %d fit in registers", fn.Name, fn.Args, MaxArgs))
		}
	}
	if p.Entry != "" && !seen[p.Entry] {
		errs = append(errs, fmt.Errorf("entry function %q is not defined", p.Entry))
	}
	return errors.Join(errs...)
}

// FunctionByName looks up a function by name.
func (p *Program) FunctionByName(name string) *Function {
	for i := range p.Functions {
		if p.Functions[i].Name == name {
			return &p.Functions[i]
		}
	}
	return nil
}

// FunctionAt returns the function whose entry is addr.
func (p *Program) FunctionAt(addr int) *Function {
	for i := range p.Functions {
		if p.Functions[i].Entry == addr {
			return &p.Functions[i]
		}
	}
	return nil
}

// FunctionContaining returns the function with the greatest entry not past
// addr, for listings and stack traces.
func (p *Program) FunctionContaining(addr int) *Function {
	var best *Function
	for i := range p.Functions {
		fn := &p.Functions[i]
		if fn.Entry <= addr && (best == nil || fn.Entry > best.Entry) {
			best = fn
		}
	}
	return best
}

// EntryFunction returns the function execution starts in: the named entry,
// else "main", else nil (start at address 0 without a frame layout).
func (p *Program) EntryFunction() *Function {
	if p.Entry != "" {
		return p.FunctionByName(p.Entry)
	}
	return p.FunctionByName(DefaultEntry)
}

// Clone returns a deep copy of p.
func (p *Program) Clone() *Program {
	return &Program{
		Code:      append([]byte(nil), p.Code...),
		Constants: append([]int32(nil), p.Constants...),
		Functions: append([]Function(nil), p.Functions...),
		Entry:     p.Entry,
	}
}
