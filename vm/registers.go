package vm

import (
	"strconv"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// RegisterFile: 16 signed 32-bit general purpose registers
// ---------------------------------------------------------------------------

// NumRegisters is the size of the register file.
const NumRegisters = 16

// Registers with reserved roles.
const (
	RegZero = 0  // hardwired zero, writes are ignored
	RegSP   = 13 // stack pointer
	RegFP   = 14 // frame pointer
	RegLR   = 15 // link register
)

// RegisterFile holds the VM's integer registers. Register 0 always reads 0.
// Registers are individually atomic, so they may be read while the VM runs
// on another goroutine.
type RegisterFile struct {
	r [NumRegisters]atomic.Int32
}

// NewRegisterFile creates a register file with all registers zeroed.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{}
}

func checkRegister(n int) error {
	if n < 0 || n >= NumRegisters {
		return newFault(KindInvalidRegister, "register r%d outside [0,%d]", n, NumRegisters-1)
	}
	return nil
}

// Read returns the value of register n.
func (rf *RegisterFile) Read(n int) (int32, error) {
	if err := checkRegister(n); err != nil {
		return 0, err
	}
	return rf.r[n].Load(), nil
}

// Write sets register n to v. Writes to r0 are silently dropped.
func (rf *RegisterFile) Write(n int, v int32) error {
	if err := checkRegister(n); err != nil {
		return err
	}
	if n != RegZero {
		rf.r[n].Store(v)
	}
	return nil
}

func (rf *RegisterFile) SP() int32     { return rf.r[RegSP].Load() }
func (rf *RegisterFile) SetSP(v int32) { rf.r[RegSP].Store(v) }
func (rf *RegisterFile) FP() int32     { return rf.r[RegFP].Load() }
func (rf *RegisterFile) SetFP(v int32) { rf.r[RegFP].Store(v) }
func (rf *RegisterFile) LR() int32     { return rf.r[RegLR].Load() }
func (rf *RegisterFile) SetLR(v int32) { rf.r[RegLR].Store(v) }

// ReadBatch reads several registers at once. It fails on the first invalid
// index without returning partial results.
func (rf *RegisterFile) ReadBatch(ns ...int) ([]int32, error) {
	out := make([]int32, len(ns))
	for i, n := range ns {
		v, err := rf.Read(n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WriteBatch writes values keyed by register index. All indices are
// validated before any register is modified.
func (rf *RegisterFile) WriteBatch(values map[int]int32) error {
	for n := range values {
		if err := checkRegister(n); err != nil {
			return err
		}
	}
	for n, v := range values {
		if n != RegZero {
			rf.r[n].Store(v)
		}
	}
	return nil
}

// Snapshot returns a copy of all registers for debugging.
func (rf *RegisterFile) Snapshot() [NumRegisters]int32 {
	var out [NumRegisters]int32
	for i := range rf.r {
		out[i] = rf.r[i].Load()
	}
	return out
}

// Reset clears all registers to zero.
func (rf *RegisterFile) Reset() {
	for i := range rf.r {
		rf.r[i].Store(0)
	}
}

// RegisterName returns the assembler name of register n.
func RegisterName(n int) string {
	switch n {
	case RegZero:
		return "zero"
	case RegSP:
		return "sp"
	case RegFP:
		return "fp"
	case RegLR:
		return "lr"
	}
	return "r" + strconv.Itoa(n)
}
