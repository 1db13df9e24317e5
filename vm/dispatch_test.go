package vm

import (
	"errors"
	"testing"
)

func TestDispatchDefaults(t *testing.T) {
	tbl := NewDispatchTable()
	if tbl.Len() != len(Opcodes()) {
		t.Errorf("Len = %d, want %d", tbl.Len(), len(Opcodes()))
	}
	for _, op := range Opcodes() {
		if _, ok := tbl.Lookup(op); !ok {
			t.Errorf("no default executor for %s", op)
		}
	}
	if _, ok := tbl.Lookup(0x27); ok {
		t.Error("undefined opcode has an executor")
	}
	if _, ok := tbl.Lookup(MaxOpcode + 1); ok {
		t.Error("Lookup accepted an out-of-range opcode")
	}
}

func TestDispatchRegisterRejects(t *testing.T) {
	tbl := NewDispatchTable()
	nop := ExecutorFunc(func(uint32, *ExecContext) error { return nil })

	if err := tbl.Register(MaxOpcode+1, nop); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Register(64) = %v, want invalid argument", err)
	}
	if err := tbl.Register(OpADD, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Register(nil) = %v, want invalid argument", err)
	}
	var nilFunc ExecutorFunc
	if err := tbl.Register(OpADD, nilFunc); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Register(nil func) = %v, want invalid argument", err)
	}
	if err := tbl.Register(0x27, nop); err != nil {
		t.Errorf("Register on a free opcode failed: %v", err)
	}
}

func TestDispatchUnregister(t *testing.T) {
	tbl := NewDispatchTable()
	prev, ok := tbl.Unregister(OpMUL)
	if !ok || prev == nil {
		t.Fatal("Unregister should return the previous executor")
	}
	if _, ok := tbl.Lookup(OpMUL); ok {
		t.Error("MUL still registered")
	}
	if _, ok := tbl.Unregister(OpMUL); ok {
		t.Error("second Unregister should report nothing removed")
	}

	tbl.Clear()
	if tbl.Len() != 0 || len(tbl.Registered()) != 0 {
		t.Errorf("Clear left %d executors", tbl.Len())
	}
	tbl.ResetToDefaults()
	if tbl.Len() != len(Opcodes()) {
		t.Errorf("ResetToDefaults restored %d executors", tbl.Len())
	}
}

func TestDispatchCustomExecutor(t *testing.T) {
	vm := buildVM(t, testConfig(), func(b *ProgramBuilder) {
		b.Function("main", 0, 0)
		b.EmitI(OpLI, 1, 0, 6)
		b.EmitI(OpLI, 2, 0, 7)
		b.EmitR(OpADD, 3, 1, 2)
		b.Emit(OpHALT)
	})
	// Replace ADD with multiplication for this VM only.
	err := vm.Dispatch().Register(OpADD, ExecutorFunc(func(w uint32, ctx *ExecContext) error {
		a, _ := ctx.Reg(ctx.ExtractRs1(w))
		b, _ := ctx.Reg(ctx.ExtractRs2(w))
		if ctx.Opcode() != OpADD || ctx.PC() != 8 {
			t.Errorf("context op=%s pc=%d", ctx.Opcode(), ctx.PC())
		}
		return ctx.SetReg(ctx.ExtractRd(w), a*b)
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Exec(); err != nil {
		t.Fatal(err)
	}
	if got := reg(t, vm, 3); got != 42 {
		t.Errorf("r3 = %d, want 42", got)
	}
}

func TestDispatchRegistered(t *testing.T) {
	tbl := NewDispatchTable()
	ops := tbl.Registered()
	for i := 1; i < len(ops); i++ {
		if ops[i-1] >= ops[i] {
			t.Fatalf("Registered not in numeric order: %v", ops)
		}
	}
}
