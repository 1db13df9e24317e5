package vm

import (
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeFields(t *testing.T) {
	w := EncodeR(OpADD, 3, 1, 2)
	in := Decode(w)
	if in.Op != OpADD || in.Rd != 3 || in.Rs1 != 1 || in.Rs2 != 2 {
		t.Errorf("Decode(EncodeR) = %+v", in)
	}
	if w>>26 != uint32(OpADD) {
		t.Errorf("opcode not in bits 26-31: %08X", w)
	}

	w = EncodeI(OpADDI, 15, 14, -2)
	if ExtractRd(w) != 15 || ExtractRs1(w) != 14 || ExtractImm16(w) != -2 {
		t.Errorf("I-format fields wrong: %08X", w)
	}
	if ExtractUimm16(w) != 0xFFFE {
		t.Errorf("Uimm16 = %X, want FFFE", ExtractUimm16(w))
	}

	for _, target := range []int32{0, 4, Imm26Max, Imm26Min, -8} {
		if got := ExtractImm26(EncodeJ(OpJMP, target)); got != target {
			t.Errorf("imm26 round trip %d -> %d", target, got)
		}
	}
}

func TestOpcodeTable(t *testing.T) {
	ops := Opcodes()
	if len(ops) < 40 {
		t.Errorf("built-in instruction set has %d opcodes, want at least 40", len(ops))
	}
	seen := make(map[string]bool)
	for _, op := range ops {
		if !op.Valid() {
			t.Errorf("opcode %d out of range", op)
		}
		name := op.Name()
		if seen[name] {
			t.Errorf("duplicate mnemonic %s", name)
		}
		seen[name] = true
		if got, ok := LookupOpcode(name); !ok || got != op {
			t.Errorf("LookupOpcode(%s) = %v, %v", name, got, ok)
		}
	}
	if op, ok := LookupOpcode("addi"); !ok || op != OpADDI {
		t.Error("LookupOpcode should be case-insensitive")
	}
	if _, ok := Opcode(0x27).Info(); ok {
		t.Error("0x27 should be undefined")
	}
	if Opcode(0x27).Name() != "OP_27" {
		t.Errorf("undefined opcode name = %s", Opcode(0x27).Name())
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		w    uint32
		want string
	}{
		{EncodeR(OpHALT, 0, 0, 0), "HALT"},
		{EncodeR(OpSUB, 1, 2, 3), "SUB r1, r2, r3"},
		{EncodeR(OpMOV, 4, RegSP, 0), "MOV r4, sp"},
		{EncodeR(OpOUT, 5, 0, 0), "OUT r5"},
		{EncodeR(OpJR, 0, RegLR, 0), "JR lr"},
		{EncodeI(OpADDI, 1, 1, -1), "ADDI r1, r1, -1"},
		{EncodeI(OpORI, 1, 0, -1), "ORI r1, zero, 65535"},
		{EncodeI(OpLI, 2, 0, 300), "LI r2, 300"},
		{EncodeI(OpLW, 3, RegFP, 8), "LW r3, 8(fp)"},
		{EncodeJ(OpCALL, 64), "CALL 64"},
	}
	for _, tt := range tests {
		if got := Decode(tt.w).String(); got != tt.want {
			t.Errorf("Decode(%08X).String() = %q, want %q", tt.w, got, tt.want)
		}
	}
}

func TestBuilderForwardAndBackwardLabels(t *testing.T) {
	b := NewProgramBuilder()
	b.Function("main", 0, 0)
	end := b.NewLabel("end")
	loop := b.NewLabel("loop")

	b.EmitI(OpLI, 1, 0, 3)        // 0
	b.Mark(loop)                  // 4
	b.EmitBranch(OpBZ, 1, 0, end) // 4
	b.EmitI(OpADDI, 1, 1, -1)     // 8
	b.EmitJump(OpJMP, loop)       // 12
	b.Mark(end)                   // 16
	b.Emit(OpHALT)

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	bz := Decode(wordAt(p, 4))
	if bz.Imm16 != 12 {
		t.Errorf("forward branch offset = %d, want 12", bz.Imm16)
	}
	jmp := Decode(wordAt(p, 12))
	if jmp.Imm26 != 4 {
		t.Errorf("backward jump target = %d, want 4", jmp.Imm26)
	}
}

func TestBuilderErrors(t *testing.T) {
	tests := map[string]func(b *ProgramBuilder){
		"unbound label": func(b *ProgramBuilder) {
			b.EmitJump(OpJMP, b.NewLabel("nowhere"))
		},
		"bad register": func(b *ProgramBuilder) {
			b.EmitR(OpADD, 16, 0, 0)
		},
		"immediate range": func(b *ProgramBuilder) {
			b.EmitI(OpADDI, 1, 1, 70000)
		},
		"label bound twice": func(b *ProgramBuilder) {
			l := b.NewLabel("x")
			b.Mark(l)
			b.Mark(l)
		},
		"empty program": func(*ProgramBuilder) {},
		"missing entry": func(b *ProgramBuilder) {
			b.SetEntry("start")
		},
		"too many args": func(b *ProgramBuilder) {
			b.Function("f", MaxArgs+1, 0)
		},
	}
	for name, emit := range tests {
		b := NewProgramBuilder()
		emit(b)
		if name != "empty program" {
			b.Emit(OpHALT)
		}
		if _, err := b.Build(); err == nil {
			t.Errorf("%s: Build succeeded, want error", name)
		}
	}
}

func TestBuilderConstants(t *testing.T) {
	b := NewProgramBuilder()
	i := b.Constant(100000)
	j := b.Constant(-1)
	if k := b.Constant(100000); k != i {
		t.Errorf("duplicate constant got index %d, want %d", k, i)
	}
	b.Emit(OpHALT)
	p := b.MustBuild()
	if len(p.Constants) != 2 || p.Constants[j] != -1 {
		t.Errorf("constants = %v", p.Constants)
	}
}

func wordAt(p *Program, pc int) uint32 {
	return binary.BigEndian.Uint32(p.Code[pc:])
}
