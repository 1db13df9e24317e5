package vm

import (
	"testing"
)

// =============================================================================
// Benchmark Helpers
// =============================================================================

// benchmarkProgram builds a program or fails the benchmark.
func benchmarkProgram(b *testing.B, emit func(pb *ProgramBuilder)) *Program {
	b.Helper()
	pb := NewProgramBuilder()
	emit(pb)
	p, err := pb.Build()
	if err != nil {
		b.Fatal(err)
	}
	return p
}

// benchmarkVM creates a VM with the program loaded.
func benchmarkVM(b *testing.B, p *Program) *VM {
	b.Helper()
	vm := MustNew(testConfig())
	if err := vm.LoadProgram(p); err != nil {
		b.Fatal(err)
	}
	return vm
}

// =============================================================================
// Interpreter Dispatch Overhead
// =============================================================================

// BenchmarkLoop measures a tight countdown loop of ADDI and BNZ.
func BenchmarkLoop(b *testing.B) {
	p := benchmarkProgram(b, func(pb *ProgramBuilder) {
		loop := pb.NewLabel("loop")
		pb.EmitI(OpLI, 1, 0, 1000)
		pb.Mark(loop)
		pb.EmitI(OpADDI, 1, 1, -1)
		pb.EmitBranch(OpBNZ, 1, 0, loop)
		pb.Emit(OpHALT)
	})
	vm := benchmarkVM(b, p)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := vm.Exec(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCallReturn measures the frame push and pop of CALL and RET.
func BenchmarkCallReturn(b *testing.B) {
	p := benchmarkProgram(b, func(pb *ProgramBuilder) {
		leaf := pb.NewLabel("leaf")
		loop := pb.NewLabel("loop")
		pb.Function("main", 0, 0)
		pb.EmitI(OpLI, 5, 0, 100)
		pb.Mark(loop)
		pb.EmitJump(OpCALL, leaf)
		pb.EmitI(OpADDI, 5, 5, -1)
		pb.EmitBranch(OpBNZ, 5, 0, loop)
		pb.Emit(OpHALT)
		pb.Mark(leaf)
		pb.Function("leaf", 2, 2)
		pb.Emit(OpRET)
	})
	vm := benchmarkVM(b, p)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := vm.Exec(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStep measures single-stepping overhead.
func BenchmarkStep(b *testing.B) {
	p := benchmarkProgram(b, func(pb *ProgramBuilder) {
		loop := pb.NewLabel("loop")
		pb.Mark(loop)
		pb.EmitI(OpADDI, 1, 1, 1)
		pb.EmitJump(OpJMP, loop)
	})
	vm := benchmarkVM(b, p)
	if err := vm.Start(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := vm.Step(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDispatchLookup measures a single table lookup.
func BenchmarkDispatchLookup(b *testing.B) {
	t := NewDispatchTable()
	ops := Opcodes()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := t.Lookup(ops[i%len(ops)]); !ok {
			b.Fatal("missing executor")
		}
	}
}

// =============================================================================
// Heap
// =============================================================================

// BenchmarkAllocateRelease measures an allocate/release pair on a heap
// with a stable population of live objects.
func BenchmarkAllocateRelease(b *testing.B) {
	h, _ := newTestHeap(1 << 20)
	for i := 0; i < 100; i++ {
		if _, err := h.Allocate(64); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := h.Allocate(48)
		if err != nil {
			b.Fatal(err)
		}
		h.DecrementRef(id)
	}
}

// BenchmarkFieldAccess measures checked object field reads and writes.
func BenchmarkFieldAccess(b *testing.B) {
	h, _ := newTestHeap(4096)
	id, err := h.Allocate(64)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off := (i & 15) * WordSize
		h.WriteField(id, off, int32(i))
		if _, err := h.ReadField(id, off); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCollect measures a collection over many live objects.
func BenchmarkCollect(b *testing.B) {
	h, _ := newTestHeap(1 << 20)
	for i := 0; i < 1000; i++ {
		if _, err := h.Allocate(16); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Collect()
	}
}
