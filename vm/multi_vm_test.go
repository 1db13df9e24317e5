package vm

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// counterProgram adds 1 to r1 n times and prints it.
func counterProgram(n int32) func(b *ProgramBuilder) {
	return func(b *ProgramBuilder) {
		b.Function("main", 0, 0)
		loop := b.NewLabel("loop")
		b.EmitI(OpLI, 2, 0, n)
		b.EmitI(OpNEWI, 3, 0, 32)
		b.Mark(loop)
		b.EmitI(OpADDI, 1, 1, 1)
		b.EmitI(OpADDI, 2, 2, -1)
		b.EmitBranch(OpBNZ, 2, 0, loop)
		b.EmitI(OpSTG, 1, 0, 0)
		b.EmitR(OpOUT, 1, 0, 0)
		b.Emit(OpHALT)
	}
}

func TestDispatchTablesAreIndependent(t *testing.T) {
	a := buildVM(t, testConfig(), counterProgram(3))
	b := buildVM(t, testConfig(), counterProgram(3))

	a.Dispatch().Unregister(OpADDI)
	a.Dispatch().Clear()

	if b.Dispatch().Len() != len(Opcodes()) {
		t.Fatalf("clearing one VM's table changed another: %d executors", b.Dispatch().Len())
	}
	if err := b.Exec(); err != nil {
		t.Fatalf("second VM failed: %v", err)
	}
	if err := a.Exec(); err == nil {
		t.Error("VM with a cleared table should fault")
	}
}

func TestConcurrentVMs(t *testing.T) {
	const n = 8
	var wg sync.WaitGroup
	outs := make([]bytes.Buffer, n)
	errs := make([]error, n)
	vms := make([]*VM, n)

	for i := 0; i < n; i++ {
		vms[i] = buildVM(t, testConfig(), counterProgram(int32(100*(i+1))), WithOutput(&outs[i]))
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = vms[i].Exec()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("vm %d: %v", i, errs[i])
			continue
		}
		want := int32(100 * (i + 1))
		if g, _ := vms[i].Memory().ReadGlobal(0); g != want {
			t.Errorf("vm %d: global = %d, want %d", i, g, want)
		}
		if vms[i].Heap().ObjectCount() != 1 {
			t.Errorf("vm %d: %d objects, want 1", i, vms[i].Heap().ObjectCount())
		}
	}
}

func TestInspectWhileRunning(t *testing.T) {
	vm := buildVM(t, testConfig(), infiniteLoop)
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- vm.Run() }()

	var last int32
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if pc := vm.PC(); pc != 0 && pc != 4 {
			t.Fatalf("pc = %d outside the loop", pc)
		}
		v, err := vm.Register(1)
		if err != nil {
			t.Fatal(err)
		}
		if v < last {
			t.Fatalf("r1 went backwards: %d after %d", v, last)
		}
		last = v
		snap := vm.Registers().Snapshot()
		if snap[RegZero] != 0 {
			t.Fatalf("r0 = %d", snap[RegZero])
		}
		vm.State()
		vm.InstructionCount()
		vm.Heap().ObjectCount()
	}

	vm.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if vm.State() != StateStopped {
		t.Errorf("state = %s, want stopped", vm.State())
	}
	if vm.InstructionCount() == 0 {
		t.Error("no instructions executed")
	}
}
