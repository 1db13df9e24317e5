package vm

import (
	"errors"
	"testing"
)

func TestMemoryWordRoundTrip(t *testing.T) {
	m := NewMemorySpace(64, 4)
	if err := m.WriteMemory(8, -123456); err != nil {
		t.Fatalf("WriteMemory failed: %v", err)
	}
	v, err := m.ReadMemory(8)
	if err != nil {
		t.Fatal(err)
	}
	if v != -123456 {
		t.Errorf("ReadMemory = %d, want -123456", v)
	}

	// Words are big-endian.
	m.WriteMemory(0, 0x01020304)
	b, _ := m.ReadHeap(0, 4)
	if b[0] != 1 || b[3] != 4 {
		t.Errorf("bytes = %v, want big-endian [1 2 3 4]", b)
	}
}

func TestMemoryBounds(t *testing.T) {
	m := NewMemorySpace(16, 2)
	tests := []struct {
		name string
		err  error
	}{
		{"read past end", func() error { _, err := m.ReadMemory(13); return err }()},
		{"read negative", func() error { _, err := m.ReadMemory(-4); return err }()},
		{"write past end", m.WriteMemory(16, 1)},
		{"heap slice", m.WriteHeap(10, make([]byte, 7))},
		{"global", m.WriteGlobal(2, 1)},
		{"global negative", func() error { _, err := m.ReadGlobal(-1); return err }()},
		{"alloc pointer", m.SetHeapAllocPointer(17)},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrOutOfBounds) {
			t.Errorf("%s: error = %v, want out of bounds", tt.name, tt.err)
		}
	}

	// The last word is addressable.
	if err := m.WriteMemory(12, 7); err != nil {
		t.Errorf("WriteMemory(12) failed: %v", err)
	}
}

func TestMemoryReadHeapCopies(t *testing.T) {
	m := NewMemorySpace(8, 0)
	m.WriteHeap(0, []byte{1, 2, 3})
	b, _ := m.ReadHeap(0, 3)
	b[0] = 99
	again, _ := m.ReadHeap(0, 1)
	if again[0] != 1 {
		t.Error("ReadHeap returned a view into the heap")
	}
}

func TestMemoryGlobals(t *testing.T) {
	m := NewMemorySpace(8, 3)
	if m.GlobalCount() != 3 {
		t.Fatalf("GlobalCount = %d, want 3", m.GlobalCount())
	}
	m.WriteGlobal(2, 77)
	if v, _ := m.ReadGlobal(2); v != 77 {
		t.Errorf("global 2 = %d, want 77", v)
	}
}

func TestMemoryCode(t *testing.T) {
	m := NewMemorySpace(8, 0)
	code := []byte{0x04, 0x00, 0x00, 0x08}
	m.LoadCode(code)
	code[0] = 0xFF

	w, err := m.FetchWord(0)
	if err != nil {
		t.Fatal(err)
	}
	if w != 0x04000008 {
		t.Errorf("FetchWord = %08X, want 04000008", w)
	}
	if _, err := m.FetchWord(4); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("FetchWord past end = %v, want out of bounds", err)
	}
}

func TestMemoryReset(t *testing.T) {
	m := NewMemorySpace(8, 1)
	m.LoadCode([]byte{0, 0, 0, 0})
	m.WriteMemory(0, 5)
	m.WriteGlobal(0, 5)
	m.SetHeapAllocPointer(4)
	m.Reset()

	if v, _ := m.ReadMemory(0); v != 0 {
		t.Error("heap not cleared")
	}
	if v, _ := m.ReadGlobal(0); v != 0 {
		t.Error("globals not cleared")
	}
	if m.HeapAllocPointer() != 0 {
		t.Error("alloc pointer not rewound")
	}
	if m.CodeSize() != 4 {
		t.Error("code segment should survive Reset")
	}
}
