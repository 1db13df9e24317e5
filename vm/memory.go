package vm

import "encoding/binary"

// ---------------------------------------------------------------------------
// Memory subsystem: heap bytes, global slots, read-only code segment
// ---------------------------------------------------------------------------

// WordSize is the size in bytes of a heap word and of one instruction.
const WordSize = 4

// Memory is the narrow interface through which executors and the allocator
// touch VM storage. Every access is bounds checked and fails with an
// OutOfBounds fault.
type Memory interface {
	ReadMemory(addr int) (int32, error)
	WriteMemory(addr int, v int32) error
	ReadHeap(addr, size int) ([]byte, error)
	WriteHeap(addr int, data []byte) error
	HeapSize() int
	HeapAllocPointer() int
	SetHeapAllocPointer(p int) error
	Code() []byte
	CodeSize() int
	ReadGlobal(idx int) (int32, error)
	WriteGlobal(idx int, v int32) error
}

// MemorySpace is the VM's concrete Memory.
type MemorySpace struct {
	heap     []byte
	globals  []int32
	code     []byte
	allocPtr int
}

// NewMemorySpace creates a memory space with a zeroed heap of heapSize bytes
// and globalCount global slots. The code segment starts empty.
func NewMemorySpace(heapSize, globalCount int) *MemorySpace {
	return &MemorySpace{
		heap:    make([]byte, heapSize),
		globals: make([]int32, globalCount),
	}
}

func checkRange(region string, addr, size, capacity int) error {
	if addr < 0 || size < 0 || addr+size > capacity {
		return newFault(KindOutOfBounds, "%s access [%d,%d) outside [0,%d)", region, addr, addr+size, capacity)
	}
	return nil
}

// ReadMemory reads the big-endian word at heap address addr.
func (m *MemorySpace) ReadMemory(addr int) (int32, error) {
	if err := checkRange("heap", addr, WordSize, len(m.heap)); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(m.heap[addr:])), nil
}

// WriteMemory writes v as a big-endian word at heap address addr.
func (m *MemorySpace) WriteMemory(addr int, v int32) error {
	if err := checkRange("heap", addr, WordSize, len(m.heap)); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(m.heap[addr:], uint32(v))
	return nil
}

// ReadHeap returns a copy of size heap bytes starting at addr.
func (m *MemorySpace) ReadHeap(addr, size int) ([]byte, error) {
	if err := checkRange("heap", addr, size, len(m.heap)); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, m.heap[addr:addr+size])
	return out, nil
}

// WriteHeap copies data into the heap at addr.
func (m *MemorySpace) WriteHeap(addr int, data []byte) error {
	if err := checkRange("heap", addr, len(data), len(m.heap)); err != nil {
		return err
	}
	copy(m.heap[addr:], data)
	return nil
}

// ZeroHeap clears size bytes at addr.
func (m *MemorySpace) ZeroHeap(addr, size int) error {
	if err := checkRange("heap", addr, size, len(m.heap)); err != nil {
		return err
	}
	clear(m.heap[addr : addr+size])
	return nil
}

func (m *MemorySpace) HeapSize() int { return len(m.heap) }

// HeapAllocPointer returns the allocation high-water mark.
func (m *MemorySpace) HeapAllocPointer() int { return m.allocPtr }

// SetHeapAllocPointer moves the allocation high-water mark.
func (m *MemorySpace) SetHeapAllocPointer(p int) error {
	if p < 0 || p > len(m.heap) {
		return newFault(KindOutOfBounds, "heap alloc pointer %d outside [0,%d]", p, len(m.heap))
	}
	m.allocPtr = p
	return nil
}

// Code returns the code segment. Callers must not modify it.
func (m *MemorySpace) Code() []byte { return m.code }

func (m *MemorySpace) CodeSize() int { return len(m.code) }

// LoadCode installs a private copy of code as the code segment.
func (m *MemorySpace) LoadCode(code []byte) {
	m.code = append([]byte(nil), code...)
}

// FetchWord reads the instruction word at pc.
func (m *MemorySpace) FetchWord(pc int) (uint32, error) {
	if err := checkRange("code", pc, WordSize, len(m.code)); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(m.code[pc:]), nil
}

// ReadGlobal returns global slot idx.
func (m *MemorySpace) ReadGlobal(idx int) (int32, error) {
	if err := checkRange("global", idx, 1, len(m.globals)); err != nil {
		return 0, err
	}
	return m.globals[idx], nil
}

// WriteGlobal sets global slot idx.
func (m *MemorySpace) WriteGlobal(idx int, v int32) error {
	if err := checkRange("global", idx, 1, len(m.globals)); err != nil {
		return err
	}
	m.globals[idx] = v
	return nil
}

// GlobalCount returns the number of global slots.
func (m *MemorySpace) GlobalCount() int { return len(m.globals) }

// Reset zeroes the heap and globals and rewinds the alloc pointer. The code
// segment is kept.
func (m *MemorySpace) Reset() {
	clear(m.heap)
	clear(m.globals)
	m.allocPtr = 0
}
