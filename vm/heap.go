package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap: reference-counted first-fit allocator over the memory heap region
// ---------------------------------------------------------------------------
//
// Objects are addressed by ObjectID, never by raw offset. Every object starts
// with a reference count of 1 and is reclaimed the moment a decrement drives
// the count to zero. Collect is a fallback sweep for headers whose count is
// already non-positive; it also runs automatically before an allocation
// gives up with OutOfMemory.
//
// Cycles are not detected. Program object graphs are acyclic, so eager
// reference counting reclaims everything that becomes unreachable.
//
// Free blocks and live objects partition the heap at all times:
//
//	sum(free.Size) + sum(live.Size) == Size()
//
// The heap has exactly one mutator (the engine). Headers are published
// copy-on-write through a sync.Map so an observer goroutine may inspect them
// while the program runs.

var heapLog = commonlog.GetLogger("rvm.heap")

// ObjectID is an opaque handle to a heap object. IDs are positive and never
// reused.
type ObjectID int32

// GCObjectHeader is the per-object bookkeeping record.
type GCObjectHeader struct {
	ID       ObjectID
	RefCount int
	Size     int
	Offset   int
	Marked   bool // reserved for a future tracing pass
	Alive    bool
}

// FreeBlock is a contiguous free region of the heap.
type FreeBlock struct {
	Offset int
	Size   int
}

// End returns the first offset past the block.
func (b FreeBlock) End() int { return b.Offset + b.Size }

// CollectStats describes a single Collect pass.
type CollectStats struct {
	Objects   int
	Bytes     int
	Duration  time.Duration
	Timestamp time.Time
}

// GCStats accumulates allocator activity since creation or the last
// ResetStats.
type GCStats struct {
	TotalAllocations       int64
	TotalAllocatedBytes    int64
	TotalReclaimedObjects  int64 // eager reclaims from DecrementRef
	TotalReclaimedBytes    int64
	TotalCollections       int64
	TotalCollectedObjects  int64 // reclaimed by Collect passes
	TotalCollectedBytes    int64
	UnknownRefOps          int64 // ref operations on ids with no live object
	LastCollectionDuration time.Duration
	LastCollectionTime     time.Time
}

// Heap manages object lifetimes on top of a Memory heap region.
type Heap struct {
	mem  Memory
	size int

	headers sync.Map // ObjectID -> *GCObjectHeader (never mutated after Store)
	count   atomic.Int64
	nextID  ObjectID

	mu    sync.RWMutex // guards free and stats
	free  []FreeBlock  // ordered by Offset, non-overlapping, coalesced
	stats GCStats

	// OnCollect, if set, is called after every Collect pass.
	OnCollect func(CollectStats)
}

// NewHeap creates an allocator managing the whole heap region of mem.
func NewHeap(mem Memory) *Heap {
	h := &Heap{
		mem:  mem,
		size: mem.HeapSize(),
	}
	h.free = []FreeBlock{{Offset: 0, Size: h.size}}
	return h
}

// Size returns the heap capacity in bytes.
func (h *Heap) Size() int { return h.size }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate reserves size bytes and returns the id of a new object with a
// reference count of 1. When no free block is large enough it runs Collect
// once before failing with OutOfMemory.
func (h *Heap) Allocate(size int) (ObjectID, error) {
	if size <= 0 {
		return 0, newFault(KindInvalidArgument, "allocation size %d must be positive", size)
	}
	if size > h.size {
		return 0, newFault(KindOutOfMemory, "allocation of %d bytes exceeds heap capacity %d", size, h.size)
	}

	h.mu.RLock()
	idx := h.firstFit(size)
	h.mu.RUnlock()

	if idx < 0 {
		h.Collect()
		h.mu.RLock()
		idx = h.firstFit(size)
		h.mu.RUnlock()
	}
	if idx < 0 {
		return 0, newFault(KindOutOfMemory, "no free block of %d bytes (free=%d, largest=%d)",
			size, h.FreeBytes(), h.LargestFreeBlock())
	}

	h.mu.Lock()
	block := h.free[idx]
	if block.Size > size {
		h.free[idx] = FreeBlock{Offset: block.Offset + size, Size: block.Size - size}
	} else {
		h.free = append(h.free[:idx], h.free[idx+1:]...)
	}
	h.stats.TotalAllocations++
	h.stats.TotalAllocatedBytes += int64(size)
	h.mu.Unlock()

	h.nextID++
	header := &GCObjectHeader{
		ID:       h.nextID,
		RefCount: 1,
		Size:     size,
		Offset:   block.Offset,
		Alive:    true,
	}
	h.headers.Store(header.ID, header)
	h.count.Add(1)

	if err := h.zero(block.Offset, size); err != nil {
		return 0, err
	}
	if end := block.Offset + size; end > h.mem.HeapAllocPointer() {
		if err := h.mem.SetHeapAllocPointer(end); err != nil {
			return 0, err
		}
	}

	heapLog.Debugf("allocate id=%d offset=%d size=%d", header.ID, header.Offset, size)
	return header.ID, nil
}

// firstFit returns the index of the first free block holding at least size
// bytes, or -1. Caller holds mu.
func (h *Heap) firstFit(size int) int {
	for i, b := range h.free {
		if b.Size >= size {
			return i
		}
	}
	return -1
}

func (h *Heap) zero(offset, size int) error {
	if z, ok := h.mem.(interface{ ZeroHeap(addr, size int) error }); ok {
		return z.ZeroHeap(offset, size)
	}
	return h.mem.WriteHeap(offset, make([]byte, size))
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

func (h *Heap) header(id ObjectID) *GCObjectHeader {
	v, ok := h.headers.Load(id)
	if !ok {
		return nil
	}
	return v.(*GCObjectHeader)
}

// IncrementRef adds one reference to id. Unknown ids are ignored; the return
// value reports whether the id named a live object.
func (h *Heap) IncrementRef(id ObjectID) bool {
	hd := h.header(id)
	if hd == nil {
		h.noteUnknown(id, "increment")
		return false
	}
	next := *hd
	next.RefCount++
	h.headers.Store(id, &next)
	return true
}

// DecrementRef drops one reference from id and reclaims the object as soon
// as its count reaches zero. Unknown ids are ignored; the return value
// reports whether the id named a live object.
func (h *Heap) DecrementRef(id ObjectID) bool {
	hd := h.header(id)
	if hd == nil {
		h.noteUnknown(id, "decrement")
		return false
	}
	next := *hd
	next.RefCount--
	if next.RefCount > 0 {
		h.headers.Store(id, &next)
		return true
	}

	h.mu.Lock()
	h.reclaim(&next)
	h.stats.TotalReclaimedObjects++
	h.stats.TotalReclaimedBytes += int64(next.Size)
	h.mu.Unlock()
	return true
}

func (h *Heap) noteUnknown(id ObjectID, op string) {
	h.mu.Lock()
	h.stats.UnknownRefOps++
	h.mu.Unlock()
	heapLog.Debugf("%s on unknown object id=%d ignored", op, id)
}

// reclaim removes the header and returns its block to the free list.
// Caller holds mu.
func (h *Heap) reclaim(hd *GCObjectHeader) {
	h.headers.Delete(hd.ID)
	h.count.Add(-1)
	if err := h.zero(hd.Offset, hd.Size); err != nil {
		panic(fmt.Sprintf("heap: reclaim id=%d: %v", hd.ID, err))
	}
	h.addFreeBlock(hd.Offset, hd.Size)
	heapLog.Debugf("reclaim id=%d offset=%d size=%d", hd.ID, hd.Offset, hd.Size)
}

// addFreeBlock inserts [offset, offset+size) into the ordered free list and
// merges it with its neighbours when they touch. Caller holds mu.
func (h *Heap) addFreeBlock(offset, size int) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].Offset >= offset })

	if i < len(h.free) && offset+size > h.free[i].Offset {
		panic(fmt.Sprintf("heap: free block [%d,%d) overlaps [%d,%d)",
			offset, offset+size, h.free[i].Offset, h.free[i].End()))
	}
	if i > 0 && h.free[i-1].End() > offset {
		panic(fmt.Sprintf("heap: free block [%d,%d) overlaps [%d,%d)",
			offset, offset+size, h.free[i-1].Offset, h.free[i-1].End()))
	}

	h.free = append(h.free, FreeBlock{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = FreeBlock{Offset: offset, Size: size}

	// Merge with the following block.
	if i+1 < len(h.free) && h.free[i].End() == h.free[i+1].Offset {
		h.free[i].Size += h.free[i+1].Size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	// Merge with the preceding block.
	if i > 0 && h.free[i-1].End() == h.free[i].Offset {
		h.free[i-1].Size += h.free[i].Size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect sweeps all headers and reclaims those whose reference count is
// zero or negative.
func (h *Heap) Collect() CollectStats {
	start := time.Now()
	stats := CollectStats{Timestamp: start}

	var dead []*GCObjectHeader
	h.headers.Range(func(_, v any) bool {
		hd := v.(*GCObjectHeader)
		if hd.RefCount <= 0 {
			dead = append(dead, hd)
		}
		return true
	})
	sort.Slice(dead, func(i, j int) bool { return dead[i].ID < dead[j].ID })

	h.mu.Lock()
	for _, hd := range dead {
		h.reclaim(hd)
		stats.Objects++
		stats.Bytes += hd.Size
	}
	stats.Duration = time.Since(start)
	h.stats.TotalCollections++
	h.stats.TotalCollectedObjects += int64(stats.Objects)
	h.stats.TotalCollectedBytes += int64(stats.Bytes)
	h.stats.LastCollectionDuration = stats.Duration
	h.stats.LastCollectionTime = start
	h.mu.Unlock()

	heapLog.Noticef("collect: %d objects, %d bytes in %s", stats.Objects, stats.Bytes, stats.Duration)
	if h.OnCollect != nil {
		h.OnCollect(stats)
	}
	return stats
}

// ---------------------------------------------------------------------------
// Object data access
// ---------------------------------------------------------------------------

func (h *Heap) liveHeader(id ObjectID) (*GCObjectHeader, error) {
	hd := h.header(id)
	if hd == nil {
		return nil, newFault(KindInvalidArgument, "no live object with id %d", id)
	}
	return hd, nil
}

// ReadField reads the word at byte offset off inside object id.
func (h *Heap) ReadField(id ObjectID, off int) (int32, error) {
	hd, err := h.liveHeader(id)
	if err != nil {
		return 0, err
	}
	if err := checkRange("object", off, WordSize, hd.Size); err != nil {
		return 0, err
	}
	return h.mem.ReadMemory(hd.Offset + off)
}

// WriteField writes the word at byte offset off inside object id.
func (h *Heap) WriteField(id ObjectID, off int, v int32) error {
	hd, err := h.liveHeader(id)
	if err != nil {
		return err
	}
	if err := checkRange("object", off, WordSize, hd.Size); err != nil {
		return err
	}
	return h.mem.WriteMemory(hd.Offset+off, v)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// IsObjectAlive reports whether id names a live object.
func (h *Heap) IsObjectAlive(id ObjectID) bool {
	return h.header(id) != nil
}

// RefCount returns the reference count of id.
func (h *Heap) RefCount(id ObjectID) (int, bool) {
	hd := h.header(id)
	if hd == nil {
		return 0, false
	}
	return hd.RefCount, true
}

// Header returns a copy of the header for id.
func (h *Heap) Header(id ObjectID) (GCObjectHeader, bool) {
	hd := h.header(id)
	if hd == nil {
		return GCObjectHeader{}, false
	}
	return *hd, true
}

// ObjectCount returns the number of live objects.
func (h *Heap) ObjectCount() int {
	return int(h.count.Load())
}

// Objects returns copies of all live headers ordered by offset.
func (h *Heap) Objects() []GCObjectHeader {
	var out []GCObjectHeader
	h.headers.Range(func(_, v any) bool {
		out = append(out, *v.(*GCObjectHeader))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// FreeBlocks returns a copy of the free list.
func (h *Heap) FreeBlocks() []FreeBlock {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]FreeBlock(nil), h.free...)
}

// FreeBytes returns the total size of all free blocks.
func (h *Heap) FreeBytes() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, b := range h.free {
		total += b.Size
	}
	return total
}

// LiveBytes returns the total size of all live objects.
func (h *Heap) LiveBytes() int {
	total := 0
	h.headers.Range(func(_, v any) bool {
		total += v.(*GCObjectHeader).Size
		return true
	})
	return total
}

// LargestFreeBlock returns the size of the largest free block.
func (h *Heap) LargestFreeBlock() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	largest := 0
	for _, b := range h.free {
		largest = max(largest, b.Size)
	}
	return largest
}

// Fragmentation returns 1 - largest/free, in [0,1]. A heap whose free space
// is one block reports 0.
func (h *Heap) Fragmentation() float64 {
	free := h.FreeBytes()
	if free == 0 {
		return 0
	}
	return 1 - float64(h.LargestFreeBlock())/float64(free)
}

// Stats returns a copy of the accumulated statistics.
func (h *Heap) Stats() GCStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// ResetStats clears the accumulated statistics.
func (h *Heap) ResetStats() {
	h.mu.Lock()
	h.stats = GCStats{}
	h.mu.Unlock()
}

// Reset drops every object and restores a single free block. IDs keep
// increasing so handles from a previous run never alias new objects.
func (h *Heap) Reset() {
	h.headers.Range(func(k, _ any) bool {
		h.headers.Delete(k)
		return true
	})
	h.count.Store(0)
	h.mu.Lock()
	h.free = []FreeBlock{{Offset: 0, Size: h.size}}
	h.stats = GCStats{}
	h.mu.Unlock()
}

// CheckInvariants verifies that free blocks are ordered, non-overlapping and
// fully coalesced, that no live object overlaps anything, and that free and
// live bytes add up to the heap size.
func (h *Heap) CheckInvariants() error {
	free := h.FreeBlocks()
	live := h.Objects()

	for i := 1; i < len(free); i++ {
		prev, cur := free[i-1], free[i]
		if prev.End() > cur.Offset {
			return fmt.Errorf("free blocks [%d,%d) and [%d,%d) overlap or are unordered",
				prev.Offset, prev.End(), cur.Offset, cur.End())
		}
		if prev.End() == cur.Offset {
			return fmt.Errorf("free blocks [%d,%d) and [%d,%d) were not coalesced",
				prev.Offset, prev.End(), cur.Offset, cur.End())
		}
	}

	type span struct{ start, end int }
	spans := make([]span, 0, len(free)+len(live))
	total := 0
	for _, b := range free {
		if b.Size <= 0 {
			return fmt.Errorf("free block at %d has size %d", b.Offset, b.Size)
		}
		spans = append(spans, span{b.Offset, b.End()})
		total += b.Size
	}
	for _, o := range live {
		spans = append(spans, span{o.Offset, o.Offset + o.Size})
		total += o.Size
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i-1].end > spans[i].start {
			return fmt.Errorf("regions [%d,%d) and [%d,%d) overlap",
				spans[i-1].start, spans[i-1].end, spans[i].start, spans[i].end)
		}
	}
	if total != h.size {
		return fmt.Errorf("free+live = %d bytes, heap size is %d", total, h.size)
	}
	return nil
}
