package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts executed opcodes and function calls. A function becomes
// hot once its call count reaches HotThreshold; OnHot fires once per
// function when that happens.
//
// Counters are updated by the executing VM and may be read concurrently.

// FunctionProfile holds profiling data for one function.
type FunctionProfile struct {
	Name  string
	Entry int
	Calls uint64 // atomic
	IsHot bool
}

// Profiler manages profiling for one or more VMs.
type Profiler struct {
	opcodes   [MaxOpcode + 1]atomic.Uint64
	functions sync.Map // name -> *FunctionProfile
	hotMu     sync.Mutex

	HotThreshold uint64 // Default: 100

	// OnHot is called from the executing goroutine.
	OnHot func(fn *Function, profile *FunctionProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

// RecordOpcode counts one execution of op.
func (p *Profiler) RecordOpcode(op Opcode) {
	if op.Valid() {
		p.opcodes[op].Add(1)
	}
}

// RecordCall counts one call of fn. Returns true if this call made the
// function hot.
func (p *Profiler) RecordCall(fn *Function) bool {
	if fn == nil {
		return false
	}
	val, _ := p.functions.LoadOrStore(fn.Name, &FunctionProfile{Name: fn.Name, Entry: fn.Entry})
	profile := val.(*FunctionProfile)

	count := atomic.AddUint64(&profile.Calls, 1)
	if count < p.HotThreshold {
		return false
	}

	p.hotMu.Lock()
	became := !profile.IsHot
	profile.IsHot = true
	p.hotMu.Unlock()
	if !became {
		return false
	}
	p.hotCount.Add(1)
	if p.OnHot != nil {
		p.OnHot(fn, profile)
	}
	return true
}

// OpcodeCount returns how many times op has executed.
func (p *Profiler) OpcodeCount(op Opcode) uint64 {
	if !op.Valid() {
		return 0
	}
	return p.opcodes[op].Load()
}

// OpcodeCounts returns the non-zero opcode counts.
func (p *Profiler) OpcodeCounts() map[Opcode]uint64 {
	out := make(map[Opcode]uint64)
	for op := range p.opcodes {
		if n := p.opcodes[op].Load(); n > 0 {
			out[Opcode(op)] = n
		}
	}
	return out
}

// FunctionProfile returns the profile for the named function, or nil if it
// was never called.
func (p *Profiler) FunctionProfile(name string) *FunctionProfile {
	if val, ok := p.functions.Load(name); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// IsHot reports whether the named function has reached the threshold.
func (p *Profiler) IsHot(name string) bool {
	profile := p.FunctionProfile(name)
	if profile == nil {
		return false
	}
	p.hotMu.Lock()
	defer p.hotMu.Unlock()
	return profile.IsHot
}

// HotFunctions returns the names of hot functions, sorted.
func (p *Profiler) HotFunctions() []string {
	var hot []string
	p.functions.Range(func(key, value any) bool {
		if p.IsHot(key.(string)) {
			hot = append(hot, key.(string))
		}
		return true
	})
	sort.Strings(hot)
	return hot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Instructions uint64 // total opcodes counted
	Calls        uint64 // total function calls
	Functions    int    // functions called at least once
	HotFunctions int    // functions past the threshold
	DistinctOps  int    // opcodes executed at least once
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	for op := range p.opcodes {
		if n := p.opcodes[op].Load(); n > 0 {
			stats.Instructions += n
			stats.DistinctOps++
		}
	}
	p.functions.Range(func(_, value any) bool {
		profile := value.(*FunctionProfile)
		stats.Functions++
		stats.Calls += atomic.LoadUint64(&profile.Calls)
		return true
	})
	stats.HotFunctions = int(p.hotCount.Load())
	return stats
}

// Reset clears every counter.
func (p *Profiler) Reset() {
	for op := range p.opcodes {
		p.opcodes[op].Store(0)
	}
	p.functions.Range(func(key, _ any) bool {
		p.functions.Delete(key)
		return true
	})
	p.hotCount.Store(0)
}
