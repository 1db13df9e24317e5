package tracedb

import (
	"fmt"
	"sync"
	"time"

	"github.com/chazu/rvm/vm"
)

// flushEvery bounds how many instruction rows are buffered in memory.
const flushEvery = 4096

// Recorder is a vm.Observer that records one run. Create it with BeginRun,
// attach it with vm.WithObserver and call Finish once the run is over.
type Recorder struct {
	db                 *DB
	id                 string
	recordInstructions bool

	mu      sync.Mutex
	pending []Instruction
	err     error // first flush error
	done    bool
}

// BeginRun inserts a new run and returns its recorder. When
// recordInstructions is false only the run summary is kept.
func (d *DB) BeginRun(program string, recordInstructions bool) (*Recorder, error) {
	id := newRunID()
	if err := d.insertRun(id, program, time.Now()); err != nil {
		return nil, err
	}
	log.Infof("run %s: %s", id, program)
	return &Recorder{db: d, id: id, recordInstructions: recordInstructions}, nil
}

// ID returns the run id.
func (r *Recorder) ID() string { return r.id }

// BeforeInstruction implements vm.Observer.
func (r *Recorder) BeforeInstruction(vm.Event) {}

// AfterInstruction implements vm.Observer.
func (r *Recorder) AfterInstruction(ev vm.Event, err error) {
	if !r.recordInstructions {
		return
	}
	in := Instruction{Seq: ev.Seq, PC: ev.PC, Word: ev.Word, Op: ev.Op.Name(), Depth: ev.Depth}
	if err != nil {
		in.Fault = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.pending = append(r.pending, in)
	if len(r.pending) >= flushEvery {
		r.flushLocked()
	}
}

func (r *Recorder) flushLocked() {
	if len(r.pending) == 0 || r.err != nil {
		r.pending = r.pending[:0]
		return
	}
	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		r.err = fmt.Errorf("beginning transaction: %w", err)
		return
	}
	stmt, err := tx.Prepare("INSERT INTO instructions (run_id, seq, pc, word, op, depth, fault) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		r.err = fmt.Errorf("preparing insert: %w", err)
		return
	}
	defer stmt.Close()

	for _, in := range r.pending {
		var fault any
		if in.Fault != "" {
			fault = in.Fault
		}
		if _, err := stmt.Exec(r.id, int64(in.Seq), in.PC, int64(in.Word), in.Op, in.Depth, fault); err != nil {
			tx.Rollback()
			r.err = fmt.Errorf("inserting instruction %d: %w", in.Seq, err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		r.err = fmt.Errorf("committing instructions: %w", err)
		return
	}
	r.pending = r.pending[:0]
}

// Finish flushes buffered instructions and records the final state of m:
// its lifecycle state, instruction count, last fault and heap statistics.
// Finish returns the first error met while recording.
func (r *Recorder) Finish(m *vm.VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.err
	}
	r.flushLocked()
	r.done = true
	if r.err != nil {
		return r.err
	}

	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec("UPDATE runs SET finished = ?, state = ?, instructions = ? WHERE id = ?",
		time.Now().UnixNano(), m.State().String(), int64(m.InstructionCount()), r.id)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	if f := m.LastFault(); f != nil {
		_, err = tx.Exec("INSERT INTO faults (run_id, kind, pc, instruction, detail) VALUES (?, ?, ?, ?, ?)",
			r.id, f.Kind.String(), f.PC, f.Instruction, f.Detail)
		if err != nil {
			return fmt.Errorf("inserting fault: %w", err)
		}
	}

	heap := m.Heap()
	s := heap.Stats()
	_, err = tx.Exec(`INSERT OR REPLACE INTO gc_stats (run_id, allocations, allocated_bytes,
		reclaimed_objects, reclaimed_bytes, collections, collected_objects, collected_bytes,
		unknown_ref_ops, live_objects, free_bytes) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, s.TotalAllocations, s.TotalAllocatedBytes, s.TotalReclaimedObjects, s.TotalReclaimedBytes,
		s.TotalCollections, s.TotalCollectedObjects, s.TotalCollectedBytes, s.UnknownRefOps,
		heap.ObjectCount(), heap.FreeBytes())
	if err != nil {
		return fmt.Errorf("inserting gc stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	log.Infof("run %s finished: %s after %d instructions", r.id, m.State(), m.InstructionCount())
	return nil
}
