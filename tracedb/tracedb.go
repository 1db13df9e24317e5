// Package tracedb records VM runs in a SQLite database: one row per run,
// the fault that ended it, the heap statistics at exit and, optionally,
// every executed instruction.
package tracedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("rvm.tracedb")

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	program      TEXT NOT NULL,
	started      INTEGER NOT NULL,
	finished     INTEGER,
	state        TEXT NOT NULL,
	instructions INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS faults (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	kind        TEXT NOT NULL,
	pc          INTEGER NOT NULL,
	instruction TEXT NOT NULL,
	detail      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS gc_stats (
	run_id            TEXT PRIMARY KEY REFERENCES runs(id),
	allocations       INTEGER NOT NULL,
	allocated_bytes   INTEGER NOT NULL,
	reclaimed_objects INTEGER NOT NULL,
	reclaimed_bytes   INTEGER NOT NULL,
	collections       INTEGER NOT NULL,
	collected_objects INTEGER NOT NULL,
	collected_bytes   INTEGER NOT NULL,
	unknown_ref_ops   INTEGER NOT NULL,
	live_objects      INTEGER NOT NULL,
	free_bytes        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS instructions (
	run_id TEXT NOT NULL REFERENCES runs(id),
	seq    INTEGER NOT NULL,
	pc     INTEGER NOT NULL,
	word   INTEGER NOT NULL,
	op     TEXT NOT NULL,
	depth  INTEGER NOT NULL,
	fault  TEXT,
	PRIMARY KEY (run_id, seq)
);
`

// DB is a trace database.
type DB struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens (creating if needed) the trace database at dbPath.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases alive across statements.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	log.Debugf("opened %s", dbPath)
	return &DB{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Path returns the database path.
func (d *DB) Path() string { return d.dbPath }

// Run is one recorded execution.
type Run struct {
	ID           string
	Program      string
	Started      time.Time
	Finished     time.Time // zero while the run is open
	State        string
	Instructions uint64
}

// Fault is a recorded fault.
type Fault struct {
	Kind        string
	PC          int
	Instruction string
	Detail      string
}

// HeapStats is the heap summary recorded when a run finishes.
type HeapStats struct {
	Allocations      int64
	AllocatedBytes   int64
	ReclaimedObjects int64
	ReclaimedBytes   int64
	Collections      int64
	CollectedObjects int64
	CollectedBytes   int64
	UnknownRefOps    int64
	LiveObjects      int
	FreeBytes        int
}

// Instruction is one recorded instruction.
type Instruction struct {
	Seq   uint64
	PC    int
	Word  uint32
	Op    string
	Depth int
	Fault string // empty unless the instruction faulted
}

func (d *DB) insertRun(id, program string, started time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(
		"INSERT INTO runs (id, program, started, state) VALUES (?, ?, ?, ?)",
		id, program, started.UnixNano(), "running",
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Runs returns all runs, newest first.
func (d *DB) Runs() ([]Run, error) {
	rows, err := d.db.Query("SELECT id, program, started, finished, state, instructions FROM runs ORDER BY started DESC")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run returns the run with the given id.
func (d *DB) Run(id string) (Run, error) {
	row := d.db.QueryRow("SELECT id, program, started, finished, state, instructions FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		count    int64
	)
	if err := s.Scan(&r.ID, &r.Program, &started, &finished, &r.State, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	r.Started = time.Unix(0, started)
	if finished.Valid {
		r.Finished = time.Unix(0, finished.Int64)
	}
	r.Instructions = uint64(count)
	return r, nil
}

// Faults returns the faults recorded for a run.
func (d *DB) Faults(runID string) ([]Fault, error) {
	rows, err := d.db.Query("SELECT kind, pc, instruction, detail FROM faults WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("querying faults: %w", err)
	}
	defer rows.Close()

	var out []Fault
	for rows.Next() {
		var f Fault
		if err := rows.Scan(&f.Kind, &f.PC, &f.Instruction, &f.Detail); err != nil {
			return nil, fmt.Errorf("scanning fault: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// HeapStats returns the heap summary recorded for a run.
func (d *DB) HeapStats(runID string) (HeapStats, error) {
	var s HeapStats
	err := d.db.QueryRow(`SELECT allocations, allocated_bytes, reclaimed_objects, reclaimed_bytes,
		collections, collected_objects, collected_bytes, unknown_ref_ops, live_objects, free_bytes
		FROM gc_stats WHERE run_id = ?`, runID).Scan(
		&s.Allocations, &s.AllocatedBytes, &s.ReclaimedObjects, &s.ReclaimedBytes,
		&s.Collections, &s.CollectedObjects, &s.CollectedBytes, &s.UnknownRefOps,
		&s.LiveObjects, &s.FreeBytes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return HeapStats{}, ErrRunNotFound
	}
	if err != nil {
		return HeapStats{}, fmt.Errorf("querying gc stats: %w", err)
	}
	return s, nil
}

// Instructions returns up to limit recorded instructions of a run in
// execution order. limit <= 0 returns all of them.
func (d *DB) Instructions(runID string, limit int) ([]Instruction, error) {
	q := "SELECT seq, pc, word, op, depth, fault FROM instructions WHERE run_id = ? ORDER BY seq"
	args := []any{runID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying instructions: %w", err)
	}
	defer rows.Close()

	var out []Instruction
	for rows.Next() {
		var (
			in    Instruction
			seq   int64
			word  int64
			fault sql.NullString
		)
		if err := rows.Scan(&seq, &in.PC, &word, &in.Op, &in.Depth, &fault); err != nil {
			return nil, fmt.Errorf("scanning instruction: %w", err)
		}
		in.Seq = uint64(seq)
		in.Word = uint32(word)
		in.Fault = fault.String
		out = append(out, in)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and everything recorded for it.
func (d *DB) DeleteRun(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"instructions", "faults", "gc_stats"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE run_id = ?", id); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	res, err := tx.Exec("DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return tx.Commit()
}

func newRunID() string { return uuid.NewString() }
