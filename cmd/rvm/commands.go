package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/rvm/manifest"
	"github.com/chazu/rvm/tracedb"
	"github.com/chazu/rvm/vm"
)

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory holding rvm.toml or rvm.yaml (default: search upward)")
	trace := fs.Bool("trace", false, "Print every executed instruction to stderr")
	entry := fs.String("entry", "", "Function to start in (overrides the program's .entry)")
	heapSize := fs.Int("heap", 0, "Heap size in bytes (default from manifest, else 1 MiB)")
	stackSize := fs.Int("stack", 0, "Frame stack size in bytes")
	depth := fs.Int("depth", 0, "Maximum call depth")
	dbPath := fs.String("db", "", "Record the run in this trace database")
	record := fs.Bool("record", false, "Record every instruction (with -db)")
	profile := fs.Bool("profile", false, "Print opcode and call counts after the run")
	stats := fs.Bool("stats", false, "Print heap statistics after the run")
	timeout := fs.Duration("timeout", 0, "Stop the program after this long (0 = no limit)")
	fs.Parse(args)

	var (
		m    *manifest.Manifest
		path string
		err  error
	)
	switch {
	case fs.NArg() > 1:
		return fmt.Errorf("run takes at most one file")
	case *configDir != "":
		if m, err = manifest.Load(*configDir); err != nil {
			return err
		}
		path = fs.Arg(0)
	case fs.NArg() == 1:
		path = fs.Arg(0)
		if m, err = manifest.FindAndLoad(filepath.Dir(path)); err != nil {
			return err
		}
	default:
		if m, err = manifest.FindAndLoad("."); err != nil {
			return err
		}
	}
	if path == "" {
		if path, err = projectProgram(m); err != nil {
			return err
		}
	}

	cfg := vm.DefaultConfig()
	if m != nil {
		cfg = m.VMConfig()
		if *entry == "" {
			*entry = m.Program.Entry
		}
		if *dbPath == "" {
			*dbPath = m.TraceDatabasePath()
			*record = *record || m.Trace.RecordInstructions
		}
	}
	if *heapSize > 0 {
		cfg.HeapSize = *heapSize
	}
	if *stackSize > 0 {
		cfg.StackSize = *stackSize
	}
	if *depth > 0 {
		cfg.MaxCallDepth = *depth
	}
	cfg.Trace = cfg.Trace || *trace

	prog, err := loadProgram(path)
	if err != nil {
		return err
	}
	if *entry != "" {
		prog.Entry = *entry
	}

	opts := []vm.Option{vm.WithOutput(os.Stdout), vm.WithTraceWriter(os.Stderr)}
	var profiler *vm.Profiler
	if *profile {
		profiler = vm.NewProfiler()
		opts = append(opts, vm.WithProfiler(profiler))
	}

	var rec *tracedb.Recorder
	if *dbPath != "" {
		db, err := tracedb.Open(*dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if rec, err = db.BeginRun(path, *record); err != nil {
			return err
		}
		opts = append(opts, vm.WithObserver(rec))
	}

	machine, err := vm.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := machine.LoadProgram(prog); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	runErr := machine.Start()
	if runErr == nil {
		runErr = machine.RunContext(ctx)
	}
	elapsed := time.Since(start)
	log.Infof("%s: %s after %d instructions in %s", path, machine.State(), machine.InstructionCount(), elapsed)

	if rec != nil {
		if err := rec.Finish(machine); err != nil {
			log.Errorf("recording run: %v", err)
		} else {
			fmt.Fprintf(os.Stderr, "Recorded run %s\n", rec.ID())
		}
	}
	if *stats {
		printHeapStats(os.Stderr, machine.Heap())
	}
	if profiler != nil {
		printProfile(os.Stderr, profiler)
	}
	return runErr
}

func cmdAsm(args []string) error {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	out := fs.String("o", "", "Output image (default: input with .rvmi extension)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("asm takes exactly one source file")
	}

	src := fs.Arg(0)
	prog, err := loadProgram(src)
	if err != nil {
		return err
	}
	if *out == "" {
		*out = strings.TrimSuffix(src, filepath.Ext(src)) + ".rvmi"
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := vm.WriteImage(f, prog); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%s of code, %d functions)\n", *out, humanize.Bytes(uint64(len(prog.Code))), len(prog.Functions))
	return nil
}

func cmdDis(args []string) error {
	fs := flag.NewFlagSet("dis", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("dis takes exactly one file")
	}
	prog, err := loadProgram(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Print(vm.DisassembleWithName(prog, filepath.Base(fs.Arg(0))))
	return nil
}

type programSummary struct {
	path      string
	code      int
	functions int
	constants int
	ops       map[vm.Category]int
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("stats needs at least one file")
	}

	summaries := make([]programSummary, fs.NArg())
	var g errgroup.Group
	g.SetLimit(8)
	for i, path := range fs.Args() {
		i, path := i, path
		g.Go(func() error {
			prog, err := loadProgram(path)
			if err != nil {
				return err
			}
			summaries[i] = summarize(path, prog)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !isTerminal(os.Stdout) {
		for _, s := range summaries {
			fmt.Printf("%s\t%d\t%d\t%d\n", s.path, s.code, s.functions, s.constants)
		}
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROGRAM\tCODE\tFUNCS\tCONSTS\tCONTROL\tARITH\tCOMPARE\tMEMORY")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n", s.path, humanize.Bytes(uint64(s.code)),
			s.functions, s.constants,
			s.ops[vm.CategoryControl], s.ops[vm.CategoryArithmetic], s.ops[vm.CategoryComparison], s.ops[vm.CategoryMemory])
	}
	return tw.Flush()
}

func summarize(path string, prog *vm.Program) programSummary {
	s := programSummary{
		path:      path,
		code:      len(prog.Code),
		functions: len(prog.Functions),
		constants: len(prog.Constants),
		ops:       make(map[vm.Category]int),
	}
	for pc := 0; pc+vm.WordSize <= len(prog.Code); pc += vm.WordSize {
		if info, ok := vm.ExtractOpcode(binary.BigEndian.Uint32(prog.Code[pc:])).Info(); ok {
			s.ops[info.Category]++
		}
	}
	return s
}

func cmdRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "", "Trace database")
	fs.Parse(args)
	if *dbPath == "" {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			return err
		}
		if m != nil {
			*dbPath = m.TraceDatabasePath()
		}
	}
	if *dbPath == "" {
		return fmt.Errorf("runs needs -db or a manifest with [trace] database")
	}

	db, err := tracedb.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.Runs()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROGRAM\tSTARTED\tSTATE\tINSTRUCTIONS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Program, humanize.Time(r.Started), r.State, humanize.Comma(int64(r.Instructions)))
	}
	return tw.Flush()
}

func printHeapStats(w io.Writer, h *vm.Heap) {
	s := h.Stats()
	fmt.Fprintf(w, "heap: %s total, %s free in %d blocks (largest %s), %d live objects\n",
		humanize.Bytes(uint64(h.Size())), humanize.Bytes(uint64(h.FreeBytes())), len(h.FreeBlocks()),
		humanize.Bytes(uint64(h.LargestFreeBlock())), h.ObjectCount())
	fmt.Fprintf(w, "      %s allocations (%s), %s reclaimed, %d collections, %d unknown ref ops\n",
		humanize.Comma(s.TotalAllocations), humanize.Bytes(uint64(s.TotalAllocatedBytes)),
		humanize.Comma(s.TotalReclaimedObjects+s.TotalCollectedObjects), s.TotalCollections, s.UnknownRefOps)
}

func printProfile(w io.Writer, p *vm.Profiler) {
	counts := p.OpcodeCounts()
	ops := make([]vm.Opcode, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return counts[ops[i]] > counts[ops[j]] })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "OPCODE\tCOUNT\t")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t\n", op, humanize.Comma(int64(counts[op])))
	}
	tw.Flush()

	st := p.Stats()
	fmt.Fprintf(w, "%s instructions, %s calls into %d functions, hot: %s\n",
		humanize.Comma(int64(st.Instructions)), humanize.Comma(int64(st.Calls)), st.Functions,
		strings.Join(p.HotFunctions(), ", "))
}
