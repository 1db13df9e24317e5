// rvm CLI - assemble, inspect and run register machine programs
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/rvm/asm"
	"github.com/chazu/rvm/manifest"
	"github.com/chazu/rvm/vm"
)

var log = commonlog.GetLogger("rvm.cli")

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"run", "run [options] [file]    Run a program (.asm or .rvmi); without a file, use the project manifest", cmdRun},
	{"asm", "asm [-o out] file.asm   Assemble a program into an image", cmdAsm},
	{"dis", "dis file                Disassemble a program", cmdDis},
	{"stats", "stats files...          Summarize programs", cmdStats},
	{"runs", "runs -db path           List recorded runs", cmdRuns},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: rvm [-v] <command> [arguments]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  rvm run fib.asm                  # Assemble and run\n")
	fmt.Fprintf(os.Stderr, "  rvm asm -o fib.rvmi fib.asm      # Build an image\n")
	fmt.Fprintf(os.Stderr, "  rvm run -trace fib.rvmi          # Run with an instruction trace\n")
	fmt.Fprintf(os.Stderr, "  rvm run -db runs.db -record      # Run the project, recording every instruction\n")
}

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 = errors only, 1 = info, 2 = debug)")
	flag.Usage = usage
	flag.Parse()

	// commonlog counts from 0 = critical+error; keep errors visible by default.
	commonlog.Configure(*verbosity+1, nil)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	for _, c := range commands {
		if c.name == args[0] {
			if err := c.run(args[1:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
	usage()
	os.Exit(2)
}

// loadProgram reads an image (.rvmi) or assembles source (anything else).
func loadProgram(path string) (*vm.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".rvmi") {
		return vm.ReadImage(f)
	}
	return asm.Assemble(path, f)
}

// projectProgram resolves the program named by a manifest.
func projectProgram(m *manifest.Manifest) (string, error) {
	if m == nil {
		return "", fmt.Errorf("no file given and no %s found", strings.Join(manifest.FileNames, "/"))
	}
	path := m.SourcePath()
	if path == "" {
		path = m.ImagePath()
	}
	if path == "" {
		return "", fmt.Errorf("%s: [program] names neither source nor image", m.Path)
	}
	return path, nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
