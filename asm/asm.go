package asm

import (
	"fmt"
	"io"
	"strings"
	"text/scanner"

	"github.com/chazu/rvm/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("rvm.asm")

// maxErrors bounds how many errors a single Assemble call reports.
const maxErrors = 10

// ErrorItem is one positioned assembler error.
type ErrorItem struct {
	Pos scanner.Position
	Msg string
}

func (e ErrorItem) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
	}
	return e.Msg
}

// ErrAsm is returned by Assemble. It lists every error found, in source
// order, up to a fixed limit.
type ErrAsm []ErrorItem

func (e ErrAsm) Error() string {
	lines := make([]string, len(e))
	for i, item := range e {
		lines[i] = item.Error()
	}
	return strings.Join(lines, "\n")
}

// Assemble reads assembler source from r and returns the program it
// describes. name is used in error positions.
//
// The returned error, if not nil, is an ErrAsm value, or the error reported
// by the program builder once the source itself parsed cleanly.
func Assemble(name string, r io.Reader) (*vm.Program, error) {
	p := newParser(name)
	prog, err := p.parse(r)
	if err != nil {
		log.Debugf("%s: %d errors", name, countErrors(err))
		return nil, err
	}
	log.Debugf("%s: %d bytes of code, %d functions", name, len(prog.Code), len(prog.Functions))
	return prog, nil
}

// AssembleString is Assemble over a string.
func AssembleString(name, src string) (*vm.Program, error) {
	return Assemble(name, strings.NewReader(src))
}

// MustAssemble is AssembleString for tests and static programs; it panics
// on error.
func MustAssemble(name, src string) *vm.Program {
	p, err := AssembleString(name, src)
	if err != nil {
		panic(err)
	}
	return p
}

func countErrors(err error) int {
	if errs, ok := err.(ErrAsm); ok {
		return len(errs)
	}
	return 1
}
