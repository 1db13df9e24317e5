package asm

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/scanner"
	"unicode"

	"github.com/chazu/rvm/vm"
)

func isIdentRune(ch rune, i int) bool {
	return unicode.IsLetter(ch) || ch == '_' || ch == '.' || (i > 0 && unicode.IsDigit(ch))
}

type token struct {
	tok  rune
	text string
	pos  scanner.Position
}

type stmtKind int

const (
	stmtLabel stmtKind = iota
	stmtInstr
	stmtFunc
	stmtEntry
	stmtConst
	stmtWord
)

// stmt is one parsed source line (or label definition), ready to emit.
type stmt struct {
	kind stmtKind
	pos  scanner.Position
	name string // label, function, entry or mnemonic
	op   vm.Opcode
	args []token
	vals []int64 // directive arguments
	pc   int
}

type labelSite struct {
	pos     scanner.Position
	address int
}

type parser struct {
	name   string
	s      scanner.Scanner
	stmts  []stmt
	labels map[string]labelSite
	pc     int
	errs   ErrAsm

	b      *vm.ProgramBuilder
	blabel map[string]*vm.Label
}

func newParser(name string) *parser {
	return &parser{
		name:   name,
		labels: make(map[string]labelSite),
		blabel: make(map[string]*vm.Label),
	}
}

func (p *parser) errorf(pos scanner.Position, format string, args ...any) {
	if len(p.errs) >= maxErrors {
		return
	}
	p.errs = append(p.errs, ErrorItem{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) parse(r io.Reader) (*vm.Program, error) {
	p.s.Init(r)
	p.s.Filename = p.name
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts
	p.s.Whitespace = 1<<'\t' | 1<<' ' | 1<<'\r'
	p.s.IsIdentRune = isIdentRune
	p.s.Error = func(s *scanner.Scanner, msg string) {
		pos := s.Position
		if !pos.IsValid() {
			pos = s.Pos()
		}
		p.errorf(pos, "%s", msg)
	}

	// Pass 1: split into lines, record label addresses.
	var line []token
	for tok := p.s.Scan(); ; tok = p.s.Scan() {
		if tok == ';' {
			for next := p.s.Peek(); next != '\n' && next != scanner.EOF; next = p.s.Peek() {
				p.s.Next()
			}
			continue
		}
		if tok == '\n' || tok == scanner.EOF {
			p.line(line)
			line = line[:0]
			if tok == scanner.EOF {
				break
			}
			continue
		}
		line = append(line, token{tok, p.s.TokenText(), p.s.Position})
	}

	if len(p.errs) > 0 {
		return nil, p.errs
	}

	// Pass 2: emit through the program builder.
	p.b = vm.NewProgramBuilder()
	for i := range p.stmts {
		p.emit(&p.stmts[i])
	}
	if len(p.errs) > 0 {
		return nil, p.errs
	}
	return p.b.Build()
}

func (p *parser) defineLabel(t token) bool {
	if prev, ok := p.labels[t.text]; ok {
		p.errorf(t.pos, "label redefinition: %s, previous definition here: %s", t.text, prev.pos)
		return false
	}
	p.labels[t.text] = labelSite{t.pos, p.pc}
	p.stmts = append(p.stmts, stmt{kind: stmtLabel, pos: t.pos, name: t.text, pc: p.pc})
	return true
}

// line handles the tokens of one source line.
func (p *parser) line(toks []token) {
	for len(toks) >= 2 && toks[0].tok == scanner.Ident && toks[1].tok == ':' {
		p.defineLabel(toks[0])
		toks = toks[2:]
	}
	if len(toks) == 0 {
		return
	}

	head := toks[0]
	args := append([]token(nil), toks[1:]...)
	if head.tok != scanner.Ident {
		p.errorf(head.pos, "unexpected %q at start of line", head.text)
		return
	}

	if strings.HasPrefix(head.text, ".") {
		p.directive(head, args)
		return
	}

	op, ok := vm.LookupOpcode(head.text)
	if !ok {
		p.errorf(head.pos, "unknown instruction %s", head.text)
		return
	}
	p.stmts = append(p.stmts, stmt{kind: stmtInstr, pos: head.pos, name: head.text, op: op, args: args, pc: p.pc})
	p.pc += vm.WordSize
}

func (p *parser) directive(head token, args []token) {
	o := &operands{p: p, toks: args, pos: head.pos}
	switch head.text {
	case ".func":
		name, ok := o.ident()
		if !ok {
			return
		}
		st := stmt{kind: stmtFunc, pos: head.pos, name: name.text, pc: p.pc}
		if !o.end() {
			nargs, ok1 := o.number()
			nlocals, ok2 := o.number()
			if !ok1 || !ok2 {
				return
			}
			st.vals = []int64{nargs, nlocals}
		}
		if !o.done() {
			return
		}
		if p.defineLabel(name) {
			p.stmts = append(p.stmts, st)
		}

	case ".entry":
		name, ok := o.ident()
		if !ok || !o.done() {
			return
		}
		p.stmts = append(p.stmts, stmt{kind: stmtEntry, pos: head.pos, name: name.text})

	case ".const":
		v, ok := o.number()
		if !ok || !o.done() {
			return
		}
		if v < -1<<31 || v > 1<<31-1 {
			p.errorf(head.pos, ".const: %d does not fit in 32 bits", v)
			return
		}
		p.stmts = append(p.stmts, stmt{kind: stmtConst, pos: head.pos, vals: []int64{v}})

	case ".word":
		v, ok := o.number()
		if !ok || !o.done() {
			return
		}
		if v < -1<<31 || v > 1<<32-1 {
			p.errorf(head.pos, ".word: %d does not fit in 32 bits", v)
			return
		}
		p.stmts = append(p.stmts, stmt{kind: stmtWord, pos: head.pos, vals: []int64{v}, pc: p.pc})
		p.pc += vm.WordSize

	default:
		p.errorf(head.pos, "unknown directive %s", head.text)
	}
}

// ---------------------------------------------------------------------------
// Pass 2
// ---------------------------------------------------------------------------

func (p *parser) builderLabel(name string) *vm.Label {
	l, ok := p.blabel[name]
	if !ok {
		l = p.b.NewLabel(name)
		p.blabel[name] = l
	}
	return l
}

func (p *parser) emit(st *stmt) {
	b := p.b
	switch st.kind {
	case stmtLabel:
		b.Mark(p.builderLabel(st.name))
		return
	case stmtFunc:
		nargs, nlocals := 0, 0
		if len(st.vals) == 2 {
			nargs, nlocals = int(st.vals[0]), int(st.vals[1])
		}
		b.Function(st.name, nargs, nlocals)
		return
	case stmtEntry:
		b.SetEntry(st.name)
		return
	case stmtConst:
		b.Constant(int32(st.vals[0]))
		return
	case stmtWord:
		b.EmitWord(uint32(st.vals[0]))
		return
	}

	info, _ := st.op.Info()
	o := &operands{p: p, toks: st.args, pos: st.pos}
	switch info.Format {
	case vm.FormatN:
		if o.done() {
			b.Emit(st.op)
		}

	case vm.FormatJ:
		addr, label, ok := o.target()
		if !ok || !o.done() {
			return
		}
		if label != "" {
			b.EmitJump(st.op, p.builderLabel(label))
		} else {
			b.EmitJ(st.op, int32(addr))
		}

	case vm.FormatR3:
		if r, ok := o.regs(3, false); ok && o.done() {
			b.EmitR(st.op, r[0], r[1], r[2])
		}

	case vm.FormatR2:
		if r, ok := o.regs(2, false); ok && o.done() {
			b.EmitR(st.op, r[0], r[1], 0)
		}

	case vm.FormatR1:
		if r, ok := o.regs(1, false); ok && o.done() {
			b.EmitR(st.op, r[0], 0, 0)
		}

	case vm.FormatS1:
		if r, ok := o.regs(1, false); ok && o.done() {
			b.EmitR(st.op, 0, r[0], 0)
		}

	case vm.FormatI3:
		r, ok := o.regs(2, true)
		if !ok {
			return
		}
		if info.Branch {
			p.branch(st, o, r[0], r[1])
			return
		}
		if imm, ok := o.imm(); ok && o.done() {
			b.EmitI(st.op, r[0], r[1], imm)
		}

	case vm.FormatI2:
		r, ok := o.regs(1, true)
		if !ok {
			return
		}
		if info.Branch {
			p.branch(st, o, r[0], 0)
			return
		}
		if imm, ok := o.imm(); ok && o.done() {
			b.EmitI(st.op, r[0], 0, imm)
		}

	case vm.FormatMem:
		r, ok := o.regs(1, true)
		if !ok {
			return
		}
		var off int32
		if !o.peek('(') {
			if off, ok = o.imm(); !ok {
				return
			}
		}
		if !o.expect('(') {
			return
		}
		base, ok := o.reg()
		if ok && o.expect(')') && o.done() {
			b.EmitI(st.op, r[0], base, off)
		}
	}
}

func (p *parser) branch(st *stmt, o *operands, rd, rs1 int) {
	addr, label, ok := o.target()
	if !ok || !o.done() {
		return
	}
	if label != "" {
		p.b.EmitBranch(st.op, rd, rs1, p.builderLabel(label))
		return
	}
	off := addr - st.pc
	if off < vm.Imm16Min || off > 1<<15-1 {
		p.errorf(st.pos, "%s: target %d out of branch range from %d", st.op, addr, st.pc)
		return
	}
	p.b.EmitI(st.op, rd, rs1, int32(off))
}

// ---------------------------------------------------------------------------
// Operand cursor
// ---------------------------------------------------------------------------

type operands struct {
	p    *parser
	toks []token
	i    int
	pos  scanner.Position // of the instruction, for errors at end of line
}

func (o *operands) next() (token, bool) {
	if o.i >= len(o.toks) {
		o.p.errorf(o.pos, "missing operand")
		return token{}, false
	}
	t := o.toks[o.i]
	o.i++
	return t, true
}

func (o *operands) peek(r rune) bool {
	return o.i < len(o.toks) && o.toks[o.i].tok == r
}

func (o *operands) end() bool { return o.i >= len(o.toks) }

// done reports an error if operands are left over.
func (o *operands) done() bool {
	if o.i < len(o.toks) {
		t := o.toks[o.i]
		o.p.errorf(t.pos, "unexpected %q", t.text)
		return false
	}
	return true
}

func (o *operands) expect(r rune) bool {
	t, ok := o.next()
	if !ok {
		return false
	}
	if t.tok != r {
		o.p.errorf(t.pos, "expected %q, got %q", r, t.text)
		return false
	}
	return true
}

func (o *operands) comma() bool { return o.expect(',') }

func (o *operands) ident() (token, bool) {
	t, ok := o.next()
	if !ok {
		return t, false
	}
	if t.tok != scanner.Ident {
		o.p.errorf(t.pos, "expected name, got %q", t.text)
		return t, false
	}
	return t, true
}

// regs reads n comma-separated registers, plus a trailing comma when more
// operands follow.
func (o *operands) regs(n int, more bool) ([]int, bool) {
	out := make([]int, n)
	for i := range out {
		if i > 0 && !o.comma() {
			return nil, false
		}
		r, ok := o.reg()
		if !ok {
			return nil, false
		}
		out[i] = r
	}
	if more && !o.comma() {
		return nil, false
	}
	return out, true
}

func (o *operands) reg() (int, bool) {
	t, ok := o.next()
	if !ok {
		return 0, false
	}
	n, ok := parseRegister(t.text)
	if !ok {
		o.p.errorf(t.pos, "expected register, got %q", t.text)
	}
	return n, ok
}

// number reads an optionally negated integer literal.
func (o *operands) number() (int64, bool) {
	t, ok := o.next()
	if !ok {
		return 0, false
	}
	neg := false
	if t.tok == '-' {
		neg = true
		if t, ok = o.next(); !ok {
			return 0, false
		}
	}
	if t.tok != scanner.Int {
		o.p.errorf(t.pos, "expected number, got %q", t.text)
		return 0, false
	}
	v, err := strconv.ParseInt(t.text, 0, 64)
	if err != nil {
		o.p.errorf(t.pos, "bad number %q: %v", t.text, err)
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

// imm reads a 16-bit immediate: a number, or a label meaning its address.
func (o *operands) imm() (int32, bool) {
	var v int64
	if o.i < len(o.toks) && o.toks[o.i].tok == scanner.Ident {
		t := o.toks[o.i]
		o.i++
		site, ok := o.p.labels[t.text]
		if !ok {
			o.p.errorf(t.pos, "undefined label %s", t.text)
			return 0, false
		}
		v = int64(site.address)
	} else {
		var ok bool
		if v, ok = o.number(); !ok {
			return 0, false
		}
	}
	if v < vm.Imm16Min || v > vm.Imm16Max {
		o.p.errorf(o.pos, "immediate %d does not fit in 16 bits", v)
		return 0, false
	}
	return int32(v), true
}

// target reads a jump or branch destination: a label or an absolute
// address.
func (o *operands) target() (addr int, label string, ok bool) {
	if o.i < len(o.toks) && o.toks[o.i].tok == scanner.Ident {
		t := o.toks[o.i]
		o.i++
		if _, defined := o.p.labels[t.text]; !defined {
			o.p.errorf(t.pos, "undefined label %s", t.text)
			return 0, "", false
		}
		return 0, t.text, true
	}
	v, ok := o.number()
	if !ok {
		return 0, "", false
	}
	if v < vm.Imm26Min || v > vm.Imm26Max {
		o.p.errorf(o.pos, "target %d does not fit in 26 bits", v)
		return 0, "", false
	}
	return int(v), "", true
}

var registerAliases = map[string]int{
	"zero": vm.RegZero,
	"sp":   vm.RegSP,
	"fp":   vm.RegFP,
	"lr":   vm.RegLR,
}

func parseRegister(s string) (int, bool) {
	s = strings.ToLower(s)
	if n, ok := registerAliases[s]; ok {
		return n, true
	}
	if len(s) < 2 || s[0] != 'r' {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= vm.NumRegisters || strconv.Itoa(n) != s[1:] {
		return 0, false
	}
	return n, true
}
