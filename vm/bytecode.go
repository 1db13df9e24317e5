package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction word layout
// ---------------------------------------------------------------------------
//
//	 31      26 25   21 20   16 15   11 10          0
//	+----------+-------+-------+-------+-------------+
//	|  opcode  |  rd   |  rs1  |  rs2  |   unused    |   R
//	|  opcode  |  rd   |  rs1  |       imm16         |   I
//	|  opcode  |             imm26                   |   J
//	+----------+-------------------------------------+
//
// Words are stored big-endian. imm16 and imm26 are sign-extended.

// Opcode is the 6-bit operation code of an instruction word.
type Opcode byte

// MaxOpcode is the largest encodable opcode.
const MaxOpcode = 63

// Control flow
const (
	OpNOP   Opcode = 0x00
	OpHALT  Opcode = 0x01
	OpJMP   Opcode = 0x02 // pc = imm26
	OpJR    Opcode = 0x03 // pc = rs1
	OpCALL  Opcode = 0x04 // call imm26
	OpCALLR Opcode = 0x05 // call rs1
	OpRET   Opcode = 0x06
	OpBEQ   Opcode = 0x07 // if rd == rs1: pc += imm16
	OpBNE   Opcode = 0x08
	OpBLT   Opcode = 0x09
	OpBGE   Opcode = 0x0A
	OpBZ    Opcode = 0x0B // if rd == 0: pc += imm16
	OpBNZ   Opcode = 0x0C
)

// Arithmetic and logic
const (
	OpADD  Opcode = 0x10
	OpSUB  Opcode = 0x11
	OpMUL  Opcode = 0x12
	OpDIV  Opcode = 0x13
	OpMOD  Opcode = 0x14
	OpAND  Opcode = 0x15
	OpOR   Opcode = 0x16
	OpXOR  Opcode = 0x17
	OpSHL  Opcode = 0x18
	OpSHR  Opcode = 0x19 // logical
	OpSRA  Opcode = 0x1A // arithmetic
	OpADDI Opcode = 0x1B
	OpMULI Opcode = 0x1C
	OpANDI Opcode = 0x1D // imm16 zero-extended
	OpORI  Opcode = 0x1E // imm16 zero-extended
	OpXORI Opcode = 0x1F // imm16 zero-extended
	OpSHLI Opcode = 0x20
	OpSHRI Opcode = 0x21
	OpNEG  Opcode = 0x22
	OpNOT  Opcode = 0x23
	OpMOV  Opcode = 0x24
	OpLI   Opcode = 0x25 // rd = imm16
	OpLUI  Opcode = 0x26 // rd = imm16 << 16
)

// Comparison (result 0 or 1)
const (
	OpSEQ  Opcode = 0x28
	OpSNE  Opcode = 0x29
	OpSLT  Opcode = 0x2A
	OpSLE  Opcode = 0x2B
	OpSGT  Opcode = 0x2C
	OpSGE  Opcode = 0x2D
	OpSLTI Opcode = 0x2E
)

// Memory, objects and I/O
const (
	OpOUT     Opcode = 0x2F // write rd to the output
	OpLW      Opcode = 0x30 // rd = heap word [rs1+imm16]
	OpSW      Opcode = 0x31 // heap word [rs1+imm16] = rd
	OpLB      Opcode = 0x32
	OpSB      Opcode = 0x33
	OpLDL     Opcode = 0x34 // rd = local at byte offset imm16
	OpSTL     Opcode = 0x35
	OpLDG     Opcode = 0x36 // rd = global[imm16]
	OpSTG     Opcode = 0x37
	OpLDC     Opcode = 0x38 // rd = constant[imm16]
	OpNEW     Opcode = 0x39 // rd = allocate(rs1)
	OpNEWI    Opcode = 0x3A // rd = allocate(imm16)
	OpRETAIN  Opcode = 0x3B // incrementRef(rd)
	OpRELEASE Opcode = 0x3C // decrementRef(rd)
	OpLDO     Opcode = 0x3D // rd = object rs1 word at imm16
	OpSTO     Opcode = 0x3E // object rs1 word at imm16 = rd
	OpGC      Opcode = 0x3F
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Format describes which fields of an instruction word an opcode uses.
type Format int

const (
	FormatN   Format = iota // no operands
	FormatJ                 // imm26
	FormatR3                // rd, rs1, rs2
	FormatR2                // rd, rs1
	FormatR1                // rd
	FormatS1                // rs1
	FormatI3                // rd, rs1, imm16
	FormatI2                // rd, imm16
	FormatMem               // rd, imm16(rs1)
)

// Category groups opcodes by the executor family that implements them.
type Category int

const (
	CategoryControl Category = iota
	CategoryArithmetic
	CategoryComparison
	CategoryMemory
)

func (c Category) String() string {
	switch c {
	case CategoryControl:
		return "control"
	case CategoryArithmetic:
		return "arithmetic"
	case CategoryComparison:
		return "comparison"
	case CategoryMemory:
		return "memory"
	}
	return "unknown"
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Format   Format
	Category Category
	Branch   bool // imm16 is a pc-relative byte offset
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:   {"NOP", FormatN, CategoryControl, false},
	OpHALT:  {"HALT", FormatN, CategoryControl, false},
	OpJMP:   {"JMP", FormatJ, CategoryControl, false},
	OpJR:    {"JR", FormatS1, CategoryControl, false},
	OpCALL:  {"CALL", FormatJ, CategoryControl, false},
	OpCALLR: {"CALLR", FormatS1, CategoryControl, false},
	OpRET:   {"RET", FormatN, CategoryControl, false},
	OpBEQ:   {"BEQ", FormatI3, CategoryControl, true},
	OpBNE:   {"BNE", FormatI3, CategoryControl, true},
	OpBLT:   {"BLT", FormatI3, CategoryControl, true},
	OpBGE:   {"BGE", FormatI3, CategoryControl, true},
	OpBZ:    {"BZ", FormatI2, CategoryControl, true},
	OpBNZ:   {"BNZ", FormatI2, CategoryControl, true},

	OpADD:  {"ADD", FormatR3, CategoryArithmetic, false},
	OpSUB:  {"SUB", FormatR3, CategoryArithmetic, false},
	OpMUL:  {"MUL", FormatR3, CategoryArithmetic, false},
	OpDIV:  {"DIV", FormatR3, CategoryArithmetic, false},
	OpMOD:  {"MOD", FormatR3, CategoryArithmetic, false},
	OpAND:  {"AND", FormatR3, CategoryArithmetic, false},
	OpOR:   {"OR", FormatR3, CategoryArithmetic, false},
	OpXOR:  {"XOR", FormatR3, CategoryArithmetic, false},
	OpSHL:  {"SHL", FormatR3, CategoryArithmetic, false},
	OpSHR:  {"SHR", FormatR3, CategoryArithmetic, false},
	OpSRA:  {"SRA", FormatR3, CategoryArithmetic, false},
	OpADDI: {"ADDI", FormatI3, CategoryArithmetic, false},
	OpMULI: {"MULI", FormatI3, CategoryArithmetic, false},
	OpANDI: {"ANDI", FormatI3, CategoryArithmetic, false},
	OpORI:  {"ORI", FormatI3, CategoryArithmetic, false},
	OpXORI: {"XORI", FormatI3, CategoryArithmetic, false},
	OpSHLI: {"SHLI", FormatI3, CategoryArithmetic, false},
	OpSHRI: {"SHRI", FormatI3, CategoryArithmetic, false},
	OpNEG:  {"NEG", FormatR2, CategoryArithmetic, false},
	OpNOT:  {"NOT", FormatR2, CategoryArithmetic, false},
	OpMOV:  {"MOV", FormatR2, CategoryArithmetic, false},
	OpLI:   {"LI", FormatI2, CategoryArithmetic, false},
	OpLUI:  {"LUI", FormatI2, CategoryArithmetic, false},

	OpSEQ:  {"SEQ", FormatR3, CategoryComparison, false},
	OpSNE:  {"SNE", FormatR3, CategoryComparison, false},
	OpSLT:  {"SLT", FormatR3, CategoryComparison, false},
	OpSLE:  {"SLE", FormatR3, CategoryComparison, false},
	OpSGT:  {"SGT", FormatR3, CategoryComparison, false},
	OpSGE:  {"SGE", FormatR3, CategoryComparison, false},
	OpSLTI: {"SLTI", FormatI3, CategoryComparison, false},

	OpOUT:     {"OUT", FormatR1, CategoryMemory, false},
	OpLW:      {"LW", FormatMem, CategoryMemory, false},
	OpSW:      {"SW", FormatMem, CategoryMemory, false},
	OpLB:      {"LB", FormatMem, CategoryMemory, false},
	OpSB:      {"SB", FormatMem, CategoryMemory, false},
	OpLDL:     {"LDL", FormatI2, CategoryMemory, false},
	OpSTL:     {"STL", FormatI2, CategoryMemory, false},
	OpLDG:     {"LDG", FormatI2, CategoryMemory, false},
	OpSTG:     {"STG", FormatI2, CategoryMemory, false},
	OpLDC:     {"LDC", FormatI2, CategoryMemory, false},
	OpNEW:     {"NEW", FormatR2, CategoryMemory, false},
	OpNEWI:    {"NEWI", FormatI2, CategoryMemory, false},
	OpRETAIN:  {"RETAIN", FormatR1, CategoryMemory, false},
	OpRELEASE: {"RELEASE", FormatR1, CategoryMemory, false},
	OpLDO:     {"LDO", FormatMem, CategoryMemory, false},
	OpSTO:     {"STO", FormatMem, CategoryMemory, false},
	OpGC:      {"GC", FormatN, CategoryMemory, false},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns metadata for the opcode. Unknown opcodes report a
// placeholder name and FormatN.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("OP_%02X", byte(op))}, false
	}
	return info, true
}

// Name returns the opcode mnemonic.
func (op Opcode) Name() string {
	info, _ := op.Info()
	return info.Name
}

func (op Opcode) String() string { return op.Name() }

// Valid reports whether op is in the encodable range.
func (op Opcode) Valid() bool { return op <= MaxOpcode }

// LookupOpcode resolves a mnemonic, case-insensitively.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[strings.ToUpper(name)]
	return op, ok
}

// Opcodes returns every defined opcode in numeric order.
func Opcodes() []Opcode {
	var out []Opcode
	for op := Opcode(0); op <= MaxOpcode; op++ {
		if _, ok := opcodeTable[op]; ok {
			out = append(out, op)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Field encoding and extraction
// ---------------------------------------------------------------------------

const (
	Imm16Min = -1 << 15
	Imm16Max = 1<<16 - 1 // upper half of the range is only meaningful for zero-extended immediates
	Imm26Min = -1 << 25
	Imm26Max = 1<<25 - 1
)

// EncodeR builds an R-format word.
func EncodeR(op Opcode, rd, rs1, rs2 int) uint32 {
	return uint32(op&0x3F)<<26 | uint32(rd&0x1F)<<21 | uint32(rs1&0x1F)<<16 | uint32(rs2&0x1F)<<11
}

// EncodeI builds an I-format word. imm is truncated to 16 bits.
func EncodeI(op Opcode, rd, rs1 int, imm int32) uint32 {
	return uint32(op&0x3F)<<26 | uint32(rd&0x1F)<<21 | uint32(rs1&0x1F)<<16 | uint32(imm)&0xFFFF
}

// EncodeJ builds a J-format word. target is truncated to 26 bits.
func EncodeJ(op Opcode, target int32) uint32 {
	return uint32(op&0x3F)<<26 | uint32(target)&0x03FFFFFF
}

func ExtractOpcode(w uint32) Opcode { return Opcode(w >> 26) }
func ExtractRd(w uint32) int        { return int(w>>21) & 0x1F }
func ExtractRs1(w uint32) int       { return int(w>>16) & 0x1F }
func ExtractRs2(w uint32) int       { return int(w>>11) & 0x1F }

// ExtractImm16 returns the sign-extended low 16 bits.
func ExtractImm16(w uint32) int32 { return int32(int16(w & 0xFFFF)) }

// ExtractUimm16 returns the zero-extended low 16 bits.
func ExtractUimm16(w uint32) int32 { return int32(w & 0xFFFF) }

// ExtractImm26 returns the sign-extended low 26 bits.
func ExtractImm26(w uint32) int32 { return int32(w<<6) >> 6 }

// Instruction is a decoded instruction word.
type Instruction struct {
	Op    Opcode
	Word  uint32
	Rd    int
	Rs1   int
	Rs2   int
	Imm16 int32
	Imm26 int32
}

// Decode splits w into its fields.
func Decode(w uint32) Instruction {
	return Instruction{
		Op:    ExtractOpcode(w),
		Word:  w,
		Rd:    ExtractRd(w),
		Rs1:   ExtractRs1(w),
		Rs2:   ExtractRs2(w),
		Imm16: ExtractImm16(w),
		Imm26: ExtractImm26(w),
	}
}

// String renders the instruction in assembler syntax. Branch offsets are
// shown relative; use DisassembleInstruction for absolute targets.
func (in Instruction) String() string {
	info, _ := in.Op.Info()
	r := RegisterName
	switch info.Format {
	case FormatJ:
		return fmt.Sprintf("%s %d", info.Name, in.Imm26)
	case FormatR3:
		return fmt.Sprintf("%s %s, %s, %s", info.Name, r(in.Rd), r(in.Rs1), r(in.Rs2))
	case FormatR2:
		return fmt.Sprintf("%s %s, %s", info.Name, r(in.Rd), r(in.Rs1))
	case FormatR1:
		return fmt.Sprintf("%s %s", info.Name, r(in.Rd))
	case FormatS1:
		return fmt.Sprintf("%s %s", info.Name, r(in.Rs1))
	case FormatI3:
		return fmt.Sprintf("%s %s, %s, %d", info.Name, r(in.Rd), r(in.Rs1), in.immediate(info))
	case FormatI2:
		return fmt.Sprintf("%s %s, %d", info.Name, r(in.Rd), in.immediate(info))
	case FormatMem:
		return fmt.Sprintf("%s %s, %d(%s)", info.Name, r(in.Rd), in.Imm16, r(in.Rs1))
	}
	return info.Name
}

func (in Instruction) immediate(info OpcodeInfo) int32 {
	switch in.Op {
	case OpANDI, OpORI, OpXORI:
		return ExtractUimm16(in.Word)
	}
	return in.Imm16
}

// ---------------------------------------------------------------------------
// ProgramBuilder: assembles instruction words with label back-patching
// ---------------------------------------------------------------------------

// Label marks a code position that may be referenced before it is bound.
type Label struct {
	Name     string
	position int // -1 until Mark is called
	patches  []labelUse
}

type labelUse struct {
	at     int // byte offset of the referencing word
	branch bool
}

// ProgramBuilder emits instruction words and collects the function table
// and constant pool of a Program.
type ProgramBuilder struct {
	code      []byte
	constants []int32
	functions []Function
	labels    []*Label
	entry     string
	err       error
}

// NewProgramBuilder creates an empty builder.
func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{}
}

// PC returns the byte offset of the next emitted instruction.
func (b *ProgramBuilder) PC() int { return len(b.code) }

func (b *ProgramBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

// EmitWord appends a raw instruction word.
func (b *ProgramBuilder) EmitWord(w uint32) {
	b.code = binary.BigEndian.AppendUint32(b.code, w)
}

func (b *ProgramBuilder) checkReg(op Opcode, regs ...int) {
	for _, n := range regs {
		if n < 0 || n >= NumRegisters {
			b.fail("%s: register r%d out of range", op, n)
		}
	}
}

func (b *ProgramBuilder) checkImm(op Opcode, imm int32) {
	if imm < Imm16Min || imm > Imm16Max {
		b.fail("%s: immediate %d does not fit in 16 bits", op, imm)
	}
}

// Emit appends a no-operand instruction.
func (b *ProgramBuilder) Emit(op Opcode) {
	b.EmitWord(EncodeR(op, 0, 0, 0))
}

// EmitR appends an R-format instruction.
func (b *ProgramBuilder) EmitR(op Opcode, rd, rs1, rs2 int) {
	b.checkReg(op, rd, rs1, rs2)
	b.EmitWord(EncodeR(op, rd, rs1, rs2))
}

// EmitI appends an I-format instruction.
func (b *ProgramBuilder) EmitI(op Opcode, rd, rs1 int, imm int32) {
	b.checkReg(op, rd, rs1)
	b.checkImm(op, imm)
	b.EmitWord(EncodeI(op, rd, rs1, imm))
}

// EmitJ appends a J-format instruction with an absolute target.
func (b *ProgramBuilder) EmitJ(op Opcode, target int32) {
	if target < Imm26Min || target > Imm26Max {
		b.fail("%s: target %d does not fit in 26 bits", op, target)
	}
	b.EmitWord(EncodeJ(op, target))
}

// NewLabel creates an unbound label.
func (b *ProgramBuilder) NewLabel(name string) *Label {
	l := &Label{Name: name, position: -1}
	b.labels = append(b.labels, l)
	return l
}

// Mark binds label to the current position and patches earlier uses.
func (b *ProgramBuilder) Mark(l *Label) {
	if l.position >= 0 {
		b.fail("label %q bound twice", l.Name)
		return
	}
	l.position = b.PC()
	for _, use := range l.patches {
		b.patch(l, use)
	}
	l.patches = nil
}

func (b *ProgramBuilder) patch(l *Label, use labelUse) {
	w := binary.BigEndian.Uint32(b.code[use.at:])
	if use.branch {
		off := int32(l.position - use.at)
		if off < Imm16Min || off > 1<<15-1 {
			b.fail("branch to %q at %d out of range (offset %d)", l.Name, use.at, off)
			return
		}
		w = w&^0xFFFF | uint32(off)&0xFFFF
	} else {
		w = w&^0x03FFFFFF | uint32(l.position)&0x03FFFFFF
	}
	binary.BigEndian.PutUint32(b.code[use.at:], w)
}

func (b *ProgramBuilder) use(l *Label, branch bool) {
	u := labelUse{at: b.PC() - WordSize, branch: branch}
	if l.position >= 0 {
		b.patch(l, u)
		return
	}
	l.patches = append(l.patches, u)
}

// EmitJump appends a J-format instruction targeting label.
func (b *ProgramBuilder) EmitJump(op Opcode, l *Label) {
	b.EmitWord(EncodeJ(op, 0))
	b.use(l, false)
}

// EmitBranch appends a conditional branch comparing rd and rs1 (rs1 ignored
// for BZ and BNZ) whose target is label.
func (b *ProgramBuilder) EmitBranch(op Opcode, rd, rs1 int, l *Label) {
	b.checkReg(op, rd, rs1)
	b.EmitWord(EncodeI(op, rd, rs1, 0))
	b.use(l, true)
}

// Constant adds v to the constant pool and returns its index.
func (b *ProgramBuilder) Constant(v int32) int {
	for i, c := range b.constants {
		if c == v {
			return i
		}
	}
	b.constants = append(b.constants, v)
	return len(b.constants) - 1
}

// Function declares a function entered at the current position.
func (b *ProgramBuilder) Function(name string, args, locals int) {
	if args < 0 || locals < 0 {
		b.fail("function %q: negative arg or local count", name)
	}
	b.functions = append(b.functions, Function{Name: name, Entry: b.PC(), Args: args, Locals: locals})
}

// SetEntry names the function execution starts in.
func (b *ProgramBuilder) SetEntry(name string) { b.entry = name }

// Build resolves labels and returns the program.
func (b *ProgramBuilder) Build() (*Program, error) {
	for _, l := range b.labels {
		if l.position < 0 && len(l.patches) > 0 {
			b.fail("label %q used but never bound", l.Name)
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	p := &Program{
		Code:      append([]byte(nil), b.code...),
		Constants: append([]int32(nil), b.constants...),
		Functions: append([]Function(nil), b.functions...),
		Entry:     b.entry,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustBuild is Build for tests and static programs; it panics on error.
func (b *ProgramBuilder) MustBuild() *Program {
	p, err := b.Build()
	if err != nil {
		panic("vm: " + err.Error())
	}
	return p
}

