package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FormatInstruction renders w, located at pc, in assembler syntax. Branch
// and jump targets are printed as absolute addresses so the text can be fed
// back to the assembler. Words with an unknown opcode print as .word.
func FormatInstruction(pc int, w uint32) string {
	in := Decode(w)
	info, ok := in.Op.Info()
	if !ok {
		return fmt.Sprintf(".word 0x%08X", w)
	}
	r := RegisterName
	if info.Branch {
		target := pc + int(in.Imm16)
		if in.Op == OpBZ || in.Op == OpBNZ {
			return fmt.Sprintf("%s %s, %d", info.Name, r(in.Rd), target)
		}
		return fmt.Sprintf("%s %s, %s, %d", info.Name, r(in.Rd), r(in.Rs1), target)
	}
	return in.String()
}

// DisassembleInstruction renders one word with its address and encoding.
func DisassembleInstruction(pc int, w uint32) string {
	return fmt.Sprintf("%04X: %08X  %s", pc, w, FormatInstruction(pc, w))
}

// Disassemble returns a listing of p. The listing is valid assembler input:
// functions become .func directives, the constant pool becomes .const lines
// and addresses and encodings are kept in comments.
func Disassemble(p *Program) string {
	return DisassembleWithName(p, "")
}

// DisassembleWithName is Disassemble with a header line naming the program.
func DisassembleWithName(p *Program, name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; %d bytes of code, %d functions, %d constants\n",
		len(p.Code), len(p.Functions), len(p.Constants)))

	if p.Entry != "" {
		sb.WriteString(fmt.Sprintf(".entry %s\n", p.Entry))
	}

	if len(p.Constants) > 0 {
		sb.WriteString("\n")
		for i, c := range p.Constants {
			sb.WriteString(fmt.Sprintf(".const %d ; [%d]\n", c, i))
		}
	}

	byEntry := make(map[int][]Function, len(p.Functions))
	for _, fn := range p.Functions {
		byEntry[fn.Entry] = append(byEntry[fn.Entry], fn)
	}

	sb.WriteString("\n")
	for pc := 0; pc+WordSize <= len(p.Code); pc += WordSize {
		for _, fn := range byEntry[pc] {
			sb.WriteString(fmt.Sprintf("\n.func %s %d %d\n", fn.Name, fn.Args, fn.Locals))
		}
		w := binary.BigEndian.Uint32(p.Code[pc:])
		sb.WriteString(fmt.Sprintf("    %-28s ; %04X: %08X\n", FormatInstruction(pc, w), pc, w))
	}
	return sb.String()
}
