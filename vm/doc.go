// Package vm implements a 32-bit register virtual machine.
//
// This package contains:
//   - The register file, flat heap, global slots and code segment
//   - A first-fit, reference-counted heap allocator with a collection pass
//   - The call-frame manager
//   - A per-VM opcode dispatch table and the built-in instruction set
//   - The fetch-decode-execute engine with pause, step and stop control
//   - Debugger, profiler, disassembler and the program image codec
//
// Instruction words are four bytes, big-endian:
//
//	31    26 25  21 20  16 15  11 10         0
//	[opcode][  rd ][ rs1 ][ rs2 ][  unused   ]   R format
//	[opcode][  rd ][ rs1 ][      imm16       ]   I format
//	[opcode][          imm26                 ]   J format
//
// Every component reports failures as *Fault values, which match the Err*
// sentinels with errors.Is.
package vm
