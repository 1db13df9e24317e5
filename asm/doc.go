// Package asm assembles register machine source into a vm.Program.
//
// Source is line oriented. Each line holds at most one label definition,
// directive or instruction; a semicolon starts a comment that runs to the
// end of the line.
//
//	.entry main            ; function execution starts in
//	.const 1000            ; append to the constant pool
//	.func main 0 2         ; declare a function: name, args, locals
//	loop:                  ; label the next instruction
//	    ADDI r1, r1, -1
//	    BNZ  r1, loop      ; branch targets: label or absolute address
//	    LW   r2, 8(r3)     ; memory operands: offset(base)
//	    .word 0xFC000000   ; raw instruction word
//
// Mnemonics are case-insensitive. Registers are r0 through r15; zero, sp,
// fp and lr name r0, r13, r14 and r15. A .func directive also defines a
// label with the function's name, so CALL main works. A label may stand in
// for any immediate and then means its absolute code address.
//
// Numeric jump and branch operands are absolute addresses, which is what the
// disassembler prints: a disassembly listing assembles back to the same
// program.
package asm
