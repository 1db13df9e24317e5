package vm

// ---------------------------------------------------------------------------
// Arithmetic, logic and comparison executors
// ---------------------------------------------------------------------------
//
// All arithmetic wraps at 32 bits. Shift amounts use their low five bits.

type binaryOp func(a, b int32) (int32, error)

func arithmeticExecutor(op Opcode) ExecutorFunc {
	switch op {
	case OpADD, OpSUB, OpMUL, OpDIV, OpMOD, OpAND, OpOR, OpXOR, OpSHL, OpSHR, OpSRA:
		return registerForm(binaryFor(op))

	case OpADDI:
		return immediateForm(binaryFor(OpADD), ExtractImm16)
	case OpMULI:
		return immediateForm(binaryFor(OpMUL), ExtractImm16)
	case OpANDI:
		return immediateForm(binaryFor(OpAND), ExtractUimm16)
	case OpORI:
		return immediateForm(binaryFor(OpOR), ExtractUimm16)
	case OpXORI:
		return immediateForm(binaryFor(OpXOR), ExtractUimm16)
	case OpSHLI:
		return immediateForm(binaryFor(OpSHL), ExtractImm16)
	case OpSHRI:
		return immediateForm(binaryFor(OpSHR), ExtractImm16)

	case OpNEG:
		return unaryForm(func(a int32) int32 { return -a })
	case OpNOT:
		return unaryForm(func(a int32) int32 { return ^a })
	case OpMOV:
		return unaryForm(func(a int32) int32 { return a })

	case OpLI:
		return func(w uint32, ctx *ExecContext) error {
			return ctx.SetReg(ctx.ExtractRd(w), ctx.ExtractImm16(w))
		}
	case OpLUI:
		return func(w uint32, ctx *ExecContext) error {
			return ctx.SetReg(ctx.ExtractRd(w), ExtractUimm16(w)<<16)
		}
	}
	panic("vm: " + op.Name() + " is not an arithmetic opcode")
}

func comparisonExecutor(op Opcode) ExecutorFunc {
	cmp := func(test func(a, b int32) bool) binaryOp {
		return func(a, b int32) (int32, error) {
			if test(a, b) {
				return 1, nil
			}
			return 0, nil
		}
	}
	switch op {
	case OpSEQ:
		return registerForm(cmp(func(a, b int32) bool { return a == b }))
	case OpSNE:
		return registerForm(cmp(func(a, b int32) bool { return a != b }))
	case OpSLT:
		return registerForm(cmp(func(a, b int32) bool { return a < b }))
	case OpSLE:
		return registerForm(cmp(func(a, b int32) bool { return a <= b }))
	case OpSGT:
		return registerForm(cmp(func(a, b int32) bool { return a > b }))
	case OpSGE:
		return registerForm(cmp(func(a, b int32) bool { return a >= b }))
	case OpSLTI:
		return immediateForm(cmp(func(a, b int32) bool { return a < b }), ExtractImm16)
	}
	panic("vm: " + op.Name() + " is not a comparison opcode")
}

func binaryFor(op Opcode) binaryOp {
	switch op {
	case OpADD:
		return func(a, b int32) (int32, error) { return a + b, nil }
	case OpSUB:
		return func(a, b int32) (int32, error) { return a - b, nil }
	case OpMUL:
		return func(a, b int32) (int32, error) { return a * b, nil }
	case OpDIV:
		return func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, newFault(KindDivisionByZero, "%d / 0", a)
			}
			return a / b, nil
		}
	case OpMOD:
		return func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, newFault(KindDivisionByZero, "%d %% 0", a)
			}
			return a % b, nil
		}
	case OpAND:
		return func(a, b int32) (int32, error) { return a & b, nil }
	case OpOR:
		return func(a, b int32) (int32, error) { return a | b, nil }
	case OpXOR:
		return func(a, b int32) (int32, error) { return a ^ b, nil }
	case OpSHL:
		return func(a, b int32) (int32, error) { return a << (uint32(b) & 31), nil }
	case OpSHR:
		return func(a, b int32) (int32, error) { return int32(uint32(a) >> (uint32(b) & 31)), nil }
	case OpSRA:
		return func(a, b int32) (int32, error) { return a >> (uint32(b) & 31), nil }
	}
	panic("vm: no binary operation for " + op.Name())
}

// registerForm: rd = f(rs1, rs2)
func registerForm(f binaryOp) ExecutorFunc {
	return func(w uint32, ctx *ExecContext) error {
		a, err := ctx.Reg(ctx.ExtractRs1(w))
		if err != nil {
			return err
		}
		b, err := ctx.Reg(ctx.ExtractRs2(w))
		if err != nil {
			return err
		}
		v, err := f(a, b)
		if err != nil {
			return err
		}
		return ctx.SetReg(ctx.ExtractRd(w), v)
	}
}

// immediateForm: rd = f(rs1, imm)
func immediateForm(f binaryOp, imm func(uint32) int32) ExecutorFunc {
	return func(w uint32, ctx *ExecContext) error {
		a, err := ctx.Reg(ctx.ExtractRs1(w))
		if err != nil {
			return err
		}
		v, err := f(a, imm(w))
		if err != nil {
			return err
		}
		return ctx.SetReg(ctx.ExtractRd(w), v)
	}
}

// unaryForm: rd = f(rs1)
func unaryForm(f func(int32) int32) ExecutorFunc {
	return func(w uint32, ctx *ExecContext) error {
		a, err := ctx.Reg(ctx.ExtractRs1(w))
		if err != nil {
			return err
		}
		return ctx.SetReg(ctx.ExtractRd(w), f(a))
	}
}
