package vm

// ---------------------------------------------------------------------------
// Control-flow executors: jumps, branches, calls, returns, halt
// ---------------------------------------------------------------------------

func controlExecutor(op Opcode) ExecutorFunc {
	switch op {
	case OpNOP:
		return func(uint32, *ExecContext) error { return nil }

	case OpHALT:
		return func(_ uint32, ctx *ExecContext) error {
			ctx.Halt()
			return nil
		}

	case OpJMP:
		return func(w uint32, ctx *ExecContext) error {
			return ctx.SetJumpTarget(int(ctx.ExtractImm26(w)))
		}

	case OpJR:
		return func(w uint32, ctx *ExecContext) error {
			target, err := ctx.Reg(ctx.ExtractRs1(w))
			if err != nil {
				return err
			}
			return ctx.SetJumpTarget(int(target))
		}

	case OpCALL:
		return func(w uint32, ctx *ExecContext) error {
			return call(ctx, int(ctx.ExtractImm26(w)))
		}

	case OpCALLR:
		return func(w uint32, ctx *ExecContext) error {
			target, err := ctx.Reg(ctx.ExtractRs1(w))
			if err != nil {
				return err
			}
			return call(ctx, int(target))
		}

	case OpRET:
		return ret

	case OpBEQ, OpBNE, OpBLT, OpBGE:
		return compareBranch(op)

	case OpBZ, OpBNZ:
		return func(w uint32, ctx *ExecContext) error {
			v, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			if (v == 0) == (op == OpBZ) {
				return ctx.SetJumpTarget(ctx.PC() + int(ctx.ExtractImm16(w)))
			}
			return nil
		}
	}
	panic("vm: " + op.Name() + " is not a control opcode")
}

func compareBranch(op Opcode) ExecutorFunc {
	return func(w uint32, ctx *ExecContext) error {
		a, err := ctx.Reg(ctx.ExtractRd(w))
		if err != nil {
			return err
		}
		b, err := ctx.Reg(ctx.ExtractRs1(w))
		if err != nil {
			return err
		}
		var taken bool
		switch op {
		case OpBEQ:
			taken = a == b
		case OpBNE:
			taken = a != b
		case OpBLT:
			taken = a < b
		case OpBGE:
			taken = a >= b
		}
		if taken {
			return ctx.SetJumpTarget(ctx.PC() + int(ctx.ExtractImm16(w)))
		}
		return nil
	}
}

// call validates target, pushes a frame for the function entered there and
// transfers control. Arguments are copied from r1..rN.
func call(ctx *ExecContext, target int) error {
	if err := ctx.SetJumpTarget(target); err != nil {
		return err
	}

	var fn *Function
	if p := ctx.Program(); p != nil {
		fn = p.FunctionAt(target)
	}

	regs := ctx.Registers()
	var args []int32
	if fn != nil && fn.Args > 0 {
		args = make([]int32, fn.Args)
		for i := range args {
			args[i], _ = regs.Read(i + 1)
		}
	}

	returnAddress := ctx.PC() + WordSize
	frame, err := ctx.Frames().Call(fn, returnAddress, args)
	if err != nil {
		return err
	}
	regs.SetLR(int32(returnAddress))
	syncFrameRegisters(ctx)
	ctx.vm.recordCall(fn, frame)
	return nil
}

// ret pops the current frame. Returning from the root frame halts.
func ret(_ uint32, ctx *ExecContext) error {
	frame, err := ctx.Frames().Return()
	if err != nil {
		return err
	}
	syncFrameRegisters(ctx)
	if frame.ReturnAddress < 0 {
		ctx.Halt()
		return nil
	}
	return ctx.SetJumpTarget(frame.ReturnAddress)
}

// syncFrameRegisters points fp and sp at the current frame's locals, in bytes.
func syncFrameRegisters(ctx *ExecContext) {
	regs := ctx.Registers()
	fm := ctx.Frames()
	if cur := fm.Current(); cur != nil {
		regs.SetFP(int32(cur.BasePointer * WordSize))
	} else {
		regs.SetFP(0)
	}
	regs.SetSP(int32(fm.StackTop() * WordSize))
}
