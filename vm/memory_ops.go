package vm

import "fmt"

// ---------------------------------------------------------------------------
// Memory, object and I/O executors
// ---------------------------------------------------------------------------

func memoryExecutor(op Opcode) ExecutorFunc {
	switch op {
	case OpLW:
		return func(w uint32, ctx *ExecContext) error {
			addr, err := effectiveAddress(w, ctx)
			if err != nil {
				return err
			}
			v, err := ctx.Memory().ReadMemory(addr)
			if err != nil {
				return err
			}
			return ctx.SetReg(ctx.ExtractRd(w), v)
		}

	case OpSW:
		return func(w uint32, ctx *ExecContext) error {
			addr, err := effectiveAddress(w, ctx)
			if err != nil {
				return err
			}
			v, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			return ctx.Memory().WriteMemory(addr, v)
		}

	case OpLB:
		return func(w uint32, ctx *ExecContext) error {
			addr, err := effectiveAddress(w, ctx)
			if err != nil {
				return err
			}
			b, err := ctx.Memory().ReadHeap(addr, 1)
			if err != nil {
				return err
			}
			return ctx.SetReg(ctx.ExtractRd(w), int32(int8(b[0])))
		}

	case OpSB:
		return func(w uint32, ctx *ExecContext) error {
			addr, err := effectiveAddress(w, ctx)
			if err != nil {
				return err
			}
			v, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			return ctx.Memory().WriteHeap(addr, []byte{byte(v)})
		}

	case OpLDL:
		return func(w uint32, ctx *ExecContext) error {
			v, err := ctx.Frames().LoadLocal(int(ctx.ExtractImm16(w)))
			if err != nil {
				return err
			}
			return ctx.SetReg(ctx.ExtractRd(w), v)
		}

	case OpSTL:
		return func(w uint32, ctx *ExecContext) error {
			v, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			return ctx.Frames().StoreLocal(int(ctx.ExtractImm16(w)), v)
		}

	case OpLDG:
		return func(w uint32, ctx *ExecContext) error {
			v, err := ctx.Memory().ReadGlobal(int(ctx.ExtractImm16(w)))
			if err != nil {
				return err
			}
			return ctx.SetReg(ctx.ExtractRd(w), v)
		}

	case OpSTG:
		return func(w uint32, ctx *ExecContext) error {
			v, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			return ctx.Memory().WriteGlobal(int(ctx.ExtractImm16(w)), v)
		}

	case OpLDC:
		return func(w uint32, ctx *ExecContext) error {
			idx := int(ctx.ExtractImm16(w))
			var pool []int32
			if p := ctx.Program(); p != nil {
				pool = p.Constants
			}
			if idx < 0 || idx >= len(pool) {
				return newFault(KindOutOfBounds, "constant %d outside pool of %d", idx, len(pool))
			}
			return ctx.SetReg(ctx.ExtractRd(w), pool[idx])
		}

	case OpNEW:
		return func(w uint32, ctx *ExecContext) error {
			size, err := ctx.Reg(ctx.ExtractRs1(w))
			if err != nil {
				return err
			}
			return allocateInto(ctx, ctx.ExtractRd(w), int(size))
		}

	case OpNEWI:
		return func(w uint32, ctx *ExecContext) error {
			return allocateInto(ctx, ctx.ExtractRd(w), int(ctx.ExtractImm16(w)))
		}

	case OpRETAIN:
		return func(w uint32, ctx *ExecContext) error {
			id, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			ctx.Heap().IncrementRef(ObjectID(id))
			return nil
		}

	case OpRELEASE:
		return func(w uint32, ctx *ExecContext) error {
			id, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			ctx.Heap().DecrementRef(ObjectID(id))
			return nil
		}

	case OpLDO:
		return func(w uint32, ctx *ExecContext) error {
			id, err := ctx.Reg(ctx.ExtractRs1(w))
			if err != nil {
				return err
			}
			v, err := ctx.Heap().ReadField(ObjectID(id), int(ctx.ExtractImm16(w)))
			if err != nil {
				return err
			}
			return ctx.SetReg(ctx.ExtractRd(w), v)
		}

	case OpSTO:
		return func(w uint32, ctx *ExecContext) error {
			id, err := ctx.Reg(ctx.ExtractRs1(w))
			if err != nil {
				return err
			}
			v, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			return ctx.Heap().WriteField(ObjectID(id), int(ctx.ExtractImm16(w)), v)
		}

	case OpGC:
		return func(_ uint32, ctx *ExecContext) error {
			ctx.Heap().Collect()
			return nil
		}

	case OpOUT:
		return func(w uint32, ctx *ExecContext) error {
			v, err := ctx.Reg(ctx.ExtractRd(w))
			if err != nil {
				return err
			}
			if out := ctx.Output(); out != nil {
				_, err = fmt.Fprintln(out, v)
			}
			return err
		}
	}
	panic("vm: " + op.Name() + " is not a memory opcode")
}

// effectiveAddress computes rs1 + imm16 for the load/store family.
func effectiveAddress(w uint32, ctx *ExecContext) (int, error) {
	base, err := ctx.Reg(ctx.ExtractRs1(w))
	if err != nil {
		return 0, err
	}
	return int(base) + int(ctx.ExtractImm16(w)), nil
}

func allocateInto(ctx *ExecContext, rd int, size int) error {
	if err := checkRegister(rd); err != nil {
		return err
	}
	id, err := ctx.Heap().Allocate(size)
	if err != nil {
		return err
	}
	return ctx.SetReg(rd, int32(id))
}
