package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

// ErrNotConstant is returned by EvalConst for expressions whose value
// depends on a global.
var ErrNotConstant = errors.New("expression depends on a global")

// ConstValue is the result of a constant expression, as the raw bits of
// its value.
type ConstValue struct {
	Bits uint64
	Type ValType
}

// EvalConst evaluates a constant expression as produced by the decoder.
// Extended-const arithmetic on i32 and i64 is supported. Reference
// expressions evaluate to zero bits; v128.const is not supported.
func EvalConst(expr []byte) (ConstValue, error) {
	r := binary.NewReader(expr)
	var stack []ConstValue

	pop2 := func(op byte, t ValType) (a, b uint64, err error) {
		if len(stack) < 2 {
			return 0, 0, fmt.Errorf("opcode 0x%02x: stack underflow", op)
		}
		x, y := stack[len(stack)-2], stack[len(stack)-1]
		if x.Type != t || y.Type != t {
			return 0, 0, fmt.Errorf("opcode 0x%02x: operands are %s and %s, want %s", op, x.Type, y.Type, t)
		}
		stack = stack[:len(stack)-2]
		return x.Bits, y.Bits, nil
	}

	for {
		op, err := r.ReadByte()
		if err != nil {
			return ConstValue{}, fmt.Errorf("unterminated constant expression: %w", err)
		}

		switch op {
		case OpEnd:
			if len(stack) != 1 {
				return ConstValue{}, fmt.Errorf("constant expression leaves %d values", len(stack))
			}
			if r.Len() != 0 {
				return ConstValue{}, fmt.Errorf("%d bytes after end of constant expression", r.Len())
			}
			return stack[0], nil
		case OpI32Const:
			v, err := r.ReadS32()
			if err != nil {
				return ConstValue{}, err
			}
			stack = append(stack, ConstValue{Bits: uint64(uint32(v)), Type: ValI32})
		case OpI64Const:
			v, err := r.ReadS64()
			if err != nil {
				return ConstValue{}, err
			}
			stack = append(stack, ConstValue{Bits: uint64(v), Type: ValI64})
		case OpF32Const:
			v, err := r.ReadU32LE()
			if err != nil {
				return ConstValue{}, err
			}
			stack = append(stack, ConstValue{Bits: uint64(v), Type: ValF32})
		case OpF64Const:
			v, err := r.ReadU64LE()
			if err != nil {
				return ConstValue{}, err
			}
			stack = append(stack, ConstValue{Bits: v, Type: ValF64})
		case OpRefNull:
			t, err := r.ReadS64()
			if err != nil {
				return ConstValue{}, err
			}
			typ := ValFuncRef
			if ValType(byte(t&0x7f)) == ValExternRef {
				typ = ValExternRef
			}
			stack = append(stack, ConstValue{Type: typ})
		case OpRefFunc:
			if _, err := r.ReadU32(); err != nil {
				return ConstValue{}, err
			}
			stack = append(stack, ConstValue{Type: ValFuncRef})
		case OpGlobalGet:
			return ConstValue{}, ErrNotConstant
		case OpI32Add, OpI32Sub, OpI32Mul:
			a, b, err := pop2(op, ValI32)
			if err != nil {
				return ConstValue{}, err
			}
			x, y := uint32(a), uint32(b)
			var v uint32
			switch op {
			case OpI32Add:
				v = x + y
			case OpI32Sub:
				v = x - y
			default:
				v = x * y
			}
			stack = append(stack, ConstValue{Bits: uint64(v), Type: ValI32})
		case OpI64Add, OpI64Sub, OpI64Mul:
			a, b, err := pop2(op, ValI64)
			if err != nil {
				return ConstValue{}, err
			}
			var v uint64
			switch op {
			case OpI64Add:
				v = a + b
			case OpI64Sub:
				v = a - b
			default:
				v = a * b
			}
			stack = append(stack, ConstValue{Bits: v, Type: ValI64})
		default:
			return ConstValue{}, fmt.Errorf("opcode 0x%02x not supported in constant expression", op)
		}
	}
}

// NullFunc marks a null entry in the result of Element.Funcs.
const NullFunc = ^uint32(0)

// Funcs returns the function indices the segment holds, with NullFunc for
// ref.null entries.
func (e *Element) Funcs() ([]uint32, error) {
	if e.Exprs == nil {
		return e.FuncIdxs, nil
	}
	funcs := make([]uint32, 0, len(e.Exprs))
	for i, expr := range e.Exprs {
		idx, err := refFuncIdx(expr)
		if err != nil {
			return nil, fmt.Errorf("element expression %d: %w", i, err)
		}
		funcs = append(funcs, idx)
	}
	return funcs, nil
}

func refFuncIdx(expr []byte) (uint32, error) {
	r := binary.NewReader(expr)
	op, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	idx := NullFunc
	switch op {
	case OpRefFunc:
		idx, err = r.ReadU32()
	case OpRefNull:
		_, err = r.ReadS64()
	case OpGlobalGet:
		return 0, ErrNotConstant
	default:
		return 0, fmt.Errorf("opcode 0x%02x is not a function reference", op)
	}
	if err != nil {
		return 0, err
	}
	if end, err := r.ReadByte(); err != nil || end != OpEnd || r.Len() != 0 {
		return 0, errors.New("malformed function reference expression")
	}
	return idx, nil
}
