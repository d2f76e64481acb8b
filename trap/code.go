package trap

import "strconv"

// Code classifies a fault raised by compiled module code. The values are
// assigned by the compiler that produced the trap manifest and are passed
// through unchanged.
type Code uint32

const (
	StackOverflow Code = iota
	HeapOutOfBounds
	OutOfBounds
	IndirectCallToNull
	BadSignature
	IntegerOverflow
	IntegerDivByZero
	BadConversionToInteger
	Interrupt
	TableOutOfBounds
	Unreachable

	NumCodes
)

func (c Code) String() string {
	switch c {
	case StackOverflow:
		return "stack overflow"

	case HeapOutOfBounds:
		return "heap out of bounds"

	case OutOfBounds:
		return "out of bounds"

	case IndirectCallToNull:
		return "indirect call to null"

	case BadSignature:
		return "indirect call signature mismatch"

	case IntegerOverflow:
		return "integer overflow"

	case IntegerDivByZero:
		return "integer divide by zero"

	case BadConversionToInteger:
		return "bad conversion to integer"

	case Interrupt:
		return "interrupt"

	case TableOutOfBounds:
		return "table out of bounds"

	case Unreachable:
		return "unreachable"

	default:
		return "unknown trap code " + strconv.FormatUint(uint64(c), 10)
	}
}

// Known reports whether c is one of the codes defined by this package.
func (c Code) Known() bool {
	return c < NumCodes
}

func (c Code) Error() string {
	return "trap: " + c.String()
}
