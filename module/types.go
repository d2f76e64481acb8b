package module

import (
	"fmt"
	"math"
)

// HeapSpec describes a module's linear memory requirements in bytes.
type HeapSpec struct {
	// MaxSize is the declared maximum heap size, nil when undeclared.
	MaxSize      *uint64
	ReservedSize uint64
	GuardSize    uint64
	InitialSize  uint64
}

func (h HeapSpec) String() string {
	maxSize := "none"
	if h.MaxSize != nil {
		maxSize = fmt.Sprint(*h.MaxSize)
	}
	return fmt.Sprintf("HeapSpec{reserved_size: %d, guard_size: %d, initial_size: %d, max_size: %s}",
		h.ReservedSize, h.GuardSize, h.InitialSize, maxSize)
}

// GlobalKind is the value type of a defined global.
type GlobalKind uint8

const (
	GlobalI32 GlobalKind = iota
	GlobalI64
	GlobalF32
	GlobalF64
)

func (k GlobalKind) String() string {
	switch k {
	case GlobalI32:
		return "i32"
	case GlobalI64:
		return "i64"
	case GlobalF32:
		return "f32"
	case GlobalF64:
		return "f64"
	default:
		return "unknown"
	}
}

// GlobalDef is the initial value of a global defined by the module. Bits
// holds the value as stored in its 64-bit slot.
type GlobalDef struct {
	Kind GlobalKind
	Bits uint64
}

// I32 returns the value as an i32.
func (d GlobalDef) I32() int32 { return int32(uint32(d.Bits)) }

// I64 returns the value as an i64.
func (d GlobalDef) I64() int64 { return int64(d.Bits) }

// F32 returns the value as an f32.
func (d GlobalDef) F32() float32 { return math.Float32frombits(uint32(d.Bits)) }

// F64 returns the value as an f64.
func (d GlobalDef) F64() float64 { return math.Float64frombits(d.Bits) }

// GlobalImport names a global provided by the host.
type GlobalImport struct {
	Module string
	Field  string
}

// Global is either a definition or an import; exactly one field is set.
type Global struct {
	Def    *GlobalDef
	Import *GlobalImport
}

// IsImport reports whether the global is provided by the host.
func (g Global) IsImport() bool {
	return g.Import != nil
}

// GlobalSpec is one module global. Its position in Module.Globals is its
// WebAssembly global index.
type GlobalSpec struct {
	Global      Global
	ExportNames []string
}

// DefinedGlobal returns a spec for a module-defined global.
func DefinedGlobal(kind GlobalKind, bits uint64, exportNames ...string) GlobalSpec {
	return GlobalSpec{
		Global:      Global{Def: &GlobalDef{Kind: kind, Bits: bits}},
		ExportNames: exportNames,
	}
}

// ImportedGlobal returns a spec for a host-provided global.
func ImportedGlobal(module, field string, exportNames ...string) GlobalSpec {
	return GlobalSpec{
		Global:      Global{Import: &GlobalImport{Module: module, Field: field}},
		ExportNames: exportNames,
	}
}

// GlobalSlotSize is the size of the storage slot of every global.
const GlobalSlotSize = 8

// TableElement is an entry of an indirect call table: a type tag checked
// at call time and a function reference.
type TableElement struct {
	Ty uint64
	Rf uint64
}

// FunctionPointer is an opaque handle to a function of a module. It is
// never dereferenced by this package.
type FunctionPointer uintptr

func (p FunctionPointer) String() string {
	return fmt.Sprintf("%#x", uintptr(p))
}

// AddrDetails describes a program address. Empty names could not be
// resolved, which is not an error.
type AddrDetails struct {
	FileName     string
	SymName      string
	InModuleCode bool
}
