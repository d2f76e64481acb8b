package wasm

// Module is the declarative part of a WebAssembly module. Function bodies
// and type definitions are skipped; only their counts are kept.
type Module struct {
	Imports  []Import
	Funcs    []uint32 // Type indices for declared functions
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Data     []DataSegment

	NumTypes     uint32
	NumCodeFuncs uint32
}

// Import describes one import.
type Import struct {
	Module string
	Name   string
	Desc   ImportDesc
}

// ImportDesc holds the kind-specific part of an import. Exactly one field
// matching Kind is set.
type ImportDesc struct {
	Kind    byte
	TypeIdx uint32
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
}

// Limits are the size bounds of a table or memory.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// TableType describes a table.
type TableType struct {
	Limits   Limits
	ElemType byte
}

// MemoryType describes a linear memory; limits are in wasm pages.
type MemoryType struct {
	Limits Limits
}

// GlobalType describes a global.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a global defined by the module.
type Global struct {
	Init []byte
	Type GlobalType
}

// Export describes one export.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Element is an element segment. Active segments carry a table index and
// an offset expression.
type Element struct {
	Offset   []byte
	FuncIdxs []uint32
	Exprs    [][]byte
	Flags    uint32
	TableIdx uint32
	ElemKind byte
	Type     ValType
}

// IsActive reports whether the segment initializes a table at
// instantiation.
func (e *Element) IsActive() bool {
	return e.Flags&0x01 == 0
}

// DataSegment is a data segment. Active segments carry a memory index and
// an offset expression.
type DataSegment struct {
	Offset []byte
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// IsActive reports whether the segment initializes memory at
// instantiation.
func (d *DataSegment) IsActive() bool {
	return d.Flags != 1
}

// FuncTypeIdx returns the type index of function funcIdx in the function
// index space.
func (m *Module) FuncTypeIdx(funcIdx uint32) (uint32, bool) {
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if funcIdx == 0 {
			return imp.Desc.TypeIdx, true
		}
		funcIdx--
	}
	if uint64(funcIdx) < uint64(len(m.Funcs)) {
		return m.Funcs[funcIdx], true
	}
	return 0, false
}

// Memory returns memory 0, imported or defined.
func (m *Module) Memory() (*MemoryType, bool) {
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind == KindMemory {
			return m.Imports[i].Desc.Memory, true
		}
	}
	if len(m.Memories) > 0 {
		return &m.Memories[0], true
	}
	return nil, false
}
