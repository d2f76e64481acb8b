// Package wasmtest assembles small WebAssembly binaries for tests.
//
// Only what module sources consume is supported: function types with
// numeric parameters, empty-bodied functions, one table, one memory,
// numeric globals, exports, a start function, and active or passive
// segments.
package wasmtest

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Value types.
const (
	I32 byte = 0x7F
	I64 byte = 0x7E
	F32 byte = 0x7D
	F64 byte = 0x7C

	FuncRef byte = 0x70
)

const (
	kindFunc   byte = 0
	kindTable  byte = 1
	kindMemory byte = 2
	kindGlobal byte = 3
)

// Builder collects module definitions and encodes them in canonical
// section order.
type Builder struct {
	types    [][]byte
	imports  [][]byte
	funcs    []uint32
	tables   [][]byte
	memories [][]byte
	globals  [][]byte
	exports  [][]byte
	start    *uint32
	elems    [][]byte
	code     [][]byte
	data     [][]byte

	importedFuncs uint32
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Type adds a function type and returns its index.
func (b *Builder) Type(params, results []byte) uint32 {
	w := &writer{}
	w.byte(0x60)
	w.u32(uint32(len(params)))
	w.bytes(params)
	w.u32(uint32(len(results)))
	w.bytes(results)
	b.types = append(b.types, w.buf.Bytes())
	return uint32(len(b.types) - 1)
}

// ImportFunc imports a function. Imports must be added before any Func.
func (b *Builder) ImportFunc(module, name string, typeIdx uint32) uint32 {
	w := importHeader(module, name, kindFunc)
	w.u32(typeIdx)
	b.imports = append(b.imports, w.buf.Bytes())
	b.importedFuncs++
	return b.importedFuncs - 1
}

// ImportMemory imports a memory. max < 0 means no maximum.
func (b *Builder) ImportMemory(module, name string, min uint32, max int64) *Builder {
	w := importHeader(module, name, kindMemory)
	w.limits(min, max)
	b.imports = append(b.imports, w.buf.Bytes())
	return b
}

// ImportGlobal imports an immutable global of type t.
func (b *Builder) ImportGlobal(module, name string, t byte) *Builder {
	w := importHeader(module, name, kindGlobal)
	w.byte(t)
	w.byte(0)
	b.imports = append(b.imports, w.buf.Bytes())
	return b
}

// Func adds a function with an empty body, which is valid for types
// without results, and returns its index in the function index space.
func (b *Builder) Func(typeIdx uint32) uint32 {
	return b.FuncBody(typeIdx, nil)
}

// FuncBody adds a function whose body is code, without locals or the
// trailing end opcode.
func (b *Builder) FuncBody(typeIdx uint32, code []byte) uint32 {
	b.funcs = append(b.funcs, typeIdx)
	body := &writer{}
	body.u32(0)
	body.bytes(code)
	body.byte(0x0B)
	w := &writer{}
	w.u32(uint32(body.buf.Len()))
	w.bytes(body.buf.Bytes())
	b.code = append(b.code, w.buf.Bytes())
	return b.importedFuncs + uint32(len(b.funcs)-1)
}

// Table adds a funcref table. max < 0 means no maximum.
func (b *Builder) Table(min uint32, max int64) *Builder {
	w := &writer{}
	w.byte(FuncRef)
	w.limits(min, max)
	b.tables = append(b.tables, w.buf.Bytes())
	return b
}

// Memory adds a memory with limits in wasm pages. max < 0 means no
// maximum.
func (b *Builder) Memory(min uint32, max int64) *Builder {
	w := &writer{}
	w.limits(min, max)
	b.memories = append(b.memories, w.buf.Bytes())
	return b
}

// Global adds a global of type t initialized by init, a constant
// expression including its end opcode.
func (b *Builder) Global(t byte, mutable bool, init []byte) *Builder {
	w := &writer{}
	w.byte(t)
	if mutable {
		w.byte(1)
	} else {
		w.byte(0)
	}
	w.bytes(init)
	b.globals = append(b.globals, w.buf.Bytes())
	return b
}

// ExportFunc exports function idx.
func (b *Builder) ExportFunc(name string, idx uint32) *Builder {
	return b.export(name, kindFunc, idx)
}

// ExportGlobal exports global idx.
func (b *Builder) ExportGlobal(name string, idx uint32) *Builder {
	return b.export(name, kindGlobal, idx)
}

// ExportMemory exports memory idx.
func (b *Builder) ExportMemory(name string, idx uint32) *Builder {
	return b.export(name, kindMemory, idx)
}

func (b *Builder) export(name string, kind byte, idx uint32) *Builder {
	w := &writer{}
	w.name(name)
	w.byte(kind)
	w.u32(idx)
	b.exports = append(b.exports, w.buf.Bytes())
	return b
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.start = &idx
	return b
}

// Elem adds an active element segment for table 0.
func (b *Builder) Elem(offset []byte, funcs ...uint32) *Builder {
	w := &writer{}
	w.u32(0)
	w.bytes(offset)
	w.u32(uint32(len(funcs)))
	for _, f := range funcs {
		w.u32(f)
	}
	b.elems = append(b.elems, w.buf.Bytes())
	return b
}

// PassiveElem adds a passive element segment.
func (b *Builder) PassiveElem(funcs ...uint32) *Builder {
	w := &writer{}
	w.u32(1)
	w.byte(0)
	w.u32(uint32(len(funcs)))
	for _, f := range funcs {
		w.u32(f)
	}
	b.elems = append(b.elems, w.buf.Bytes())
	return b
}

// Data adds an active data segment for memory 0.
func (b *Builder) Data(offset []byte, init []byte) *Builder {
	w := &writer{}
	w.u32(0)
	w.bytes(offset)
	w.u32(uint32(len(init)))
	w.bytes(init)
	b.data = append(b.data, w.buf.Bytes())
	return b
}

// PassiveData adds a passive data segment.
func (b *Builder) PassiveData(init []byte) *Builder {
	w := &writer{}
	w.u32(1)
	w.u32(uint32(len(init)))
	w.bytes(init)
	b.data = append(b.data, w.buf.Bytes())
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	w := &writer{}
	w.u32le(0x6D736100)
	w.u32le(1)

	w.vecSection(1, b.types)
	w.vecSection(2, b.imports)
	if len(b.funcs) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(b.funcs)))
		for _, t := range b.funcs {
			sec.u32(t)
		}
		w.section(3, sec.buf.Bytes())
	}
	w.vecSection(4, b.tables)
	w.vecSection(5, b.memories)
	w.vecSection(6, b.globals)
	w.vecSection(7, b.exports)
	if b.start != nil {
		sec := &writer{}
		sec.u32(*b.start)
		w.section(8, sec.buf.Bytes())
	}
	w.vecSection(9, b.elems)
	w.vecSection(10, b.code)
	w.vecSection(11, b.data)
	return w.buf.Bytes()
}

// Section encodes a raw section with the given ID.
func Section(id byte, payload []byte) []byte {
	w := &writer{}
	w.section(id, payload)
	return w.buf.Bytes()
}

// Header returns the module magic and version.
func Header() []byte {
	w := &writer{}
	w.u32le(0x6D736100)
	w.u32le(1)
	return w.buf.Bytes()
}

// I32Const returns the constant expression i32.const v.
func I32Const(v int32) []byte {
	w := &writer{}
	w.byte(0x41)
	w.s64(int64(v))
	w.byte(0x0B)
	return w.buf.Bytes()
}

// I64Const returns the constant expression i64.const v.
func I64Const(v int64) []byte {
	w := &writer{}
	w.byte(0x42)
	w.s64(v)
	w.byte(0x0B)
	return w.buf.Bytes()
}

// F32Const returns the constant expression f32.const v.
func F32Const(v float32) []byte {
	w := &writer{}
	w.byte(0x43)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	w.bytes(buf[:])
	w.byte(0x0B)
	return w.buf.Bytes()
}

// F64Const returns the constant expression f64.const v.
func F64Const(v float64) []byte {
	w := &writer{}
	w.byte(0x44)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	w.bytes(buf[:])
	w.byte(0x0B)
	return w.buf.Bytes()
}

// GlobalGet returns the constant expression global.get idx.
func GlobalGet(idx uint32) []byte {
	w := &writer{}
	w.byte(0x23)
	w.u32(idx)
	w.byte(0x0B)
	return w.buf.Bytes()
}

// U32 returns the unsigned LEB128 encoding of v.
func U32(v uint32) []byte {
	w := &writer{}
	w.u32(v)
	return w.buf.Bytes()
}

func importHeader(module, name string, kind byte) *writer {
	w := &writer{}
	w.name(module)
	w.name(name)
	w.byte(kind)
	return w
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) byte(b byte) {
	w.buf.WriteByte(b)
}

func (w *writer) bytes(b []byte) {
	w.buf.Write(b)
}

func (w *writer) u32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

func (w *writer) s64(v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && (b&0x40) == 0) || (v == -1 && (b&0x40) != 0) {
			more = false
		} else {
			b |= 0x80
		}
		w.buf.WriteByte(b)
	}
}

func (w *writer) u32le(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.buf.Write(buf[:])
}

func (w *writer) name(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) limits(min uint32, max int64) {
	if max < 0 {
		w.byte(0x00)
		w.u32(min)
		return
	}
	w.byte(0x01)
	w.u32(min)
	w.u32(uint32(max))
}

func (w *writer) section(id byte, payload []byte) {
	w.byte(id)
	w.u32(uint32(len(payload)))
	w.bytes(payload)
}

func (w *writer) vecSection(id byte, items [][]byte) {
	if len(items) == 0 {
		return
	}
	sec := &writer{}
	sec.u32(uint32(len(items)))
	for _, item := range items {
		sec.bytes(item)
	}
	w.section(id, sec.buf.Bytes())
}
