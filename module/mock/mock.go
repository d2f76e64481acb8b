// Package mock builds module descriptors in memory. It is meant for tests
// of code that consumes module.Module without compiling a real module.
package mock

import (
	"fmt"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/module"
	"github.com/wippyai/wasm-sandbox/trap"
)

// DefaultHeapSpec is the heap spec of a builder that never calls WithHeap:
// 4 GiB reserved, 4 GiB guard and one wasm page of initial memory.
func DefaultHeapSpec() module.HeapSpec {
	return module.HeapSpec{
		ReservedSize: 4 * 1024 * 1024 * 1024,
		GuardSize:    4 * 1024 * 1024 * 1024,
		InitialSize:  limits.WasmPageSize,
	}
}

// Builder assembles a Module. The zero value is not usable; call NewBuilder.
type Builder struct {
	heap        *module.HeapSpec
	globals     []module.GlobalSpec
	pages       [][]byte
	table       []module.TableElement
	exports     map[string]module.FunctionPointer
	start       *module.FunctionPointer
	manifest    trap.Manifest
	tableBroken error
}

// NewBuilder returns a builder for a module with the default heap spec and
// nothing else.
func NewBuilder() *Builder {
	heap := DefaultHeapSpec()
	return &Builder{
		heap:    &heap,
		exports: make(map[string]module.FunctionPointer),
	}
}

// WithHeap sets the heap spec.
func (b *Builder) WithHeap(spec module.HeapSpec) *Builder {
	b.heap = &spec
	return b
}

// WithoutHeap builds a module that never accesses linear memory.
func (b *Builder) WithoutHeap() *Builder {
	b.heap = nil
	return b
}

// WithInitialHeap sets the initial heap contents, split into sparse host
// pages. All-zero pages are left out.
func (b *Builder) WithInitialHeap(data []byte) *Builder {
	b.pages = nil
	for off := 0; off < len(data); off += limits.HostPageSize {
		page := make([]byte, limits.HostPageSize)
		copy(page, data[off:])
		if isZero(page) {
			page = nil
		}
		b.pages = append(b.pages, page)
	}
	return b
}

// WithSparsePageData sets the sparse pages directly. A nil page is all zero.
func (b *Builder) WithSparsePageData(pages [][]byte) *Builder {
	b.pages = pages
	return b
}

// WithGlobals sets the globals in index order.
func (b *Builder) WithGlobals(globals ...module.GlobalSpec) *Builder {
	b.globals = globals
	return b
}

// WithGlobal sets the global at idx, growing the globals with zeroed i64
// definitions as needed.
func (b *Builder) WithGlobal(idx int, spec module.GlobalSpec) *Builder {
	for len(b.globals) <= idx {
		b.globals = append(b.globals, module.DefinedGlobal(module.GlobalI64, 0))
	}
	b.globals[idx] = spec
	return b
}

// WithTableElements sets the elements of table 0.
func (b *Builder) WithTableElements(elems ...module.TableElement) *Builder {
	b.table = elems
	return b
}

// WithTableFunc appends a function to table 0 with the given type tag.
func (b *Builder) WithTableFunc(ty uint64, fn module.FunctionPointer) *Builder {
	b.table = append(b.table, module.TableElement{Ty: ty, Rf: uint64(fn)})
	return b
}

// WithUnreadableTable makes TableElements fail with err, simulating corrupt
// module storage.
func (b *Builder) WithUnreadableTable(err error) *Builder {
	b.tableBroken = err
	return b
}

// WithExportFunc registers an exported function.
func (b *Builder) WithExportFunc(name string, fn module.FunctionPointer) *Builder {
	b.exports[name] = fn
	return b
}

// WithStartFunc sets the start function.
func (b *Builder) WithStartFunc(fn module.FunctionPointer) *Builder {
	b.start = &fn
	return b
}

// WithTrapManifest sets the trap manifest.
func (b *Builder) WithTrapManifest(records ...trap.Record) *Builder {
	b.manifest = records
	return b
}

// Build returns the module. It fails when the trap manifest violates its
// invariants or a sparse page is not exactly one host page.
func (b *Builder) Build() (*Module, error) {
	manifest := cloneManifest(b.manifest)
	if err := manifest.Check(); err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Path("trap_manifest").
			Cause(err).
			Detail("invalid trap manifest").
			Build()
	}
	for i, page := range b.pages {
		if page != nil && len(page) != limits.HostPageSize {
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Path("sparse_page_data", fmt.Sprint(i)).
				Value(len(page)).
				Detail("page is %d bytes, want %d", len(page), limits.HostPageSize).
				Build()
		}
	}

	m := &Module{
		globals:     append([]module.GlobalSpec(nil), b.globals...),
		pages:       append([][]byte(nil), b.pages...),
		table:       append([]module.TableElement(nil), b.table...),
		exports:     make(map[string]module.FunctionPointer, len(b.exports)),
		manifest:    manifest,
		tableBroken: b.tableBroken,
	}
	if b.heap != nil {
		heap := *b.heap
		m.heap = &heap
	}
	for name, fn := range b.exports {
		m.exports[name] = fn
	}
	if b.start != nil {
		start := *b.start
		m.start = &start
	}
	return m, nil
}

func cloneManifest(src trap.Manifest) trap.Manifest {
	if src == nil {
		return nil
	}
	dst := make(trap.Manifest, len(src))
	for i, rec := range src {
		rec.Sites = append([]trap.Site(nil), rec.Sites...)
		dst[i] = rec
	}
	return dst
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Module is an in-memory module.Module.
type Module struct {
	heap        *module.HeapSpec
	start       *module.FunctionPointer
	exports     map[string]module.FunctionPointer
	tableBroken error
	globals     []module.GlobalSpec
	pages       [][]byte
	table       []module.TableElement
	manifest    trap.Manifest
}

var _ module.Module = (*Module)(nil)

func (m *Module) HeapSpec() *module.HeapSpec {
	return m.heap
}

func (m *Module) Globals() []module.GlobalSpec {
	return m.globals
}

func (m *Module) SparsePageData(page int) []byte {
	if page < 0 || page >= len(m.pages) {
		return nil
	}
	return m.pages[page]
}

func (m *Module) SparsePageDataLen() int {
	return len(m.pages)
}

func (m *Module) TableElements() ([]module.TableElement, error) {
	if m.tableBroken != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, m.tableBroken, "read table elements")
	}
	return m.table, nil
}

func (m *Module) ExportFunc(name string) (module.FunctionPointer, error) {
	fn, ok := m.exports[name]
	if !ok {
		return 0, errors.SymbolNotFound(name)
	}
	return fn, nil
}

func (m *Module) FuncFromIdx(tableID, funcID uint32) (module.FunctionPointer, error) {
	table, err := m.TableElements()
	if err != nil {
		return 0, err
	}
	return module.FuncFromTable(table, tableID, funcID)
}

func (m *Module) StartFunc() (module.FunctionPointer, bool, error) {
	if m.start == nil {
		return 0, false, nil
	}
	return *m.start, true, nil
}

func (m *Module) TrapManifest() trap.Manifest {
	return m.manifest
}

// AddrDetails always returns nil: an in-memory module has no symbol table.
func (m *Module) AddrDetails(uintptr) (*module.AddrDetails, error) {
	return nil, nil
}
