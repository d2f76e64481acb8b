// Package wasmsrc builds a module.Module from a core WebAssembly binary.
//
// No native code exists for such a module, so function "pointers" are
// opaque handles derived from function indices (see Handle), the trap
// manifest is empty and addresses cannot be resolved. Everything else is
// read from the binary: the heap spec from memory 0, globals, table 0
// contents and the initial heap image from active data segments.
//
// With Options.Verify set the binary is also compiled by wazero, so a
// module that loads is one a real engine accepts.
package wasmsrc

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/module"
	"github.com/wippyai/wasm-sandbox/trap"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// DefaultRegionSize is the reserved and guard size used when Options
// leaves them zero.
const DefaultRegionSize = 4 * 1024 * 1024 * 1024

// MaxTableElements bounds the initial size of table 0.
const MaxTableElements = 1 << 24

// Options configures Load.
type Options struct {
	// ReservedSize is the heap address space reserved per instance.
	// Zero means DefaultRegionSize.
	ReservedSize uint64

	// GuardSize is the guard region following the reserved space.
	// Zero means DefaultRegionSize.
	GuardSize uint64

	// Verify compiles the binary with wazero before decoding it.
	Verify bool
}

// Handle returns the function pointer standing for function idx. Zero is
// never a valid handle, so table holes stay distinguishable.
func Handle(idx uint32) module.FunctionPointer {
	return module.FunctionPointer(uint64(idx) + 1)
}

// FuncIndex is the inverse of Handle.
func FuncIndex(p module.FunctionPointer) (uint32, bool) {
	if p == 0 || uint64(p) > 1<<32 {
		return 0, false
	}
	return uint32(p - 1), true
}

// Module is a module.Module backed by a decoded wasm binary.
type Module struct {
	heap    *module.HeapSpec
	start   *module.FunctionPointer
	exports map[string]module.FunctionPointer
	globals []module.GlobalSpec
	pages   [][]byte
	table   []module.TableElement
}

var _ module.Module = (*Module)(nil)

// Load decodes bin into a module. Malformed binaries fail with
// KindInvalidData, features the sandbox cannot represent with
// KindUnsupported, and data segments past the initial heap with
// KindIncorrectModule; all in PhaseLoad.
func Load(ctx context.Context, bin []byte, opts Options) (*Module, error) {
	if opts.Verify {
		if err := verify(ctx, bin); err != nil {
			return nil, err
		}
	}

	wm, err := wasm.ParseModule(bin)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "decode wasm binary")
	}

	b := builder{wm: wm, opts: opts}
	m, err := b.build()
	if err != nil {
		return nil, err
	}

	module.Logger().Debug("loaded wasm module",
		zap.Int("size", len(bin)),
		zap.Bool("heap", m.heap != nil),
		zap.Int("globals", len(m.globals)),
		zap.Int("table_elements", len(m.table)),
		zap.Int("sparse_pages", len(m.pages)),
		zap.Int("exports", len(m.exports)))
	return m, nil
}

func verify(ctx context.Context, bin []byte) error {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "compile failed")
	}
	return compiled.Close(ctx)
}

type builder struct {
	wm   *wasm.Module
	opts Options
	heap *module.HeapSpec
}

func (b *builder) build() (*Module, error) {
	m := &Module{exports: make(map[string]module.FunctionPointer)}

	var err error
	if m.heap, err = b.heapSpec(); err != nil {
		return nil, err
	}
	b.heap = m.heap
	if m.globals, err = b.globals(); err != nil {
		return nil, err
	}
	if m.table, err = b.tableElements(); err != nil {
		return nil, err
	}
	if m.pages, err = b.sparsePages(); err != nil {
		return nil, err
	}

	for _, exp := range b.wm.Exports {
		if exp.Kind == wasm.KindFunc {
			m.exports[exp.Name] = Handle(exp.Idx)
		}
	}
	if b.wm.Start != nil {
		start := Handle(*b.wm.Start)
		m.start = &start
	}
	return m, nil
}

func (b *builder) heapSpec() (*module.HeapSpec, error) {
	mem, ok := b.wm.Memory()
	if !ok {
		return nil, nil
	}
	if mem.Limits.Memory64 {
		return nil, errors.Unsupported(errors.PhaseLoad, "64-bit memory")
	}
	if mem.Limits.Shared {
		return nil, errors.Unsupported(errors.PhaseLoad, "shared memory")
	}

	spec := &module.HeapSpec{
		ReservedSize: b.opts.ReservedSize,
		GuardSize:    b.opts.GuardSize,
		InitialSize:  mem.Limits.Min * wasm.PageSize,
	}
	if spec.ReservedSize == 0 {
		spec.ReservedSize = DefaultRegionSize
	}
	if spec.GuardSize == 0 {
		spec.GuardSize = DefaultRegionSize
	}
	if mem.Limits.Max != nil {
		maxSize := *mem.Limits.Max * wasm.PageSize
		spec.MaxSize = &maxSize
	}
	return spec, nil
}

func (b *builder) globals() ([]module.GlobalSpec, error) {
	exportNames := make(map[uint32][]string)
	for _, exp := range b.wm.Exports {
		if exp.Kind == wasm.KindGlobal {
			exportNames[exp.Idx] = append(exportNames[exp.Idx], exp.Name)
		}
	}

	var specs []module.GlobalSpec
	for _, imp := range b.wm.Imports {
		if imp.Desc.Kind != wasm.KindGlobal {
			continue
		}
		idx := uint32(len(specs))
		if _, err := globalKind(imp.Desc.Global.ValType, idx); err != nil {
			return nil, err
		}
		specs = append(specs, module.ImportedGlobal(imp.Module, imp.Name, exportNames[idx]...))
	}

	for _, g := range b.wm.Globals {
		idx := uint32(len(specs))
		kind, err := globalKind(g.Type.ValType, idx)
		if err != nil {
			return nil, err
		}

		var bits uint64
		v, err := wasm.EvalConst(g.Init)
		switch {
		case stderrors.Is(err, wasm.ErrNotConstant):
			// Initialized from an import; the value is only known at
			// instantiation.
		case err != nil:
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Path("globals", fmt.Sprint(idx)).
				Cause(err).
				Detail("invalid initializer").
				Build()
		case v.Type != g.Type.ValType:
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Path("globals", fmt.Sprint(idx)).
				Detail("initializer is %s, global is %s", v.Type, g.Type.ValType).
				Build()
		default:
			bits = v.Bits
		}
		specs = append(specs, module.DefinedGlobal(kind, bits, exportNames[idx]...))
	}
	return specs, nil
}

func globalKind(t wasm.ValType, idx uint32) (module.GlobalKind, error) {
	switch t {
	case wasm.ValI32:
		return module.GlobalI32, nil
	case wasm.ValI64:
		return module.GlobalI64, nil
	case wasm.ValF32:
		return module.GlobalF32, nil
	case wasm.ValF64:
		return module.GlobalF64, nil
	default:
		return 0, errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Path("globals", fmt.Sprint(idx)).
			Value(t).
			Detail("%s globals do not fit a global slot", t).
			Build()
	}
}

// tableElements lays out table 0 as instantiation would leave it.
func (b *builder) tableElements() ([]module.TableElement, error) {
	size, ok := b.table0Size()
	if !ok {
		return nil, nil
	}
	if size > MaxTableElements {
		return nil, errors.New(errors.PhaseLoad, errors.KindLimitsExceeded).
			Path("tables", "0").
			Value(size).
			Detail("table size %d exceeds %d elements", size, MaxTableElements).
			Build()
	}

	type write struct {
		funcs []uint32
		at    uint64
	}
	var writes []write
	for i := range b.wm.Elements {
		elem := &b.wm.Elements[i]
		if !elem.IsActive() || elem.TableIdx != 0 {
			continue
		}
		at, err := b.offset(elem.Offset, "elements", i)
		if err != nil {
			return nil, err
		}
		funcs, err := elem.Funcs()
		if err != nil {
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Path("elements", fmt.Sprint(i)).
				Cause(err).
				Detail("invalid segment").
				Build()
		}
		if end := at + uint64(len(funcs)); end > size {
			return nil, errors.New(errors.PhaseLoad, errors.KindIncorrectModule).
				Path("elements", fmt.Sprint(i)).
				Value(size).
				Detail("segment [%d, %d) exceeds table size %d", at, end, size).
				Build()
		}
		writes = append(writes, write{funcs: funcs, at: at})
	}

	elems := make([]module.TableElement, size)
	for _, w := range writes {
		for j, fn := range w.funcs {
			if fn == wasm.NullFunc {
				elems[w.at+uint64(j)] = module.TableElement{}
				continue
			}
			ty, ok := b.wm.FuncTypeIdx(fn)
			if !ok {
				return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
					Path("elements").
					Value(fn).
					Detail("function %d does not exist", fn).
					Build()
			}
			elems[w.at+uint64(j)] = module.TableElement{Ty: uint64(ty), Rf: uint64(Handle(fn))}
		}
	}
	return elems, nil
}

// table0Size returns the initial size of table 0, which is the first
// imported table if there is one.
func (b *builder) table0Size() (uint64, bool) {
	for i := range b.wm.Imports {
		if t := b.wm.Imports[i].Desc.Table; t != nil {
			return t.Limits.Min, true
		}
	}
	if len(b.wm.Tables) > 0 {
		return b.wm.Tables[0].Limits.Min, true
	}
	return 0, false
}

// sparsePages renders active data segments into host pages. The result
// ends at the last page any segment touches.
func (b *builder) sparsePages() ([][]byte, error) {
	var pages [][]byte
	for i := range b.wm.Data {
		seg := &b.wm.Data[i]
		if !seg.IsActive() {
			continue
		}
		if seg.MemIdx != 0 {
			return nil, errors.Unsupported(errors.PhaseLoad, "data segments for memories other than 0")
		}
		if b.heap == nil {
			return nil, errors.New(errors.PhaseLoad, errors.KindIncorrectModule).
				Path("data", fmt.Sprint(i)).
				Detail("data segment without a memory").
				Build()
		}
		at, err := b.offset(seg.Offset, "data", i)
		if err != nil {
			return nil, err
		}
		end := at + uint64(len(seg.Init))
		if end > b.heap.InitialSize {
			return nil, errors.New(errors.PhaseLoad, errors.KindIncorrectModule).
				Path("data", fmt.Sprint(i)).
				Value(*b.heap).
				Detail("segment [%d, %d) exceeds initial heap size %d", at, end, b.heap.InitialSize).
				Build()
		}
		if len(seg.Init) == 0 {
			continue
		}

		last := int((end - 1) / limits.HostPageSize)
		for len(pages) <= last {
			pages = append(pages, nil)
		}
		data := seg.Init
		for off := at; len(data) > 0; {
			page := int(off / limits.HostPageSize)
			if pages[page] == nil {
				pages[page] = make([]byte, limits.HostPageSize)
			}
			n := copy(pages[page][off%limits.HostPageSize:], data)
			data = data[n:]
			off += uint64(n)
		}
	}
	return pages, nil
}

func (b *builder) offset(expr []byte, section string, idx int) (uint64, error) {
	v, err := wasm.EvalConst(expr)
	if err == nil && v.Type != wasm.ValI32 {
		err = fmt.Errorf("offset is %s, want i32", v.Type)
	}
	if stderrors.Is(err, wasm.ErrNotConstant) {
		return 0, errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Path(section, fmt.Sprint(idx)).
			Detail("segment offset depends on an imported global").
			Build()
	}
	if err != nil {
		return 0, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Path(section, fmt.Sprint(idx)).
			Cause(err).
			Detail("invalid segment offset").
			Build()
	}
	return uint64(uint32(v.Bits)), nil
}

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
	return m.table, nil
}

// ExportNames returns the names of the exported functions, sorted.
func (m *Module) ExportNames() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Module) ExportFunc(name string) (module.FunctionPointer, error) {
	fn, ok := m.exports[name]
	if !ok {
		return 0, errors.SymbolNotFound(name)
	}
	return fn, nil
}

func (m *Module) FuncFromIdx(tableID, funcID uint32) (module.FunctionPointer, error) {
	return module.FuncFromTable(m.table, tableID, funcID)
}

func (m *Module) StartFunc() (module.FunctionPointer, bool, error) {
	if m.start == nil {
		return 0, false, nil
	}
	return *m.start, true, nil
}

// TrapManifest is always empty: there is no native code to fault in.
func (m *Module) TrapManifest() trap.Manifest {
	return nil
}

func (m *Module) AddrDetails(uintptr) (*module.AddrDetails, error) {
	return nil, nil
}
