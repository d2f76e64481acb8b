// Package dl reads a module.Module from an ELF shared object produced by
// the ahead-of-time compiler.
//
// The object is parsed, not loaded: every descriptor symbol is read and
// relocated once in Open, and addresses are reported as they would be with
// the object mapped at Options.Base. A loader that maps the object itself
// passes its load address there.
//
// The symbols read are:
//
//	lucet_heap_spec           reserved, guard, initial, max, max_valid (u64 each)
//	lucet_globals_spec        u64 count, then per global: flags, bits, module name, field name
//	lucet_trap_manifest       records of func addr, func len, sites addr, sites len (u64 each)
//	lucet_trap_manifest_len   u64 record count
//	guest_table_0             elements of type tag and function pointer (u64 each)
//	guest_table_0_len         u64 length in bytes
//	guest_sparse_page_data    u64 page count, then one pointer per page (0 for empty)
//	guest_start               pointer to the start function
//	guest_func_<name>         exported functions
//
// Any of them may be missing: no heap spec means the module never touches
// linear memory, the others default to empty.
package dl

import (
	"debug/elf"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/module"
	"github.com/wippyai/wasm-sandbox/trap"
)

// Descriptor symbol names.
const (
	SymHeapSpec       = "lucet_heap_spec"
	SymGlobalsSpec    = "lucet_globals_spec"
	SymTrapManifest   = "lucet_trap_manifest"
	SymTrapManifestN  = "lucet_trap_manifest_len"
	SymTable          = "guest_table_0"
	SymTableLen       = "guest_table_0_len"
	SymSparsePageData = "guest_sparse_page_data"
	SymStart          = "guest_start"
	FuncPrefix        = "guest_func_"
)

// Global flag bits in lucet_globals_spec.
const (
	GlobalFlagImport = 1 << 0
	globalKindShift  = 8
)

// Sizes of descriptor records.
const (
	heapSpecSize     = 5 * 8
	globalRecordSize = 4 * 8
	trapRecordSize   = 4 * 8
	trapSiteSize     = 8
	tableElemSize    = 16
)

// Options configures Open.
type Options struct {
	// Base is the address the object is, or will be, mapped at. Pointers
	// in the descriptor are reported relative to it.
	Base uintptr
}

// Module is a module.Module read from a shared object.
type Module struct {
	path   string
	closer io.Closer
	base   uintptr

	heap     *module.HeapSpec
	start    *module.FunctionPointer
	exports  map[string]module.FunctionPointer
	globals  []module.GlobalSpec
	pages    [][]byte
	table    []module.TableElement
	manifest trap.Manifest

	// funcs is sorted by address; code holds executable section ranges.
	funcs []funcSym
	code  []addrRange
}

type funcSym struct {
	name string
	addr uint64
	size uint64
}

type addrRange struct {
	start, end uint64
}

var _ module.Module = (*Module)(nil)

// Open reads the shared object at path.
func Open(path string, opts Options) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Load(fmt.Sprintf("open shared object %s", path), err)
	}
	m, err := newModule(f, path, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.closer = f
	return m, nil
}

// NewModule reads a shared object from r. name is reported as the file
// name in address details.
func NewModule(r io.ReaderAt, name string, opts Options) (*Module, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Load(fmt.Sprintf("parse shared object %s", name), err)
	}
	return newModule(f, name, opts)
}

// Close releases the underlying file. The descriptor stays usable.
func (m *Module) Close() error {
	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}

// Path returns the file name the module was read from.
func (m *Module) Path() string {
	return m.path
}

func newModule(f *elf.File, path string, opts Options) (*Module, error) {
	img, err := newImage(f)
	if err != nil {
		return nil, err
	}

	m := &Module{
		path:    path,
		base:    opts.Base,
		exports: make(map[string]module.FunctionPointer),
	}

	if m.heap, err = readHeapSpec(img); err != nil {
		return nil, err
	}
	if m.globals, err = readGlobals(img); err != nil {
		return nil, err
	}
	if m.manifest, err = m.readTrapManifest(img); err != nil {
		return nil, err
	}
	if m.table, err = m.readTable(img); err != nil {
		return nil, err
	}
	if m.pages, err = readSparsePages(img); err != nil {
		return nil, err
	}
	if err := m.readFunctions(img); err != nil {
		return nil, err
	}

	module.Logger().Debug("opened shared object",
		zap.String("path", path),
		zap.Uintptr("base", opts.Base),
		zap.Bool("heap", m.heap != nil),
		zap.Int("globals", len(m.globals)),
		zap.Int("trap_records", len(m.manifest)),
		zap.Int("table_elements", len(m.table)),
		zap.Int("sparse_pages", len(m.pages)),
		zap.Int("exports", len(m.exports)))
	return m, nil
}

// rebase turns a link-time address into a runtime one. Null stays null.
func (m *Module) rebase(addr uint64) uint64 {
	if addr == 0 {
		return 0
	}
	return addr + uint64(m.base)
}

func readHeapSpec(img *image) (*module.HeapSpec, error) {
	addr, ok := img.symbol(SymHeapSpec)
	if !ok {
		return nil, nil
	}
	w, err := img.words(SymHeapSpec, addr, heapSpecSize/8)
	if err != nil {
		return nil, err
	}
	spec := &module.HeapSpec{
		ReservedSize: w[0],
		GuardSize:    w[1],
		InitialSize:  w[2],
	}
	if w[4] != 0 {
		maxSize := w[3]
		spec.MaxSize = &maxSize
	}
	return spec, nil
}

func readGlobals(img *image) ([]module.GlobalSpec, error) {
	addr, ok := img.symbol(SymGlobalsSpec)
	if !ok {
		return nil, nil
	}
	count, err := img.word(SymGlobalsSpec, addr)
	if err != nil {
		return nil, err
	}
	if count > img.size()/globalRecordSize {
		return nil, errors.InvalidData(errors.PhaseLoad, SymGlobalsSpec,
			fmt.Sprintf("global count %d exceeds the object size", count))
	}

	specs := make([]module.GlobalSpec, 0, count)
	for i := uint64(0); i < count; i++ {
		rec := addr + 8 + i*globalRecordSize
		w, err := img.words(SymGlobalsSpec, rec, 2)
		if err != nil {
			return nil, err
		}
		flags, bits := w[0], w[1]

		modPtr, err := img.pointer(SymGlobalsSpec, rec+16)
		if err != nil {
			return nil, err
		}
		fieldPtr, err := img.pointer(SymGlobalsSpec, rec+24)
		if err != nil {
			return nil, err
		}

		if flags&GlobalFlagImport != 0 {
			modName, err := img.cstring(SymGlobalsSpec, modPtr)
			if err != nil {
				return nil, err
			}
			field, err := img.cstring(SymGlobalsSpec, fieldPtr)
			if err != nil {
				return nil, err
			}
			specs = append(specs, module.ImportedGlobal(modName, field))
			continue
		}

		kind := module.GlobalKind((flags >> globalKindShift) & 0xff)
		if kind > module.GlobalF64 {
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Symbol(SymGlobalsSpec).
				Path("globals", fmt.Sprint(i)).
				Value(flags).
				Detail("unknown global kind %d", kind).
				Build()
		}
		var exportNames []string
		if fieldPtr != 0 {
			name, err := img.cstring(SymGlobalsSpec, fieldPtr)
			if err != nil {
				return nil, err
			}
			exportNames = append(exportNames, name)
		}
		specs = append(specs, module.DefinedGlobal(kind, bits, exportNames...))
	}
	return specs, nil
}

func (m *Module) readTrapManifest(img *image) (trap.Manifest, error) {
	addr, count, ok, err := img.array(SymTrapManifest, SymTrapManifestN)
	if err != nil || !ok {
		return nil, err
	}
	if count > img.size()/trapRecordSize {
		return nil, errors.InvalidData(errors.PhaseLoad, SymTrapManifest,
			fmt.Sprintf("record count %d exceeds the object size", count))
	}

	manifest := make(trap.Manifest, 0, count)
	for i := uint64(0); i < count; i++ {
		rec := addr + i*trapRecordSize
		funcAddr, err := img.pointer(SymTrapManifest, rec)
		if err != nil {
			return nil, err
		}
		funcLen, err := img.word(SymTrapManifest, rec+8)
		if err != nil {
			return nil, err
		}
		sitesAddr, err := img.pointer(SymTrapManifest, rec+16)
		if err != nil {
			return nil, err
		}
		sitesLen, err := img.word(SymTrapManifest, rec+24)
		if err != nil {
			return nil, err
		}

		var sites []trap.Site
		if sitesLen > 0 {
			if sitesLen > img.size()/trapSiteSize {
				return nil, errors.InvalidData(errors.PhaseLoad, SymTrapManifest,
					fmt.Sprintf("record %d: site count %d exceeds the object size", i, sitesLen))
			}
			raw, err := img.read(SymTrapManifest, sitesAddr, sitesLen*trapSiteSize)
			if err != nil {
				return nil, err
			}
			sites = make([]trap.Site, sitesLen)
			for j := range sites {
				sites[j] = trap.Site{
					Offset: img.order.Uint32(raw[j*trapSiteSize:]),
					Code:   trap.Code(img.order.Uint32(raw[j*trapSiteSize+4:])),
				}
			}
		}

		manifest = append(manifest, trap.Record{
			FuncAddr: uintptr(m.rebase(funcAddr)),
			FuncLen:  uintptr(funcLen),
			Sites:    sites,
		})
	}

	if err := manifest.Check(); err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Symbol(SymTrapManifest).
			Cause(err).
			Detail("invalid trap manifest").
			Build()
	}
	return manifest, nil
}

func (m *Module) readTable(img *image) ([]module.TableElement, error) {
	addr, size, ok, err := img.array(SymTable, SymTableLen)
	if err != nil || !ok {
		return nil, err
	}
	if size%tableElemSize != 0 {
		return nil, errors.InvalidData(errors.PhaseLoad, SymTableLen,
			fmt.Sprintf("table length %d is not a multiple of %d", size, tableElemSize))
	}
	if size > img.size() {
		return nil, errors.InvalidData(errors.PhaseLoad, SymTableLen,
			fmt.Sprintf("table length %d exceeds the object size", size))
	}

	elems := make([]module.TableElement, size/tableElemSize)
	for i := range elems {
		at := addr + uint64(i)*tableElemSize
		ty, err := img.word(SymTable, at)
		if err != nil {
			return nil, err
		}
		rf, err := img.pointer(SymTable, at+8)
		if err != nil {
			return nil, err
		}
		elems[i] = module.TableElement{Ty: ty, Rf: m.rebase(rf)}
	}
	return elems, nil
}

func readSparsePages(img *image) ([][]byte, error) {
	addr, ok := img.symbol(SymSparsePageData)
	if !ok {
		return nil, nil
	}
	count, err := img.word(SymSparsePageData, addr)
	if err != nil {
		return nil, err
	}
	if count > img.size()/8 {
		return nil, errors.InvalidData(errors.PhaseLoad, SymSparsePageData,
			fmt.Sprintf("page count %d exceeds the object size", count))
	}

	pages := make([][]byte, count)
	for i := range pages {
		ptr, err := img.pointer(SymSparsePageData, addr+8+uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			continue
		}
		data, err := img.read(SymSparsePageData, ptr, limits.HostPageSize)
		if err != nil {
			return nil, err
		}
		pages[i] = append([]byte(nil), data...)
	}
	return pages, nil
}

func (m *Module) readFunctions(img *image) error {
	for _, s := range img.syms {
		if strings.HasPrefix(s.Name, FuncPrefix) && s.Section != elf.SHN_UNDEF {
			name := strings.TrimPrefix(s.Name, FuncPrefix)
			m.exports[name] = module.FunctionPointer(m.rebase(s.Value))
		}
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Section != elf.SHN_UNDEF {
			m.funcs = append(m.funcs, funcSym{name: s.Name, addr: s.Value, size: s.Size})
		}
	}
	// Among aliases the widest symbol sorts last.
	sort.Slice(m.funcs, func(i, j int) bool {
		a, b := m.funcs[i], m.funcs[j]
		if a.addr != b.addr {
			return a.addr < b.addr
		}
		return a.size < b.size
	})

	for _, sec := range img.f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR != 0 && sec.Flags&elf.SHF_ALLOC != 0 && sec.Size > 0 {
			m.code = append(m.code, addrRange{start: sec.Addr, end: sec.Addr + sec.Size})
		}
	}

	if addr, ok := img.symbol(SymStart); ok {
		ptr, err := img.pointer(SymStart, addr)
		if err != nil {
			return err
		}
		if ptr != 0 {
			start := module.FunctionPointer(m.rebase(ptr))
			m.start = &start
		}
	}
	return nil
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

// ExportFunc looks up guest_func_<name>.
func (m *Module) ExportFunc(name string) (module.FunctionPointer, error) {
	fn, ok := m.exports[name]
	if !ok {
		return 0, errors.SymbolNotFound(FuncPrefix + name)
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

func (m *Module) TrapManifest() trap.Manifest {
	return m.manifest
}

// AddrDetails resolves a runtime address against the object's sections and
// function symbols. Addresses outside the object's code get details with
// InModuleCode false and no names.
func (m *Module) AddrDetails(addr uintptr) (*module.AddrDetails, error) {
	if uint64(addr) < uint64(m.base) {
		return &module.AddrDetails{}, nil
	}
	link := uint64(addr) - uint64(m.base)

	inCode := false
	for _, r := range m.code {
		if link >= r.start && link < r.end {
			inCode = true
			break
		}
	}
	if !inCode {
		return &module.AddrDetails{}, nil
	}

	details := &module.AddrDetails{FileName: m.path, InModuleCode: true}
	// Only the last function starting at or before link can contain it.
	i := sort.Search(len(m.funcs), func(i int) bool { return m.funcs[i].addr > link }) - 1
	if i >= 0 {
		fn := m.funcs[i]
		if link == fn.addr || link-fn.addr < fn.size {
			details.SymName = fn.name
		}
	}
	return details, nil
}
