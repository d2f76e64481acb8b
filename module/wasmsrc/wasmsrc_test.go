package wasmsrc

import (
	"context"
	"testing"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/module"
)

type fixture struct {
	bin  []byte
	main uint32
	add  uint32
}

func newFixture() fixture {
	b := wasmtest.New()
	void := b.Type(nil, nil)
	binop := b.Type([]byte{wasmtest.I32, wasmtest.I32}, []byte{wasmtest.I32})
	b.ImportGlobal("env", "base", wasmtest.I32)
	main := b.Func(void)
	add := b.FuncBody(binop, []byte{0x20, 0x00, 0x20, 0x01, 0x6a})
	b.Table(3, -1).
		Memory(2, 4).
		Global(wasmtest.I64, true, wasmtest.I64Const(-5)).
		Global(wasmtest.F32, false, wasmtest.F32Const(1.5)).
		Global(wasmtest.I32, false, wasmtest.GlobalGet(0)).
		ExportFunc("main", main).
		ExportFunc("add", add).
		ExportGlobal("counter", 1).
		ExportMemory("memory", 0).
		Start(main).
		Elem(wasmtest.I32Const(1), add, main).
		Data(wasmtest.I32Const(10), []byte("hello")).
		Data(wasmtest.I32Const(4094), []byte("abcd")).
		Data(wasmtest.I32Const(3*4096), []byte("z")).
		PassiveData([]byte("never placed"))
	return fixture{bin: b.Bytes(), main: main, add: add}
}

func TestLoad(t *testing.T) {
	fx := newFixture()
	for _, verify := range []bool{false, true} {
		m, err := Load(context.Background(), fx.bin, Options{Verify: verify})
		if err != nil {
			t.Fatalf("Load(verify=%v) error: %v", verify, err)
		}

		heap := m.HeapSpec()
		if heap == nil {
			t.Fatal("HeapSpec() = nil")
		}
		if heap.InitialSize != 2*65536 || heap.MaxSize == nil || *heap.MaxSize != 4*65536 {
			t.Errorf("HeapSpec() = %v, want initial 2 pages and max 4 pages", heap)
		}
		if heap.ReservedSize != DefaultRegionSize || heap.GuardSize != DefaultRegionSize {
			t.Errorf("HeapSpec() = %v, want default reserved and guard", heap)
		}

		lim := limits.Default()
		if err := module.ValidateRuntimeSpec(m, &lim); err != nil {
			t.Errorf("ValidateRuntimeSpec error: %v", err)
		}
	}
}

func TestLoad_Globals(t *testing.T) {
	m, err := Load(context.Background(), newFixture().bin, Options{})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	gs := m.Globals()
	if len(gs) != 4 {
		t.Fatalf("len(Globals()) = %d, want 4", len(gs))
	}

	if imp := gs[0].Global.Import; imp == nil || imp.Module != "env" || imp.Field != "base" {
		t.Errorf("Globals()[0] = %+v, want import env.base", gs[0])
	}

	counter := gs[1]
	if counter.Global.Def == nil || counter.Global.Def.Kind != module.GlobalI64 || counter.Global.Def.I64() != -5 {
		t.Errorf("Globals()[1] = %+v, want i64 -5", counter)
	}
	if len(counter.ExportNames) != 1 || counter.ExportNames[0] != "counter" {
		t.Errorf("Globals()[1].ExportNames = %v, want [counter]", counter.ExportNames)
	}

	if d := gs[2].Global.Def; d == nil || d.Kind != module.GlobalF32 || d.F32() != 1.5 {
		t.Errorf("Globals()[2] = %+v, want f32 1.5", gs[2])
	}
	if d := gs[3].Global.Def; d == nil || d.Bits != 0 {
		t.Errorf("Globals()[3] = %+v, want zero bits for an imported initializer", gs[3])
	}
}

func TestLoad_Table(t *testing.T) {
	fx := newFixture()
	m, err := Load(context.Background(), fx.bin, Options{})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	elems, err := m.TableElements()
	if err != nil {
		t.Fatalf("TableElements error: %v", err)
	}
	want := []module.TableElement{
		{},
		{Ty: 1, Rf: uint64(Handle(fx.add))},
		{Ty: 0, Rf: uint64(Handle(fx.main))},
	}
	if len(elems) != len(want) {
		t.Fatalf("len(TableElements()) = %d, want %d", len(elems), len(want))
	}
	for i := range want {
		if elems[i] != want[i] {
			t.Errorf("TableElements()[%d] = %+v, want %+v", i, elems[i], want[i])
		}
	}

	fn, err := m.FuncFromIdx(0, 1)
	if err != nil || fn != Handle(fx.add) {
		t.Errorf("FuncFromIdx(0, 1) = (%v, %v), want %v", fn, err, Handle(fx.add))
	}
	if fn, err := m.FuncFromIdx(0, 0); err != nil || fn != 0 {
		t.Errorf("FuncFromIdx(0, 0) = (%v, %v), want null pointer", fn, err)
	}
	if _, err := m.FuncFromIdx(0, 3); !errors.IsKind(err, errors.KindFuncNotFound) {
		t.Errorf("FuncFromIdx(0, 3) error = %v, want func_not_found", err)
	}
}

func TestLoad_SparsePages(t *testing.T) {
	m, err := Load(context.Background(), newFixture().bin, Options{})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if m.SparsePageDataLen() != 4 {
		t.Fatalf("SparsePageDataLen() = %d, want 4", m.SparsePageDataLen())
	}

	p0 := m.SparsePageData(0)
	if len(p0) != limits.HostPageSize || string(p0[10:15]) != "hello" || string(p0[4094:]) != "ab" {
		t.Errorf("page 0 contents wrong")
	}
	if p1 := m.SparsePageData(1); len(p1) != limits.HostPageSize || string(p1[:2]) != "cd" {
		t.Errorf("page 1 should hold the tail of the split segment")
	}
	if p2 := m.SparsePageData(2); p2 != nil {
		t.Errorf("page 2 = %d bytes, want nil", len(p2))
	}
	if p3 := m.SparsePageData(3); len(p3) != limits.HostPageSize || p3[0] != 'z' {
		t.Errorf("page 3 contents wrong")
	}
	if p := m.SparsePageData(4); p != nil {
		t.Errorf("page past end = %d bytes, want nil", len(p))
	}
}

func TestLoad_Functions(t *testing.T) {
	fx := newFixture()
	m, err := Load(context.Background(), fx.bin, Options{})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	fn, err := m.ExportFunc("add")
	if err != nil || fn != Handle(fx.add) {
		t.Errorf("ExportFunc(add) = (%v, %v), want %v", fn, err, Handle(fx.add))
	}
	if _, err := m.ExportFunc("memory"); !errors.IsKind(err, errors.KindSymbolNotFound) {
		t.Errorf("ExportFunc(memory) error = %v, want symbol_not_found", err)
	}
	if names := m.ExportNames(); len(names) != 2 || names[0] != "add" || names[1] != "main" {
		t.Errorf("ExportNames() = %v, want [add main]", names)
	}

	start, ok, err := m.StartFunc()
	if err != nil || !ok || start != Handle(fx.main) {
		t.Errorf("StartFunc() = (%v, %v, %v), want (%v, true, nil)", start, ok, err, Handle(fx.main))
	}

	if len(m.TrapManifest()) != 0 {
		t.Error("TrapManifest() should be empty")
	}
	if _, ok := module.LookupTrapcode(m, uintptr(start)); ok {
		t.Error("LookupTrapcode should never classify")
	}
	if d, err := m.AddrDetails(uintptr(start)); d != nil || err != nil {
		t.Errorf("AddrDetails() = (%v, %v), want (nil, nil)", d, err)
	}
}

func TestLoad_NoMemory(t *testing.T) {
	b := wasmtest.New()
	b.Func(b.Type(nil, nil))

	m, err := Load(context.Background(), b.Bytes(), Options{Verify: true})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.HeapSpec() != nil {
		t.Errorf("HeapSpec() = %v, want nil", m.HeapSpec())
	}
	if m.SparsePageDataLen() != 0 {
		t.Errorf("SparsePageDataLen() = %d, want 0", m.SparsePageDataLen())
	}
	if _, ok, _ := m.StartFunc(); ok {
		t.Error("StartFunc() reported a start function")
	}
	if elems, _ := m.TableElements(); len(elems) != 0 {
		t.Errorf("TableElements() = %v, want none", elems)
	}
}

func TestLoad_ImportedMemoryAndOptions(t *testing.T) {
	bin := wasmtest.New().ImportMemory("env", "memory", 1, -1).Bytes()

	m, err := Load(context.Background(), bin, Options{ReservedSize: 1 << 20, GuardSize: 1 << 16, Verify: true})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	want := module.HeapSpec{ReservedSize: 1 << 20, GuardSize: 1 << 16, InitialSize: 65536}
	heap := m.HeapSpec()
	if heap == nil || heap.ReservedSize != want.ReservedSize || heap.GuardSize != want.GuardSize ||
		heap.InitialSize != want.InitialSize || heap.MaxSize != nil {
		t.Errorf("HeapSpec() = %v, want %v", heap, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	invalidBody := func() []byte {
		b := wasmtest.New()
		// i32.const 1 left on the stack of a function without results.
		b.FuncBody(b.Type(nil, nil), []byte{0x41, 0x01})
		return b.Bytes()
	}()

	tests := []struct {
		name     string
		bin      []byte
		verify   bool
		wantKind errors.Kind
	}{
		{
			name:     "garbage",
			bin:      []byte("not wasm"),
			wantKind: errors.KindInvalidData,
		},
		{
			name:     "garbage verified",
			bin:      []byte("not wasm"),
			verify:   true,
			wantKind: errors.KindInvalidData,
		},
		{
			name:     "invalid function body verified",
			bin:      invalidBody,
			verify:   true,
			wantKind: errors.KindInvalidData,
		},
		{
			name: "data past initial heap",
			bin: wasmtest.New().Memory(1, -1).
				Data(wasmtest.I32Const(65535), []byte("xy")).
				Bytes(),
			wantKind: errors.KindIncorrectModule,
		},
		{
			name: "data offset from global",
			bin: wasmtest.New().ImportGlobal("env", "off", wasmtest.I32).Memory(1, -1).
				Data(wasmtest.GlobalGet(0), []byte("xy")).
				Bytes(),
			wantKind: errors.KindUnsupported,
		},
		{
			name: "data offset of wrong type",
			bin: wasmtest.New().Memory(1, -1).
				Data(wasmtest.I64Const(0), []byte("xy")).
				Bytes(),
			wantKind: errors.KindInvalidData,
		},
		{
			name: "global initializer of wrong type",
			bin: wasmtest.New().
				Global(wasmtest.I32, false, wasmtest.I64Const(1)).
				Bytes(),
			wantKind: errors.KindInvalidData,
		},
		{
			name: "element past table size",
			bin: wasmtest.New().Table(1, 1).
				Elem(wasmtest.I32Const(1<<24), 0).
				Bytes(),
			wantKind: errors.KindIncorrectModule,
		},
		{
			name: "element straddling table end",
			bin: wasmtest.New().Table(2, -1).
				Elem(wasmtest.I32Const(1), 0, 0).
				Bytes(),
			wantKind: errors.KindIncorrectModule,
		},
		{
			name: "element at maximum offset",
			bin: wasmtest.New().Table(1, -1).
				Elem(wasmtest.I32Const(-1), 0).
				Bytes(),
			wantKind: errors.KindIncorrectModule,
		},
		{
			name:     "huge table",
			bin:      wasmtest.New().Table(1<<30, -1).Bytes(),
			wantKind: errors.KindLimitsExceeded,
		},
		{
			name: "element for missing function",
			bin: wasmtest.New().Table(1, -1).
				Elem(wasmtest.I32Const(0), 7).
				Bytes(),
			wantKind: errors.KindInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.bin, Options{Verify: tt.verify})
			if err == nil {
				t.Fatal("Load() = nil error")
			}
			if !errors.IsKind(err, tt.wantKind) {
				t.Errorf("Load() error = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestLoad_VerifyIsOptional(t *testing.T) {
	b := wasmtest.New()
	b.FuncBody(b.Type(nil, nil), []byte{0x41, 0x01})

	if _, err := Load(context.Background(), b.Bytes(), Options{}); err != nil {
		t.Errorf("Load without verification error: %v", err)
	}
}

func TestHandle(t *testing.T) {
	for _, idx := range []uint32{0, 1, 1 << 31, ^uint32(0)} {
		p := Handle(idx)
		if p == 0 {
			t.Errorf("Handle(%d) = 0", idx)
		}
		got, ok := FuncIndex(p)
		if !ok || got != idx {
			t.Errorf("FuncIndex(Handle(%d)) = (%d, %v)", idx, got, ok)
		}
	}
	if _, ok := FuncIndex(0); ok {
		t.Error("FuncIndex(0) should fail")
	}
}
