package fault

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/wippyai/wasm-sandbox/module"
	"github.com/wippyai/wasm-sandbox/module/mock"
	"github.com/wippyai/wasm-sandbox/trap"
)

// described overrides the address details of a mock module.
type described struct {
	*mock.Module
	details *module.AddrDetails
	err     error
}

func (d *described) AddrDetails(uintptr) (*module.AddrDetails, error) {
	return d.details, d.err
}

const funcAddr = 0x10000

func newModule(t *testing.T, details *module.AddrDetails, err error) module.Module {
	t.Helper()
	m, buildErr := mock.NewBuilder().
		WithTrapManifest(trap.Record{
			FuncAddr: funcAddr,
			FuncLen:  0x100,
			Sites:    []trap.Site{{Offset: 0x20, Code: trap.Unreachable}},
		}).
		Build()
	if buildErr != nil {
		t.Fatalf("Build error: %v", buildErr)
	}
	return &described{Module: m, details: details, err: err}
}

func TestClassify(t *testing.T) {
	inCode := &module.AddrDetails{FileName: "guest.so", SymName: "guest_func_run", InModuleCode: true}

	tests := []struct {
		name       string
		addr       uintptr
		details    *module.AddrDetails
		detailsErr error
		wantCode   trap.Code
		wantOK     bool
		wantText   string
	}{
		{
			name:     "trap site",
			addr:     funcAddr + 0x20,
			details:  inCode,
			wantCode: trap.Unreachable,
			wantOK:   true,
			wantText: "trap: unreachable at 0x10020 in run (guest.so)",
		},
		{
			name:     "no site in function",
			addr:     funcAddr + 0x21,
			details:  inCode,
			wantText: "fault outside module traps at 0x10021 in run (guest.so)",
		},
		{
			name:     "outside module",
			addr:     0x42,
			details:  &module.AddrDetails{},
			wantText: "fault outside module traps at 0x42",
		},
		{
			name:     "no details",
			addr:     funcAddr + 0x20,
			wantCode: trap.Unreachable,
			wantOK:   true,
			wantText: "trap: unreachable at 0x10020",
		},
		{
			name:       "details error",
			addr:       funcAddr + 0x20,
			details:    inCode,
			detailsErr: stderrors.New("symbols unavailable"),
			wantCode:   trap.Unreachable,
			wantOK:     true,
			wantText:   "trap: unreachable at 0x10020",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(newModule(t, tt.details, tt.detailsErr), tt.addr)

			if r.Addr != tt.addr {
				t.Errorf("Addr = %#x, want %#x", r.Addr, tt.addr)
			}
			if r.Classified != tt.wantOK || r.Code != tt.wantCode {
				t.Errorf("Classify = (%v, %v), want (%v, %v)", r.Code, r.Classified, tt.wantCode, tt.wantOK)
			}
			if r.Fatal() == tt.wantOK {
				t.Errorf("Fatal() = %v, want %v", r.Fatal(), !tt.wantOK)
			}
			if tt.detailsErr != nil && r.Details != nil {
				t.Errorf("Details = %+v, want nil after error", r.Details)
			}
			if got := r.Error(); got != tt.wantText {
				t.Errorf("Error() = %q, want %q", got, tt.wantText)
			}
		})
	}
}

func TestReport_Unwrap(t *testing.T) {
	r := Classify(newModule(t, nil, nil), funcAddr+0x20)
	if !stderrors.Is(r, trap.Unreachable) {
		t.Errorf("errors.Is(%v, Unreachable) = false, want true", r)
	}
	if stderrors.Is(r, trap.HeapOutOfBounds) {
		t.Errorf("errors.Is(%v, HeapOutOfBounds) = true, want false", r)
	}

	r = Classify(newModule(t, nil, nil), 0x1)
	if r.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil for unclassified fault", r.Unwrap())
	}
}

func TestReport_Symbol(t *testing.T) {
	tests := []struct {
		sym  string
		want string
	}{
		{"guest_func_main", "main"},
		{"_ZN4core9panicking5panic17h0123456789abcdefE", "core::panicking::panic"},
		{"helper", "helper"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.sym, func(t *testing.T) {
			r := &Report{Details: &module.AddrDetails{SymName: tt.sym}}
			if got := r.Symbol(); got != tt.want {
				t.Errorf("Symbol() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := (&Report{}).Symbol(); got != "" {
		t.Errorf("Symbol() without details = %q, want empty", got)
	}
}

func TestReport_Error(t *testing.T) {
	tests := []struct {
		name string
		r    *Report
		want string
	}{
		{"heap", &Report{Addr: 0x10, Code: trap.HeapOutOfBounds, Classified: true}, "trap: heap out of bounds at 0x10"},
		{"unknown code", &Report{Addr: 0x10, Code: trap.Code(99), Classified: true}, "trap: unknown trap code 99 at 0x10"},
		{"unclassified", &Report{Addr: 0x10, Code: trap.Unreachable}, "fault outside module traps at 0x10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if strings.Count(tt.r.Error(), "trap:") > 1 {
				t.Errorf("Error() = %q repeats the trap prefix", tt.r.Error())
			}
		})
	}
}
