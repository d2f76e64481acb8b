package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseLoad,
				Kind:   KindInvalidData,
				Path:   []string{"trap_manifest", "3"},
				Symbol: "lucet_trap_manifest",
				Detail: "record overlaps",
			},
			contains: []string{"[load]", "invalid_data", "trap_manifest.3", "lucet_trap_manifest", "record overlaps"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseValidate,
				Kind:  KindLimitsExceeded,
			},
			contains: []string{"[validate]", "limits_exceeded"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseLoad,
				Kind:   KindInvalidData,
				Detail: "open shared object",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[load]", "open shared object", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseLoad,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := LimitsExceeded(nil, "globals exceed limits")

	if !err.Is(&Error{Phase: PhaseValidate, Kind: KindLimitsExceeded}) {
		t.Error("Is should match same phase and kind")
	}

	if err.Is(&Error{Phase: PhaseLoad, Kind: KindLimitsExceeded}) {
		t.Error("Is should not match different phase")
	}

	if err.Is(&Error{Phase: PhaseValidate, Kind: KindIncorrectModule}) {
		t.Error("Is should not match different kind")
	}

	wrapped := fmt.Errorf("instantiate: %w", err)
	if !errors.Is(wrapped, &Error{Phase: PhaseValidate, Kind: KindLimitsExceeded}) {
		t.Error("errors.Is should match through fmt wrapping")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseLoad, KindInvalidData).
		Path("globals", "2").
		Symbol("lucet_globals_spec").
		Value(42).
		Cause(cause).
		Detail("expected %d bytes, got %d", 32, 16).
		Build()

	if err.Phase != PhaseLoad {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseLoad)
	}
	if err.Kind != KindInvalidData {
		t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidData)
	}
	if len(err.Path) != 2 || err.Path[0] != "globals" || err.Path[1] != "2" {
		t.Errorf("Path = %v, want [globals 2]", err.Path)
	}
	if err.Symbol != "lucet_globals_spec" {
		t.Errorf("Symbol = %v, want 'lucet_globals_spec'", err.Symbol)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected 32 bytes, got 16" {
		t.Errorf("Detail = %v, want 'expected 32 bytes, got 16'", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("IncorrectModule", func(t *testing.T) {
		err := IncorrectModule("spec", "initial heap size greater than reserved size: %v", "spec")
		if err.Kind != KindIncorrectModule || err.Phase != PhaseValidate {
			t.Errorf("Phase/Kind = %v/%v", err.Phase, err.Kind)
		}
		if err.Value != "spec" {
			t.Errorf("Value = %v, want spec", err.Value)
		}
	})

	t.Run("LimitsExceeded", func(t *testing.T) {
		err := LimitsExceeded(uint64(10), "heap spec initial size: %d", 10)
		if err.Kind != KindLimitsExceeded {
			t.Errorf("Kind = %v, want %v", err.Kind, KindLimitsExceeded)
		}
		if !strings.Contains(err.Detail, "10") {
			t.Errorf("Detail = %v, should contain size", err.Detail)
		}
	})

	t.Run("SymbolNotFound", func(t *testing.T) {
		err := SymbolNotFound("guest_func_main")
		if err.Kind != KindSymbolNotFound || err.Symbol != "guest_func_main" {
			t.Errorf("Kind=%v Symbol=%v", err.Kind, err.Symbol)
		}
	})

	t.Run("FuncNotFound", func(t *testing.T) {
		err := FuncNotFound(0, 7)
		if err.Kind != KindFuncNotFound {
			t.Errorf("Kind = %v, want %v", err.Kind, KindFuncNotFound)
		}
		if err.Value != [2]uint32{0, 7} {
			t.Errorf("Value = %v, want [0 7]", err.Value)
		}
	})

	t.Run("Overflow", func(t *testing.T) {
		err := Overflow(PhaseLoad, []string{"heap", "initial"}, uint64(1)<<40, "u32 pages")
		if err.Kind != KindOverflow {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOverflow)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		err := Unsupported(PhaseLoad, "memory64")
		if err.Kind != KindUnsupported {
			t.Errorf("Kind = %v, want %v", err.Kind, KindUnsupported)
		}
	})
}

func TestPredicates(t *testing.T) {
	limits := LimitsExceeded(nil, "globals exceed limits")
	incorrect := IncorrectModule(nil, "heap spec sizes would overflow")
	notFound := SymbolNotFound("guest_start")

	tests := []struct {
		name      string
		err       error
		limits    bool
		incorrect bool
		notFound  bool
	}{
		{"nil", nil, false, false, false},
		{"plain", errors.New("x"), false, false, false},
		{"limits", limits, true, false, false},
		{"incorrect", incorrect, false, true, false},
		{"not found", notFound, false, false, true},
		{"func not found", FuncNotFound(1, 2), false, false, true},
		{"wrapped limits", fmt.Errorf("region: %w", limits), true, false, false},
		{"limits as cause", Wrap(PhaseRuntime, KindInvalidInput, limits, "admit"), true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLimitsExceeded(tt.err); got != tt.limits {
				t.Errorf("IsLimitsExceeded = %v, want %v", got, tt.limits)
			}
			if got := IsIncorrectModule(tt.err); got != tt.incorrect {
				t.Errorf("IsIncorrectModule = %v, want %v", got, tt.incorrect)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
		})
	}
}

func TestDisplaySymbol(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{
			input:    "guest_func_main",
			expected: "main",
		},
		{
			input:    "lucet_probestack",
			expected: "lucet_probestack",
		},
		{
			input:    "_ZN4core3ptr8write_fn17ha1b2c3d4e5f67890E",
			expected: "core::ptr::write_fn",
		},
		{
			input:    "_ZN13lucet_runtime8instance8Instance3run17h0123456789abcdefE",
			expected: "lucet_runtime::instance::Instance::run",
		},
	}

	for _, tt := range tests {
		name := tt.input
		if len(name) > 30 {
			name = name[:30]
		}
		t.Run(name, func(t *testing.T) {
			result := DisplaySymbol(tt.input)
			if result != tt.expected {
				t.Errorf("DisplaySymbol(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
