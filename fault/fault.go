package fault

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/module"
	"github.com/wippyai/wasm-sandbox/trap"
)

// Report describes a fault at Addr.
type Report struct {
	// Details is nil when the module could not describe the address.
	Details    *module.AddrDetails
	Addr       uintptr
	Code       trap.Code
	Classified bool
}

// Classify looks addr up in the trap manifest of m and resolves what it can
// about the address. It may allocate.
func Classify(m module.Module, addr uintptr) *Report {
	r := &Report{Addr: addr}
	r.Code, r.Classified = module.LookupTrapcode(m, addr)

	details, err := m.AddrDetails(addr)
	if err != nil {
		Logger().Debug("address details unavailable",
			zap.Uintptr("addr", addr),
			zap.Error(err))
	} else {
		r.Details = details
	}
	return r
}

// Fatal reports whether the fault is not a trap of module code.
func (r *Report) Fatal() bool {
	return !r.Classified
}

// Symbol returns the readable name of the function containing the address,
// or "" when unknown.
func (r *Report) Symbol() string {
	if r.Details == nil || r.Details.SymName == "" {
		return ""
	}
	return errors.DisplaySymbol(r.Details.SymName)
}

// Error returns a one-line description of the fault.
func (r *Report) Error() string {
	var b strings.Builder

	if r.Classified {
		b.WriteString(r.Code.Error())
	} else {
		b.WriteString("fault outside module traps")
	}
	fmt.Fprintf(&b, " at %#x", r.Addr)

	if sym := r.Symbol(); sym != "" {
		b.WriteString(" in ")
		b.WriteString(sym)
	}
	if r.Details != nil && r.Details.FileName != "" {
		b.WriteString(" (")
		b.WriteString(r.Details.FileName)
		b.WriteByte(')')
	}

	return b.String()
}

func (r *Report) String() string {
	return r.Error()
}

// Unwrap exposes the trap code of a classified fault, so errors.Is can
// match a specific trap.Code.
func (r *Report) Unwrap() error {
	if !r.Classified {
		return nil
	}
	return r.Code
}
