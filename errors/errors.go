package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // module source loading
	PhaseValidate Phase = "validate" // runtime spec validation
	PhaseLookup   Phase = "lookup"   // symbol and function lookup
	PhaseRuntime  Phase = "runtime"  // fault classification and diagnostics
	PhaseConfig   Phase = "config"   // limits and configuration
)

// Kind categorizes the error
type Kind string

const (
	KindIncorrectModule Kind = "incorrect_module"
	KindLimitsExceeded  Kind = "limits_exceeded"
	KindSymbolNotFound  Kind = "symbol_not_found"
	KindFuncNotFound    Kind = "func_not_found"
	KindInvalidData     Kind = "invalid_data"
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindUnsupported     Kind = "unsupported"
	KindOverflow        Kind = "overflow"
)

// Error is the structured error type used throughout the library
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Symbol string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Symbol != "" {
		b.WriteString(": symbol ")
		b.WriteString(e.Symbol)
	}

	if e.Detail != "" {
		if e.Symbol != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Symbol sets the symbol name involved
func (b *Builder) Symbol(sym string) *Builder {
	b.err.Symbol = sym
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// IncorrectModule creates an error for a module whose spec violates a
// structural invariant. value is the offending spec.
func IncorrectModule(value any, format string, args ...any) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindIncorrectModule,
		Detail: fmt.Sprintf(format, args...),
		Value:  value,
	}
}

// LimitsExceeded creates an error for a well formed module that does not fit
// the configured limits. value is the offending spec.
func LimitsExceeded(value any, format string, args ...any) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindLimitsExceeded,
		Detail: fmt.Sprintf(format, args...),
		Value:  value,
	}
}

// SymbolNotFound creates an error for a missing exported symbol
func SymbolNotFound(sym string) *Error {
	return &Error{
		Phase:  PhaseLookup,
		Kind:   KindSymbolNotFound,
		Symbol: sym,
		Detail: "symbol not found",
	}
}

// FuncNotFound creates an error for a missing table entry
func FuncNotFound(tableID, funcID uint32) *Error {
	return &Error{
		Phase:  PhaseLookup,
		Kind:   KindFuncNotFound,
		Detail: fmt.Sprintf("function %d not found in table %d", funcID, tableID),
		Value:  [2]uint32{tableID, funcID},
	}
}

// InvalidData creates an error for unreadable or corrupt module storage
func InvalidData(phase Phase, sym string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Symbol: sym,
		Detail: detail,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, target string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		Detail: fmt.Sprintf("value %v overflows %s", value, target),
		Value:  value,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Predicates

// IsKind reports whether err, or any error it wraps, is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsIncorrectModule reports whether err marks a malformed module spec.
func IsIncorrectModule(err error) bool {
	return IsKind(err, KindIncorrectModule)
}

// IsLimitsExceeded reports whether err marks a module that exceeds the limits.
func IsLimitsExceeded(err error) bool {
	return IsKind(err, KindLimitsExceeded)
}

// IsNotFound reports whether err marks an unresolvable symbol or table index.
func IsNotFound(err error) bool {
	return IsKind(err, KindSymbolNotFound) || IsKind(err, KindFuncNotFound) || IsKind(err, KindNotFound)
}

// DisplaySymbol returns a readable form of a symbol found in a compiled module:
// the guest function prefix is stripped and mangled Rust host symbols are
// reduced to their path.
func DisplaySymbol(name string) string {
	if fn, ok := strings.CutPrefix(name, "guest_func_"); ok {
		return fn
	}
	return demangleRust(name)
}

// demangleRust attempts to extract readable function name from mangled Rust symbol
func demangleRust(name string) string {
	// Rust mangled names start with _ZN
	if !strings.HasPrefix(name, "_ZN") {
		return name
	}

	// Format: _ZN<len><name><len><name>...E
	s := name[3:]
	var parts []string

	for len(s) > 0 && s[0] != 'E' {
		lenEnd := 0
		for lenEnd < len(s) && s[lenEnd] >= '0' && s[lenEnd] <= '9' {
			lenEnd++
		}
		if lenEnd == 0 {
			break
		}

		length := 0
		for i := 0; i < lenEnd; i++ {
			length = length*10 + int(s[i]-'0')
		}
		s = s[lenEnd:]

		if length > len(s) {
			break
		}

		part := s[:length]
		s = s[length:]

		// hash suffix: 'h' followed by 16 hex digits
		if isHashSegment(part) {
			continue
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return name
	}

	return strings.Join(parts, "::")
}

func isHashSegment(part string) bool {
	if len(part) != 17 || part[0] != 'h' {
		return false
	}
	for i := 1; i < 17; i++ {
		c := part[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
