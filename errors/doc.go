// Package errors provides structured error types for the wasm-sandbox library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the offending value, an optional symbol name, a field path
// and a cause chain, so a rejected module can be diagnosed without re-deriving values.
//
// The two kinds callers most often branch on are KindIncorrectModule (the module
// is internally malformed and must never be instantiated) and KindLimitsExceeded
// (the module is well formed but the configured limits are too small):
//
//	if err := module.ValidateRuntimeSpec(m, lim); err != nil {
//		if errors.IsLimitsExceeded(err) {
//			// retry with a larger region
//		}
//		return err
//	}
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindInvalidData).
//		Symbol("lucet_trap_manifest").
//		Detail("record %d overlaps record %d", i, j).
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
