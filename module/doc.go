// Package module defines the contract every compiled module source
// implements, and the checks the runtime applies to all of them.
//
// A Module exposes the read-only metadata the compiler produced: heap spec,
// globals, sparse heap pages, table elements, function addresses and the
// trap manifest. Sources differ only in where that metadata comes from:
//
//	module/dl       ELF shared objects produced by the ahead-of-time compiler
//	module/wasmsrc  core WebAssembly binaries, without native code
//	module/mock     descriptors built in memory, for tests
//
// The safety checks are package functions rather than interface methods, so
// every source gets the same audited behavior:
//
//	if err := module.ValidateRuntimeSpec(m, &lim); err != nil {
//		return err // never instantiate m
//	}
//
//	// in the fault handler
//	code, ok := module.LookupTrapcode(m, faultAddr)
//
// ValidateRuntimeSpec runs once per module before instantiation.
// LookupTrapcode runs on every fault and is signal-safe. A false result
// means the fault is not a classified module trap and must be treated as
// fatal to the instance.
//
// # Thread Safety
//
// Modules are immutable after construction and shared by every instance
// created from them. All functions in this package may be called
// concurrently without synchronization.
package module
