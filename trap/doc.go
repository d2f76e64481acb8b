// Package trap maps faulting instruction addresses of compiled WebAssembly
// code to trap codes.
//
// A Manifest is produced by the compiler, one Record per function, each
// holding the function's address range and its sorted trap sites. The
// manifest is immutable after construction and may be read concurrently by
// any number of instances without synchronization.
//
// Manifest.Lookup is the only code in this module intended to run inside an
// asynchronous signal handler. It must stay allocation-free and lock-free;
// tests enforce this with testing.AllocsPerRun.
package trap
