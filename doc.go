// Package sandbox describes compiled WebAssembly modules to a sandboxing
// runtime and decides whether they may be instantiated.
//
// The runtime never inspects module code directly. Everything it needs is
// reached through the module.Module contract: the heap layout, globals,
// indirect call table, initial memory image, exported functions and the
// trap manifest that maps faulting instructions to WebAssembly traps.
//
// # Architecture Overview
//
//	sandbox/             Root package with the library version
//	├── module/          The Module contract, ValidateRuntimeSpec, LookupTrapcode
//	│   ├── dl/          Modules read from ahead-of-time compiled shared objects
//	│   ├── wasmsrc/     Modules read from core wasm binaries
//	│   └── mock/        In-memory modules for tests
//	├── trap/            Trap codes, trap sites and the manifest lookup
//	├── limits/          Per-instance resource limits
//	├── fault/           Fault reports with symbol details
//	├── config/          File and environment configuration
//	├── wasm/            Core wasm binary decoder
//	├── errors/          Structured error types for diagnostics
//	└── cmd/sandboxctl/  Inspect, validate and look up addresses from the shell
//
// # Quick Start
//
// Open a module and check it against the limits of a region:
//
//	m, err := dl.Open("guest.so", dl.Options{Base: loadAddr})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	lim := limits.Default()
//	if err := module.ValidateRuntimeSpec(m, &lim); err != nil {
//	    log.Fatal(err)
//	}
//
// # Trap Handling
//
// A signal handler classifies the faulting instruction with
// module.LookupTrapcode, which neither allocates nor locks. Richer
// reports are built afterwards with fault.Classify.
//
// # Thread Safety
//
// Modules are immutable after construction and safe for concurrent use by
// any number of instances.
package sandbox

// Version is the library version.
const Version = "0.1.0"
