// Package wasm decodes the declarative sections of a WebAssembly binary
// module.
//
// The decoder reads what a module descriptor needs and nothing more:
// imports, function type indices, tables, memories, globals, exports, the
// start function, element segments and data segments. Type definitions
// and function bodies are skipped with only their counts kept; checking
// them is left to a full compiler.
//
//	data, _ := os.ReadFile("module.wasm")
//	m, err := wasm.ParseModule(data)
//	if err != nil {
//	    return err
//	}
//	mem, ok := m.Memory()
//
// Constant expressions (global initializers and segment offsets) are kept
// as raw bytes and evaluated with EvalConst:
//
//	v, err := wasm.EvalConst(m.Globals[0].Init)
//
// Sections must appear in canonical order. Unknown section IDs are
// rejected; custom, tag and data count sections are skipped.
package wasm
