// Package limits defines the resource ceilings an embedding application sets
// for a region of instances. Limits are supplied once per region and are
// never modified afterwards.
package limits

import (
	"fmt"

	"github.com/wippyai/wasm-sandbox/errors"
)

// HostPageSize is the page size every limit must be a multiple of.
const HostPageSize = 4096

// WasmPageSize is the size of a WebAssembly linear memory page.
const WasmPageSize = 64 * 1024

// Limits bounds the heap, stack and globals of every instance in a region.
type Limits struct {
	// HeapMemorySize is the maximum number of bytes of heap that may be
	// backed by memory.
	HeapMemorySize uint64 `mapstructure:"heap_memory_size" yaml:"heap_memory_size"`
	// HeapAddressSpaceSize is the size of the virtual address space reserved
	// for the heap, including guard pages.
	HeapAddressSpaceSize uint64 `mapstructure:"heap_address_space_size" yaml:"heap_address_space_size"`
	StackSize            uint64 `mapstructure:"stack_size" yaml:"stack_size"`
	GlobalsSize          uint64 `mapstructure:"globals_size" yaml:"globals_size"`
}

// Default returns the limits used when the embedder configures nothing:
// 1 MiB of heap memory, 8 GiB of heap address space, a 128 KiB stack and
// 4 KiB of globals.
func Default() Limits {
	return Limits{
		HeapMemorySize:       16 * WasmPageSize,
		HeapAddressSpaceSize: 0x200000000,
		StackSize:            128 * 1024,
		GlobalsSize:          HostPageSize,
	}
}

// Validate checks that the limits themselves are usable: every size is a
// multiple of the host page size, the heap memory fits in the heap address
// space, and the stack is not empty.
func (l Limits) Validate() error {
	sizes := []struct {
		name string
		size uint64
	}{
		{"heap_memory_size", l.HeapMemorySize},
		{"heap_address_space_size", l.HeapAddressSpaceSize},
		{"stack_size", l.StackSize},
		{"globals_size", l.GlobalsSize},
	}
	for _, s := range sizes {
		if s.size%HostPageSize != 0 {
			return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path("limits", s.name).
				Value(s.size).
				Detail("%d must be a multiple of the host page size %d", s.size, HostPageSize).
				Build()
		}
	}
	if l.HeapMemorySize > l.HeapAddressSpaceSize {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("limits", "heap_memory_size").
			Value(l).
			Detail("heap memory size %d exceeds heap address space size %d",
				l.HeapMemorySize, l.HeapAddressSpaceSize).
			Build()
	}
	if l.StackSize == 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("limits", "stack_size").
			Detail("stack size must be non-zero").
			Build()
	}
	return nil
}

func (l Limits) String() string {
	return fmt.Sprintf("Limits{heap_memory_size: %d, heap_address_space_size: %d, stack_size: %d, globals_size: %d}",
		l.HeapMemorySize, l.HeapAddressSpaceSize, l.StackSize, l.GlobalsSize)
}
