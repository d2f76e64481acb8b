package module

import (
	"math"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/trap"
)

// Module is the read-only part of a compiled WebAssembly program: its code
// addresses and initial memory configuration. Implementations must be safe
// for concurrent use and must not change after construction.
type Module interface {
	// HeapSpec returns nil for modules that never access linear memory.
	HeapSpec() *HeapSpec

	// Globals returns the module globals; the index into the slice is the
	// WebAssembly global index.
	Globals() []GlobalSpec

	// SparsePageData returns the initial contents of heap page page, or nil
	// when the page starts out all zero.
	SparsePageData(page int) []byte

	// SparsePageDataLen returns the number of pages in the sparse page data.
	SparsePageDataLen() int

	TableElements() ([]TableElement, error)

	ExportFunc(name string) (FunctionPointer, error)

	FuncFromIdx(tableID, funcID uint32) (FunctionPointer, error)

	// StartFunc reports false when the module has no start function.
	StartFunc() (FunctionPointer, bool, error)

	TrapManifest() trap.Manifest

	// AddrDetails returns nil when the module cannot resolve addresses, as
	// for modules not loaded from a shared object.
	AddrDetails(addr uintptr) (*AddrDetails, error)
}

// LookupTrapcode looks up a faulting instruction address in the trap
// manifest of m.
//
// It must remain safe to call from a signal handler: no allocation, no
// locks, no logging.
func LookupTrapcode(m Module, addr uintptr) (trap.Code, bool) {
	return m.TrapManifest().Lookup(addr)
}

// maxHeapRegion is the largest reserved or guard region the 32-bit sandbox
// model can address.
const maxHeapRegion = uint64(math.MaxUint32) + 1

// ValidateRuntimeSpec checks that the heap and globals of m are well formed
// and fit within lim. It runs once before any instance is created from m.
//
// The returned error is an *errors.Error of kind KindIncorrectModule when
// the module itself is malformed, or KindLimitsExceeded when it does not fit
// the limits. Its Value holds the offending spec.
func ValidateRuntimeSpec(m Module, lim *limits.Limits) error {
	if lim == nil {
		return errors.InvalidInput(errors.PhaseValidate, "limits are required")
	}

	// Modules without heap specs will not access the heap
	if heap := m.HeapSpec(); heap != nil {
		// The first check keeps both regions inside the 32-bit model, which
		// also keeps the sum below from overflowing.
		if heap.ReservedSize > maxHeapRegion || heap.GuardSize > maxHeapRegion {
			return reject(errors.IncorrectModule(*heap, "heap spec sizes would overflow: %v", heap))
		}

		if heap.ReservedSize+heap.GuardSize > lim.HeapAddressSpaceSize {
			return reject(errors.LimitsExceeded(*heap, "heap spec reserved and guard size: %v", heap))
		}

		if heap.InitialSize > lim.HeapMemorySize {
			return reject(errors.LimitsExceeded(*heap, "heap spec initial size: %v", heap))
		}

		if heap.InitialSize > heap.ReservedSize {
			return reject(errors.IncorrectModule(*heap, "initial heap size greater than reserved size: %v", heap))
		}
	}

	count := uint64(len(m.Globals()))
	if count > lim.GlobalsSize/GlobalSlotSize {
		return reject(errors.LimitsExceeded(count,
			"globals exceed limits: %d globals need %d bytes, limit is %d",
			count, count*GlobalSlotSize, lim.GlobalsSize))
	}

	return nil
}

func reject(err *errors.Error) error {
	Logger().Debug("module rejected",
		zap.String("kind", string(err.Kind)),
		zap.String("detail", err.Detail))
	return err
}

// FuncFromTable resolves an indirect call target from table elements. Only
// table 0 exists in the supported module format.
func FuncFromTable(elems []TableElement, tableID, funcID uint32) (FunctionPointer, error) {
	if tableID != 0 {
		return 0, errors.FuncNotFound(tableID, funcID)
	}
	if uint64(funcID) >= uint64(len(elems)) {
		return 0, errors.FuncNotFound(tableID, funcID)
	}
	return FunctionPointer(uintptr(elems[funcID].Rf)), nil
}
