package trap

import (
	"fmt"
)

// Site is a trapping instruction within a function. Offset is relative to
// the start of the function's code.
type Site struct {
	Offset uint32
	Code   Code
}

// Record describes where one function's compiled code lives and which of its
// instructions may trap. Sites must be sorted by Offset.
type Record struct {
	FuncAddr uintptr
	FuncLen  uintptr
	Sites    []Site
}

// ContainsAddr reports whether addr lies within [FuncAddr, FuncAddr+FuncLen).
func (r *Record) ContainsAddr(addr uintptr) bool {
	return addr >= r.FuncAddr && addr-r.FuncAddr < r.FuncLen
}

// LookupAddr returns the trap code of the site at addr. The caller must have
// checked ContainsAddr.
//
// It allocates nothing and takes no locks.
func (r *Record) LookupAddr(addr uintptr) (Code, bool) {
	off := addr - r.FuncAddr
	if off > 0xffffffff {
		return 0, false
	}
	target := uint32(off)

	// Binary search by hand: a closure passed to sort.Search may be moved to
	// the heap.
	lo, hi := 0, len(r.Sites)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if r.Sites[mid].Offset < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(r.Sites) && r.Sites[lo].Offset == target {
		return r.Sites[lo].Code, true
	}
	return 0, false
}

// Manifest is the ordered set of function records of a module. Record
// address ranges never overlap.
type Manifest []Record

// Lookup classifies a faulting instruction address.
//
// The first record containing addr decides the outcome: if none of its sites
// match, Lookup stops and reports no trap, because no other record may claim
// the same address. An address outside every record is not a module trap.
//
// Lookup is safe to call while handling an asynchronous signal: it allocates
// nothing, takes no locks, and reads only immutable data.
func (m Manifest) Lookup(addr uintptr) (Code, bool) {
	for i := range m {
		r := &m[i]
		if r.ContainsAddr(addr) {
			return r.LookupAddr(addr)
		}
	}
	return 0, false
}

// Check verifies the manifest invariants: each record's range does not wrap
// around the address space, sites are sorted by offset, unique, and inside
// the function, and no two record ranges overlap.
func (m Manifest) Check() error {
	for i := range m {
		r := &m[i]
		if r.FuncAddr+r.FuncLen < r.FuncAddr {
			return fmt.Errorf("record %d: function range %#x+%#x wraps around", i, r.FuncAddr, r.FuncLen)
		}
		for j := range r.Sites {
			if uintptr(r.Sites[j].Offset) >= r.FuncLen {
				return fmt.Errorf("record %d: site %d offset %#x outside function of length %#x",
					i, j, r.Sites[j].Offset, r.FuncLen)
			}
			if j > 0 && r.Sites[j-1].Offset >= r.Sites[j].Offset {
				return fmt.Errorf("record %d: site %d offset %#x not above previous offset %#x",
					i, j, r.Sites[j].Offset, r.Sites[j-1].Offset)
			}
		}
		for k := 0; k < i; k++ {
			if overlaps(r, &m[k]) {
				return fmt.Errorf("record %d [%#x, %#x) overlaps record %d [%#x, %#x)",
					i, r.FuncAddr, r.FuncAddr+r.FuncLen, k, m[k].FuncAddr, m[k].FuncAddr+m[k].FuncLen)
			}
		}
	}
	return nil
}

func overlaps(a, b *Record) bool {
	if a.FuncLen == 0 || b.FuncLen == 0 {
		return false
	}
	return a.FuncAddr < b.FuncAddr+b.FuncLen && b.FuncAddr < a.FuncAddr+a.FuncLen
}
