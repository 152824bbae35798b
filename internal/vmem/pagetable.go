// Package vmem implements the guest virtual memory model (spec C3): a
// four-level page table, a small direct-mapped TLB, RSS/VSS accounting,
// and the mmap/mprotect/brk family of guest syscalls.
package vmem

import (
	"fmt"
	"sync"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	pteCount  = 512 // entries per table level, like a real x86-64 page table

	tlbSize = 16 // spec C3: "16-entry direct-mapped TLB"
)

// PTE protection/attribute bits.
const (
	PteWritable = 1 << iota
	PteUser
	PteNX
	PteDirty
	PtePresent
)

// PTE is one page table entry. HostPage is an index into the owning
// AddressSpace's backing slab (see reserveReal in mmap.go); a PTE with
// Reserved set has been reserved but not committed and has no backing page
// until Touch commits it.
type PTE struct {
	HostPage uint64
	Flags    uint32
	Reserved bool

	// File-backed mapping metadata (nil for anonymous).
	Shared bool
	FD     int
	Offset int64
}

func (p *PTE) present() bool  { return p.Flags&PtePresent != 0 }
func (p *PTE) writable() bool { return p.Flags&PteWritable != 0 }
func (p *PTE) exec() bool     { return p.Flags&PteNX == 0 }

// table is one level of the four-level tree, lazily populated.
type table struct {
	entries [pteCount]*table
	leaves  [pteCount]*PTE
}

// AddressSpace is CR3: the root of the guest page tree plus the backing
// slab that page data physically lives in. A slab page, once allocated,
// never relocates — this is what makes host pointers into guest RAM
// (returned by Lookup) stable across the lifetime of the mapping, per
// spec §3 "Virtual memory".
type AddressSpace struct {
	mu   sync.Mutex
	root *table

	slab [][]byte // each entry is one PageSize host-backed page

	// Accounting, per spec §3 invariant: rss == tables + committed,
	// vss == committed + reserved.
	tables    uint64
	committed uint64
	reserved  uint64

	tlbs []*ThreadTLB // registered per-thread TLBs, invalidated on protection changes
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{root: &table{}}
}

// Rss and Vss report the accounting counters from spec §3.
func (a *AddressSpace) Rss() uint64 { a.mu.Lock(); defer a.mu.Unlock(); return a.tables + a.committed }
func (a *AddressSpace) Vss() uint64 { a.mu.Lock(); defer a.mu.Unlock(); return a.committed + a.reserved }

// ThreadTLB is the per-Machine 16-entry direct-mapped translation cache
// (spec C3, C2's Machine.tlb). Index is (va>>12) mod tlbSize.
type ThreadTLB struct {
	valid [tlbSize]bool
	vpn   [tlbSize]uint64
	pte   [tlbSize]*PTE
}

// RegisterTLB attaches a Machine's TLB so InvalidateSystem can reach it.
func (a *AddressSpace) RegisterTLB(t *ThreadTLB) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tlbs = append(a.tlbs, t)
}

func (t *ThreadTLB) lookup(vpn uint64) *PTE {
	i := vpn % tlbSize
	if t.valid[i] && t.vpn[i] == vpn {
		return t.pte[i]
	}
	return nil
}

func (t *ThreadTLB) insert(vpn uint64, pte *PTE) {
	i := vpn % tlbSize
	t.valid[i] = true
	t.vpn[i] = vpn
	t.pte[i] = pte
}

// Reset invalidates every entry; called on mode change, exec, or whenever
// InvalidateSystem fires (spec §4.3 "ResetTlb").
func (t *ThreadTLB) Reset() {
	for i := range t.valid {
		t.valid[i] = false
	}
}

// walk descends the four-level tree, creating intermediate tables (but not
// leaf PTEs) as needed when create is true.
func (a *AddressSpace) walk(va uint64, create bool) *table {
	idx := [4]uint64{
		(va >> 39) & 0x1ff,
		(va >> 30) & 0x1ff,
		(va >> 21) & 0x1ff,
		(va >> 12) & 0x1ff,
	}
	t := a.root
	for level := 0; level < 3; level++ {
		next := t.entries[idx[level]]
		if next == nil {
			if !create {
				return nil
			}
			next = &table{}
			t.entries[idx[level]] = next
			a.tables++
		}
		t = next
	}
	_ = idx[3]
	return t
}

func leafIndex(va uint64) uint64 { return (va >> 12) & 0x1ff }

// ptePtr returns (and optionally creates) the PTE slot for va's final
// table level. create only makes the intermediate tables; the leaf PTE
// itself is created by the caller (reservePTE) since its presence there is
// itself the mapping's existence.
func (a *AddressSpace) ptePtr(va uint64, create bool) **PTE {
	t := a.walk(va, create)
	if t == nil {
		return nil
	}
	return &t.leaves[leafIndex(va)]
}

// Lookup translates va to a host pointer into the backing slab, consulting
// tlb first (spec "LookupAddress(va) -> host*"). Returns a nil host
// pointer if the page is not present or is reserved but not yet committed.
func (a *AddressSpace) Lookup(va uint64, tlb *ThreadTLB) (*byte, *PTE) {
	vpn := va >> PageShift
	off := va & (PageSize - 1)
	if pte := tlb.lookup(vpn); pte != nil {
		return a.hostPtr(pte, off), pte
	}
	a.mu.Lock()
	slot := a.ptePtr(va, false)
	var pte *PTE
	if slot != nil {
		pte = *slot
	}
	a.mu.Unlock()
	if pte == nil || !pte.present() || pte.Reserved {
		return nil, pte
	}
	tlb.insert(vpn, pte)
	return a.hostPtr(pte, off), pte
}

func (a *AddressSpace) hostPtr(pte *PTE, off uint64) *byte {
	page := a.slab[pte.HostPage]
	return &page[off]
}

// InvalidateSystem resets every registered TLB. Called whenever a
// protection change or mapping shrink could leave a stale translation
// cached (spec §4.3).
func (a *AddressSpace) InvalidateSystem() {
	a.mu.Lock()
	tlbs := a.tlbs
	a.mu.Unlock()
	for _, t := range tlbs {
		t.Reset()
	}
}

// Fault kinds returned by Lookup callers that need to distinguish "not
// mapped" from "mapped but wrong permission".
var (
	ErrUnmapped = fmt.Errorf("vmem: address not mapped")
	ErrWriteProtected = fmt.Errorf("vmem: write to read-only page")
	ErrNoExec = fmt.Errorf("vmem: execute of NX page")
)
