package vmem

import "fmt"

// Automap search range, spec §4.3. Picked well clear of the low 4GiB so it
// never collides with typical PIE/static-PIE load addresses.
const (
	AutomapStart = 0x7f0000000000
	AutomapEnd   = 0x7fffffff0000
)

// Prot mirrors Linux PROT_* for SysMmap/SysMprotect callers.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// MapFlags mirrors the Linux MAP_* flags this model distinguishes.
type MapFlags uint32

const (
	MapFixed MapFlags = 1 << iota
	MapShared
	MapAnonymous
)

// Limits holds the RSS/VSS caps (spec §4.3). SysMmap and SysBrk check
// MaxVss before reserving; MaxRss is not checked anywhere.
type Limits struct {
	MaxRss uint64
	MaxVss uint64
}

// Space wraps an AddressSpace with the mmap-specific cursor, brk pointer,
// and rlimits that SysMmap/SysMprotect/SysBrk need. It corresponds to the
// memory-relevant slice of System's fields (spec §3).
type Space struct {
	*AddressSpace
	Limits Limits

	automapCursor uint64
	brk           uint64
	brkStart      uint64

	// OnExecutable is invoked for any range that becomes executable via
	// SysMprotect or a fresh mapping; cmd/blink and the syscall package's
	// fork path set it to Jit.Hooks.Clear (spec §4.3 "ClearJitHooks").
	OnExecutable func(lo, hi uint64)
}

func NewSpace(limits Limits) *Space {
	return &Space{
		AddressSpace:  NewAddressSpace(),
		Limits:        limits,
		automapCursor: AutomapStart,
	}
}

// reserveReal allocates count fresh pages from the backing slab and
// returns their starting HostPage index. Slab pages never relocate (see
// AddressSpace doc), so host pointers handed out by Lookup stay valid for
// the life of the mapping.
func (s *Space) reserveReal(count int) uint64 {
	start := uint64(len(s.slab))
	for i := 0; i < count; i++ {
		s.slab = append(s.slab, make([]byte, PageSize))
	}
	return start
}

func pageAlign(x uint64) uint64   { return x &^ (PageSize - 1) }
func pageAlignUp(x uint64) uint64 { return (x + PageSize - 1) &^ (PageSize - 1) }

func protFlags(p Prot) uint32 {
	var f uint32
	if p&ProtWrite != 0 {
		f |= PteWritable
	}
	if p&ProtExec == 0 {
		f |= PteNX
	}
	return f | PtePresent
}

// overlaps reports whether any page in [addr, addr+size) already has a
// leaf PTE (present or reserved).
func (a *AddressSpace) overlaps(addr, size uint64) bool {
	for va := pageAlign(addr); va < addr+size; va += PageSize {
		if slot := a.ptePtr(va, false); slot != nil && *slot != nil {
			return true
		}
	}
	return false
}

// SysMmap implements the guest mmap(2) contract described in spec §4.3:
// automap placement when MAP_FIXED is unset, the VSS cap check, and
// anonymous-vs-file-backed reservation. fd<0 means anonymous regardless of
// flags (spec: "writable shared file mappings require the underlying fd to
// be read-write", enforced by the caller via fdWritable).
func (s *Space) SysMmap(addr, size uint64, prot Prot, flags MapFlags, fd int, offset int64, fdWritable bool) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("vmem: mmap size 0")
	}
	size = pageAlignUp(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	if flags&MapShared != 0 && prot&ProtWrite != 0 && fd >= 0 && !fdWritable {
		return 0, fmt.Errorf("vmem: writable MAP_SHARED requires a read-write fd")
	}

	if flags&MapFixed == 0 && (addr == 0 || s.overlaps(addr, size)) {
		addr = s.pickAutomap(size)
		if addr == 0 {
			return 0, fmt.Errorf("vmem: no free automap range for %d bytes", size)
		}
	}

	pages := uint64(size / PageSize)
	if s.Limits.MaxVss != 0 && s.committed+s.reserved+pages > s.Limits.MaxVss {
		return 0, fmt.Errorf("vmem: mmap would exceed vss limit")
	}

	shared := flags&MapShared != 0
	for i := uint64(0); i < pages; i++ {
		va := addr + i*PageSize
		s.reservePTE(va, protFlags(prot), shared, fd, offset+int64(i*PageSize))
	}
	if prot&ProtExec != 0 && s.OnExecutable != nil {
		s.OnExecutable(addr, addr+size)
	}
	return addr, nil
}

// reservePTE installs a PTE for va without materializing a backing page
// (spec: "Reservation creates PTEs for a range without backing pages;
// commit materializes them on first touch").
func (s *Space) reservePTE(va uint64, flags uint32, shared bool, fd int, offset int64) {
	slot := s.ptePtr(va, true)
	*slot = &PTE{Flags: flags, Reserved: true, Shared: shared, FD: fd, Offset: offset}
	s.reserved++
}

// commit materializes the backing page for a reserved PTE on first touch.
func (s *Space) commit(pte *PTE) {
	if !pte.Reserved {
		return
	}
	pte.HostPage = s.reserveReal(1)
	pte.Reserved = false
	s.reserved--
	s.committed++
}

// Touch materializes the page at va if it is reserved-but-not-committed,
// returning the host pointer. Called from the fault path when a decoded
// memory operand resolves to an unmapped-but-reserved page.
func (s *Space) Touch(va uint64, tlb *ThreadTLB) (*byte, *PTE) {
	s.mu.Lock()
	slot := s.ptePtr(va, false)
	if slot == nil || *slot == nil {
		s.mu.Unlock()
		return nil, nil
	}
	pte := *slot
	if pte.Reserved {
		s.commit(pte)
	}
	s.mu.Unlock()
	vpn := va >> PageShift
	tlb.insert(vpn, pte)
	return s.hostPtr(pte, va&(PageSize-1)), pte
}

func (s *Space) pickAutomap(size uint64) uint64 {
	for tries := 0; tries < 2; tries++ {
		for s.automapCursor+size <= AutomapEnd {
			addr := s.automapCursor
			if !s.overlaps(addr, size) {
				s.automapCursor = addr + size
				return addr
			}
			s.automapCursor += PageSize
		}
		s.automapCursor = AutomapStart
	}
	return 0
}

// SysMunmap tears down PTEs across [addr, addr+size), restoring the page
// table to the state required by spec §8's mmap/munmap round-trip law
// (modulo accounting counters, which are never expected to round-trip to
// the exact pre-mmap value if the backing slab has grown).
func (s *Space) SysMunmap(addr, size uint64) error {
	size = pageAlignUp(size)
	s.mu.Lock()
	defer s.mu.Unlock()
	for va := pageAlign(addr); va < addr+size; va += PageSize {
		slot := s.ptePtr(va, false)
		if slot == nil || *slot == nil {
			continue
		}
		pte := *slot
		if pte.Reserved {
			s.reserved--
		} else {
			s.committed--
		}
		*slot = nil
	}
	s.InvalidateSystemLocked()
	return nil
}

// InvalidateSystemLocked is InvalidateSystem for callers already holding
// a.mu (mmap.go operations run under the lock; pagetable.go's public
// InvalidateSystem is for callers without it, e.g. SysMprotect after it
// has released the lock).
func (a *AddressSpace) InvalidateSystemLocked() {
	for _, t := range a.tlbs {
		t.Reset()
	}
}

// SysMprotect changes PTE protection bits across a range. Any range that
// becomes executable invalidates JIT hooks over it (spec §4.3
// "ClearJitHooks"); any protection change at all must invalidate every
// thread's TLB since a cached PTE pointer's Flags may now be stale.
func (s *Space) SysMprotect(addr, size uint64, prot Prot) error {
	size = pageAlignUp(size)
	s.mu.Lock()
	becameExec := prot&ProtExec != 0
	for va := pageAlign(addr); va < addr+size; va += PageSize {
		slot := s.ptePtr(va, false)
		if slot == nil || *slot == nil {
			s.mu.Unlock()
			return fmt.Errorf("vmem: mprotect on unmapped page %#x", va)
		}
		(*slot).Flags = protFlags(prot)
	}
	s.mu.Unlock()
	s.InvalidateSystem()
	if becameExec && s.OnExecutable != nil {
		s.OnExecutable(pageAlign(addr), pageAlign(addr)+size)
	}
	return nil
}

// Fork deep-copies the address space for fork(2)/clone without
// CLONE_VM: every committed page gets its own backing slab entry so
// parent and child diverge independently from this point on (spec §3:
// fork "duplicates the process", not shares it — no copy-on-write, since
// nothing downstream of this model needs the memory savings). Reserved
// (not-yet-committed) PTEs are copied as-is; registered TLBs are not
// copied, since the child starts with none and acquires its own as its
// threads run.
func (s *Space) Fork() *Space {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := &Space{
		AddressSpace:  NewAddressSpace(),
		Limits:        s.Limits,
		automapCursor: s.automapCursor,
		brk:           s.brk,
		brkStart:      s.brkStart,
		OnExecutable:  s.OnExecutable,
	}
	s.forkRange(child.AddressSpace)
	return child
}

func (s *Space) forkRange(dst *AddressSpace) {
	s.walkLeaves(func(va uint64, pte *PTE) {
		cp := *pte
		if !pte.Reserved {
			cp.HostPage = uint64(len(dst.slab))
			page := make([]byte, PageSize)
			copy(page, s.slab[pte.HostPage])
			dst.slab = append(dst.slab, page)
			dst.committed++
		} else {
			dst.reserved++
		}
		slot := dst.ptePtr(va, true)
		*slot = &cp
	})
}

// walkLeaves visits every present leaf PTE in the tree along with the
// guest virtual address it belongs to.
func (a *AddressSpace) walkLeaves(fn func(va uint64, pte *PTE)) {
	for i3, l3 := range a.root.entries {
		if l3 == nil {
			continue
		}
		for i2, l2 := range l3.entries {
			if l2 == nil {
				continue
			}
			for i1, l1 := range l2.entries {
				if l1 == nil {
					continue
				}
				for i0, pte := range l1.leaves {
					if pte == nil {
						continue
					}
					va := (uint64(i3) << 39) | (uint64(i2) << 30) | (uint64(i1) << 21) | (uint64(i0) << 12)
					fn(va, pte)
				}
			}
		}
	}
}

// SysBrk grows or shrinks the program break, subject to the same VSS
// check as mmap (spec §4.3).
func (s *Space) SysBrk(newBrk uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.brkStart == 0 {
		s.brkStart = newBrk
		s.brk = newBrk
		return s.brk, nil
	}
	if newBrk == 0 {
		return s.brk, nil
	}
	old := pageAlignUp(s.brk)
	want := pageAlignUp(newBrk)
	if want > old {
		pages := (want - old) / PageSize
		if s.Limits.MaxVss != 0 && s.committed+s.reserved+pages > s.Limits.MaxVss {
			return s.brk, fmt.Errorf("vmem: brk would exceed vss limit")
		}
		for va := old; va < want; va += PageSize {
			s.reservePTE(va, protFlags(ProtRead|ProtWrite), false, -1, 0)
		}
	} else if want < old {
		for va := want; va < old; va += PageSize {
			slot := s.ptePtr(va, false)
			if slot != nil && *slot != nil {
				if (*slot).Reserved {
					s.reserved--
				} else {
					s.committed--
				}
				*slot = nil
			}
		}
	}
	s.brk = newBrk
	return s.brk, nil
}
