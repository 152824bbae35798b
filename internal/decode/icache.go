package decode

// ICacheSize is the number of recently decoded raw-byte bundles a Machine's
// op cache keeps (spec §3, Machine "op cache holding an icache of 1024
// recently decoded bundles").
const ICacheSize = 1024

type icacheEntry struct {
	valid bool
	pc    uint64
	len   int
	bytes [MaxInstLen]byte
}

// ICache caches the raw byte bundle at a guest PC so repeated decodes (the
// common case for a hot loop not yet JIT-compiled, or a path-builder retry)
// avoid re-fetching bytes across the TLB/page-table path (spec §4.1).
type ICache struct {
	entries [ICacheSize]icacheEntry
}

func icacheSlot(pc uint64) int { return int(pc % ICacheSize) }

// Lookup returns the cached bundle for pc, or ok=false on a miss.
func (c *ICache) Lookup(pc uint64) (bytes []byte, ok bool) {
	e := &c.entries[icacheSlot(pc)]
	if e.valid && e.pc == pc {
		return e.bytes[:e.len], true
	}
	return nil, false
}

// Insert records the bundle decoded at pc.
func (c *ICache) Insert(pc uint64, data []byte) {
	e := &c.entries[icacheSlot(pc)]
	e.valid = true
	e.pc = pc
	e.len = copy(e.bytes[:], data)
}

// Reset invalidates every entry. Called on mode change or any other event
// that could make a cached bundle decode differently at the same PC
// (spec §4.1, "ResetInstructionCache").
func (c *ICache) Reset() {
	for i := range c.entries {
		c.entries[i].valid = false
	}
}
