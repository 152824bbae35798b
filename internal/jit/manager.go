package jit

import "encoding/binary"

// pendingJump is a recorded call site waiting on a hook's publication so
// it can be rewritten into a direct jump (spec §4.4's intra-JIT splicing).
type pendingJump struct {
	block  *Block
	offset int
	addend int32
	tries  int
}

// jumpsByHook indexes pendingJump by the guest PC its call site dispatches
// through; Jit owns this (rather than each Block) because splicing can
// target a hook published from a different block than the one recording
// the jump.
type jumpRegistry struct {
	m map[uint64][]*pendingJump
}

func (j *Jit) recordJump(targetPC uint64, b *Block, offset int, addend int32) {
	if !b.immediate {
		return
	}
	if j.jumps.m == nil {
		j.jumps.m = make(map[uint64][]*pendingJump)
	}
	j.jumps.m[targetPC] = append(j.jumps.m[targetPC], &pendingJump{block: b, offset: offset, addend: addend})
}

// FinishJit pads the block, publishes (or stages) the hook for startPC,
// and walks/rewrites any pending jumps aimed at startPC (spec §4.4
// "Finish" + "Hook publication"). On overflow it returns ErrOOM, growing
// the block-size attribute when the failed function consumed more than
// half a block; pending jumps are left as they are.
func (j *Jit) FinishJit(b *Block, startPC uint64) error {
	b.padToAlign()
	if b.OOM() {
		j.mu.Lock()
		if b.index-b.start > b.size/2 {
			j.blockSize += j.blockSize / 2
		}
		j.mu.Unlock()
		return ErrOOM
	}
	b.state = stateFinishing
	offset := uint32(b.base + uintptr(b.start) - j.imageEnd)

	if b.immediate {
		j.Hooks.Set(startPC, offset)
		j.publishSplices(startPC, b, b.start)
	} else {
		b.staged = append(b.staged, stage{pc: startPC, offset: offset, start: b.start, index: b.index})
		j.commitStaged(b)
	}
	b.state = stateCommitted
	return nil
}

// commitStaged advances a non-immediate block's committed watermark by
// one page at a time, flipping newly-covered pages to R-X, and
// publishing (Hooks.Set + pending-jump splicing) any stage whose code
// has fallen behind the new watermark — a hook must never become
// visible to the dispatcher before the page holding it is executable.
func (j *Jit) commitStaged(b *Block) {
	target := b.index &^ (pageSize - 1)
	if target <= b.committed {
		return
	}
	if err := b.commitRange(target); err != nil {
		return
	}
	remaining := b.staged[:0]
	for _, s := range b.staged {
		if s.index <= b.committed {
			j.Hooks.Set(s.pc, s.offset)
			j.publishSplices(s.pc, b, s.start)
			continue
		}
		remaining = append(remaining, s)
	}
	b.staged = remaining
}

// publishSplices rewrites every pending call site aimed at targetPC into
// a direct 5-byte rel32 jmp now that its native function lives at
// b.base+startOffset (spec §4.4: "rewriting pending call-sites into
// direct jumps (5 bytes on x86-64; 4 on AArch64)"). Jumps age by a retry
// counter and are dropped after JumpTries unsuccessful visits.
func (j *Jit) publishSplices(targetPC uint64, b *Block, startOffset int) {
	pending := j.jumps.m[targetPC]
	if len(pending) == 0 {
		return
	}
	var kept []*pendingJump
	targetAddr := b.base + uintptr(startOffset)
	for _, p := range pending {
		if !p.block.immediate || p.block.state == stateCommitted && p.offset+5 > len(p.block.bytes()) {
			p.tries++
			if p.tries < JumpTries {
				kept = append(kept, p)
			}
			continue
		}
		siteAddr := p.block.base + uintptr(p.offset)
		rel := int32(int64(targetAddr) - int64(siteAddr+5) + int64(p.addend))
		buf := p.block.bytes()
		buf[p.offset] = 0xe9 // jmp rel32
		binary.LittleEndian.PutUint32(buf[p.offset+1:], uint32(rel))
	}
	j.jumps.m[targetPC] = kept
}

// AbandonJit discards an in-progress lease without publishing anything:
// the builder hit a still-compiling region, the JIT block ran out of
// space, or the next instruction wasn't absorbable. The write index is
// rewound to the lease start; recorded jumps are not touched.
func (j *Jit) AbandonJit(b *Block) {
	b.index = b.start
	b.state = stateFinishing
	j.Relinquish(b, b.index == 0)
}
