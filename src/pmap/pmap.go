/// Package pmap implements the segment-map slot layout and the
/// associate/disassociate operations that install or remove a frame
/// at a (segment, page) slot while keeping the MMU and the frame
/// table's back-pointers consistent.
///
/// It deliberately knows nothing about UIDs, AOTEs, or ASTEs — it
/// operates on a raw *SegMap array, a frame table, and an Mmu
/// collaborator, so the ast package can call down into it without a
/// cyclic import.
package pmap

import (
	"sync"

	"defs"
	"ec"
	"mmap"
)

// Segment-map slot bit layout.
const (
	bitInTransition = 1 << 31
	bitInUse        = 1 << 30
	bitWired        = 1 << 29
	bitCow          = 1 << 22
	frameMask       = 0xffff
	diskAddrMask    = 0x3fffff
)

/// Slot is one bit-packed 32-bit segment-map entry.
type Slot uint32

func (s Slot) InTransition() bool { return s&bitInTransition != 0 }
func (s Slot) InUse() bool        { return s&bitInUse != 0 }
func (s Slot) Wired() bool        { return s&bitWired != 0 }
func (s Slot) Cow() bool          { return s&bitCow != 0 }

/// Frame extracts the installed frame number. Only meaningful when
/// InUse is set.
func (s Slot) Frame() mmap.FrameId { return mmap.FrameId(uint32(s) & frameMask) }

/// DiskAddr extracts the disk address. Only meaningful when InUse is
/// clear.
func (s Slot) DiskAddr() uint32 { return uint32(s) & diskAddrMask }

func (s Slot) withTransition(v bool) Slot {
	if v {
		return s | bitInTransition
	}
	return s &^ bitInTransition
}

func installedSlot(frame mmap.FrameId, wired, cow bool) Slot {
	s := Slot(bitInUse) | Slot(uint32(frame)&frameMask)
	if wired {
		s |= bitWired
	}
	if cow {
		s |= bitCow
	}
	return s
}

func diskSlot(addr uint32, cow bool) Slot {
	s := Slot(addr & diskAddrMask)
	if cow {
		s |= bitCow
	}
	return s
}

/// SlotFromDiskAddr builds an un-installed slot from an on-disk FM
/// word, the form update_aste/fm_read exchange: bit 31 of the word
/// marks COW, the low 22 bits are the disk address.
func SlotFromDiskAddr(word uint32) Slot {
	return diskSlot(word&diskAddrMask, word&(1<<31) != 0)
}

/// SegMap is the 32-entry per-ASTE table.
type SegMap [32]Slot

/// Mmu is the collaborator contract for installing, removing, and
/// querying hardware page-table entries. A real kernel backs this
/// with actual page tables; tests back it with an in-memory map.
type Mmu interface {
	Install(frame mmap.FrameId, segIndex uint32, page uint8, wired bool)
	Remove(segIndex uint32, page uint8)
}

/// State bundles the PMAP lock and the in-transition event count. One
/// State is shared by every SegMap in the system — the spec's "PMAP
/// lock" is a single coarse lock, not one per segment.
type State struct {
	mu      sync.Mutex
	transEC ec.EventCount
	frames  *mmap.Table
	mmu     Mmu
}

func NewState(frames *mmap.Table, mmu Mmu) *State {
	return &State{frames: frames, mmu: mmu}
}

/// Lock acquires the PMAP lock. Exposed so the ast package's touch and
/// deactivate_segment, which hold the PMAP lock across several pmap
/// calls, can do so explicitly per the AST→PMAP→MMAP-spin ordering.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

/// WaitForTransition blocks until slot is no longer IN_TRANSITION,
/// releasing the PMAP lock while waiting and reacquiring it before
/// returning, mirroring wait_for_page_transition.
func (s *State) WaitForTransition(sm *SegMap, idx int) {
	for sm[idx].InTransition() {
		v := s.transEC.Read()
		s.mu.Unlock()
		s.transEC.WaitFor(v + 1)
		s.mu.Lock()
	}
}

/// ClearTransitionBits clears IN_TRANSITION over [start,end) and
/// advances the PMAP-in-trans EC so any parked waiters re-check.
/// Caller holds the PMAP lock.
func (s *State) ClearTransitionBits(sm *SegMap, start, end int) {
	for i := start; i < end; i++ {
		sm[i] = sm[i].withTransition(false)
	}
	s.transEC.Advance()
}

/// SetTransitionBits marks IN_TRANSITION over [start,end). Caller
/// holds the PMAP lock.
func (s *State) SetTransitionBits(sm *SegMap, start, end int) {
	for i := start; i < end; i++ {
		sm[i] = sm[i].withTransition(true)
	}
}

/// Assoc installs frame at sm[page], per pmap_assoc. Caller holds the
/// PMAP lock and has already waited out any IN_TRANSITION state on the
/// slot. segIndex identifies the owning ASTE's segment-map index, used
/// to stamp the frame's back-pointer.
func (s *State) Assoc(sm *SegMap, segIndex uint32, page uint8, frame mmap.FrameId, wired, cow bool) defs.Err_t {
	slot := sm[page]
	if slot == 0 {
		// No disk backing established yet (untouched slot): the caller
		// must run touch first to create one.
		return defs.PmapBadAssoc
	}
	if slot.InUse() {
		old := slot.Frame()
		of := s.frameEntry(old)
		if of.WireCount > 0 {
			return defs.PmapHasRefs
		}
		if slot.Wired() {
			s.mmu.Remove(segIndex, page)
		}
		diskAddr := of.DiskAddr
		sm[page] = diskSlot(diskAddr, slot.Cow())
		s.frames.UnavailableRemove(old)
		s.frames.Avail(old)
	}
	if frame == mmap.FrameNil {
		panic("pmap: assoc with nil frame")
	}
	f := s.frameEntry(frame)
	f.SegIndex = segIndex
	f.PageInSeg = page
	f.DiskAddr = sm[page].DiskAddr()
	s.mmu.Install(frame, segIndex, page, wired)
	sm[page] = installedSlot(frame, wired, cow)
	return defs.OK
}

/// AssocArea is the area-segment variant of Assoc: identical
/// invariants, no AOTE-level concurrency check (the caller already
/// did that, since area segments don't have per-object concurrency
/// tokens).
func (s *State) AssocArea(sm *SegMap, segIndex uint32, page uint8, frame mmap.FrameId, wired, cow bool) defs.Err_t {
	return s.Assoc(sm, segIndex, page, frame, wired, cow)
}

/// InvalidatePage removes the MMU mapping at sm[page] if installed,
/// restores the slot to its disk-address form, removes the frame from
/// its working-set list, and returns it; freeing it is left to the
/// caller.
func (s *State) InvalidatePage(sm *SegMap, segIndex uint32, page uint8) mmap.FrameId {
	slot := sm[page]
	if !slot.InUse() {
		return mmap.FrameNil
	}
	frame := slot.Frame()
	f := s.frameEntry(frame)
	if slot.Wired() {
		s.mmu.Remove(segIndex, page)
	}
	sm[page] = diskSlot(f.DiskAddr, slot.Cow())
	s.frames.UnavailableRemove(frame)
	return frame
}

func (s *State) frameEntry(id mmap.FrameId) *mmap.Frame {
	// Peek hands back the frame entry itself; pmap reads and sets its
	// fields directly while holding the PMAP lock.
	return s.frames.Peek(id)
}
