package ast

import (
	"github.com/go-kit/log/level"

	"defs"
	"mmap"
	"writeback"
)

/// ActivateAndWire resolves uid/seg to an ASTE, creating the AOTE and
/// ASTE if necessary, and increments the ASTE's wire count so it
/// cannot be deactivated out from under the caller while I/O is in
/// flight. The caller must eventually decrement via UnwireAste (see
/// Assoc, which does this itself around a single pmap_assoc call).
func (s *State) ActivateAndWire(uid defs.Uid_t, seg uint16, vol defs.VolIdx, remote bool, node defs.NodeId) (AsteId, defs.Err_t) {
	aoteId, err := s.ForceActivateSegment(uid, vol, remote, node)
	if err != defs.OK {
		return AsteNil, err
	}
	asteId := s.LookupOrCreateAste(aoteId, seg)
	s.mu.Lock()
	s.aste(asteId).WireCount++
	s.mu.Unlock()
	return asteId, defs.OK
}

/// MsteActivateAndWire is the variant entered with an already-resolved
/// AOTE (an "mste", a caller-held object handle), skipping the
/// UID-hash lookup.
func (s *State) MsteActivateAndWire(aoteId AoteId, seg uint16) AsteId {
	asteId := s.LookupOrCreateAste(aoteId, seg)
	s.mu.Lock()
	s.aste(asteId).WireCount++
	s.mu.Unlock()
	return asteId
}

/// UnwireAste decrements an ASTE's wire count, the counterpart to
/// ActivateAndWire/MsteActivateAndWire.
func (s *State) UnwireAste(id AsteId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aste(id).WireCount == 0 {
		panic("ast: unwire of unwired ASTE")
	}
	s.aste(id).WireCount--
}

/// DeactivateSegment removes id from service: it must have zero wire
/// count and not already be in transition. It flushes every installed
/// page via the PMAP layer, writes the segment map back through
/// UpdateAste unless purgeMode is negative, then unlinks the ASTE from
/// its AOTE. The caller's identity and the ASTE's DIRTY flag are not
/// checked: any caller may deactivate a dirty segment.
func (s *State) DeactivateSegment(id AsteId, purgeMode int) defs.Err_t {
	s.mu.Lock()
	a := s.aste(id)
	if a.InTransition() || a.WireCount != 0 {
		s.mu.Unlock()
		return defs.AstSegmentNotDeactivatable
	}
	a.setFlag(asteInTransition, true)
	aoteId := a.Aote
	segIndex := uint32(id)
	s.mu.Unlock()

	refCount := func(f mmap.FrameId) uint32 { return s.frames.Peek(f).WireCount }
	flushErr := writeback.InvalidateWithWait(s.pmapSt, s.frames, &a.SegMap, segIndex, 0, 32, refCount)

	if flushErr == defs.OK && purgeMode >= 0 {
		flushErr = s.UpdateAste(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if flushErr != defs.OK {
		a.setFlag(asteInTransition, false)
		s.transEC.Advance()
		level.Error(s.logger).Log("msg", "deactivate_segment flush failed", "aste", id, "err", flushErr)
		return flushErr
	}
	s.unlinkAsteFromAote(aoteId, id)
	a.setFlag(asteInTransition, false)
	s.transEC.Advance()
	return defs.OK
}

/// ReleasePages deactivates id and, on success, returns its ASTE to
/// the free list — the combination used when a caller wants the
/// segment gone entirely rather than merely flushed.
func (s *State) ReleasePages(id AsteId) defs.Err_t {
	if err := s.DeactivateSegment(id, 1); err != defs.OK {
		return err
	}
	s.mu.Lock()
	s.pushFreeAste(id)
	s.mu.Unlock()
	return defs.OK
}

/// Invalidate demotes pages [startPage,endPage) of (uid, seg) back to
/// their disk-address form. flags selects the with-wait subroutine
/// (fails PmapHasRefs on a referenced installed page) vs. the no-wait
/// subroutine (skips in-transition pages, moves unwired frames with a
/// zero refcount to the impure pool instead of freeing them).
func (s *State) Invalidate(aoteId AoteId, seg uint16, startPage, endPage uint8, withWait bool) defs.Err_t {
	asteId, ok := s.LookupAste(aoteId, seg)
	if !ok {
		return defs.OK
	}
	a := s.aste(asteId)
	refCount := func(f mmap.FrameId) uint32 { return s.frames.Peek(f).WireCount }
	var err defs.Err_t
	if withWait {
		err = writeback.InvalidateWithWait(s.pmapSt, s.frames, &a.SegMap, uint32(asteId), startPage, endPage, refCount)
	} else {
		writeback.InvalidateNoWait(s.pmapSt, s.frames, &a.SegMap, startPage, endPage, refCount)
	}
	if err == defs.OK {
		s.mu.Lock()
		a.setFlag(asteDirty, true)
		s.mu.Unlock()
	}
	return err
}

/// FreePages releases [start,end) of id's segment map entirely,
/// freeing installed frames back to the pool and releasing disk
/// addresses via the caller-supplied BAT collaborator.
func (s *State) FreePages(id AsteId, start, end uint8, flushInstalled func([]mmap.FrameId), bat interface {
	Free(addrs []uint32, flags uint8) defs.Err_t
}, vol defs.VolIdx) {
	a := s.aste(id)
	writeback.FreePages(s.pmapSt, s.frames, batAdapter{bat}, vol, &a.SegMap, uint32(id), start, end, flushInstalled)
	s.mu.Lock()
	a.setFlag(asteDirty, true)
	s.mu.Unlock()
}

type batAdapter struct {
	b interface {
		Free(addrs []uint32, flags uint8) defs.Err_t
	}
}

func (a batAdapter) Reserve(vol defs.VolIdx, count int) defs.Err_t { return defs.OK }
func (a batAdapter) Allocate(vol defs.VolIdx, hint uint32, count int) ([]uint32, defs.Err_t) {
	return nil, defs.OK
}
func (a batAdapter) Free(addrs []uint32, flags uint8) defs.Err_t { return a.b.Free(addrs, flags) }

/// ProcessAote evicts aote's resident state: every ASTE is
/// deactivated and freed, then (unless flags1 signals "skip purify")
/// the AOTE's own attributes are purified, and it is removed from the
/// hash table. Used by both the eviction scanner and dismount. wait
/// controls whether an in-transition ASTE is waited out or causes the
/// whole call to back off.
func (s *State) ProcessAote(id AoteId, flags1, flags2 int, wait bool) defs.Err_t {
	s.mu.Lock()
	a := s.aote(id)
	if a.Busy() || a.InTransition() {
		s.mu.Unlock()
		return defs.AstIncompatibleRequest
	}
	if a.System() && flags2 >= 0 {
		s.mu.Unlock()
		return defs.AstIncompatibleRequest
	}
	a.setFlag(aoteInTransition, true)
	cur := a.AsteHead
	s.mu.Unlock()

	for cur != AsteNil {
		s.mu.Lock()
		aste := s.aste(cur)
		if aste.InTransition() {
			if !wait {
				s.mu.Unlock()
				s.mu.Lock()
				a.setFlag(aoteInTransition, false)
				s.transEC.Advance()
				s.mu.Unlock()
				return defs.AstIncompatibleRequest
			}
			v := s.transEC.Read()
			s.mu.Unlock()
			s.transEC.WaitFor(v + 1)
			continue
		}
		next := aste.Next
		s.mu.Unlock()

		if err := s.DeactivateSegment(cur, 1); err != defs.OK {
			s.mu.Lock()
			a.setFlag(aoteInTransition, false)
			s.transEC.Advance()
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
		s.pushFreeAste(cur)
		s.mu.Unlock()
		cur = next
	}

	if flags1 >= 0 {
		s.PurifyAote(id)
	}

	s.mu.Lock()
	s.unlinkAoteHash(id)
	a.setFlag(aoteInTransition, false)
	s.transEC.Advance()
	s.mu.Unlock()
	return defs.OK
}

// Tunable caps for the periodic update sweep.
const (
	updateMaxAstes = 32
	updateMaxAotes = 75
)

/// Update is the periodic sweep: starting from a persistent cursor, it
/// visits up to updateMaxAotes AOTEs, skipping any with a nonzero
/// refcount or that are busy or in transition, and writes back
/// DIRTY+idle+unwired ASTEs of the rest, up to updateMaxAstes in total.
/// AOTEs are not filtered by the area flag, and watermark is not
/// consulted: no ASTE is skipped for its last-touch timestamp. Each
/// visited AOTE is also purified if clean. Returns the number of ASTEs
/// written back and AOTEs visited.
func (s *State) Update(watermark uint32) (astesDone, aotesDone int) {
	s.mu.Lock()
	start := s.aoteCursor
	if start == AoteNil {
		start = 1
	}
	s.mu.Unlock()

	cur := start
	for aotesDone < updateMaxAotes && astesDone < updateMaxAstes {
		s.mu.Lock()
		idx := AoteId(1 + (int(cur)-1)%(len(s.aotes)-1))
		a := s.aote(idx)
		if a.RefCount != 0 || a.Busy() || a.InTransition() {
			s.mu.Unlock()
			cur++
			aotesDone++
			if int(cur) > len(s.aotes)-1 {
				break
			}
			continue
		}
		asteId := a.AsteHead
		s.mu.Unlock()

		for asteId != AsteNil && astesDone < updateMaxAstes {
			s.mu.Lock()
			aste := s.aste(asteId)
			next := aste.Next
			due := aste.Dirty() && !aste.InTransition() && aste.WireCount == 0
			s.mu.Unlock()
			if due {
				aste.setFlag(asteInTransition, true)
				s.UpdateAste(asteId)
				s.mu.Lock()
				aste.setFlag(asteInTransition, false)
				s.transEC.Advance()
				s.mu.Unlock()
				astesDone++
			}
			asteId = next
		}

		s.PurifyAote(idx)
		aotesDone++
		cur++
		if int(cur) > len(s.aotes)-1 {
			break
		}
	}

	s.mu.Lock()
	if int(cur) > len(s.aotes)-1 {
		s.aoteCursor = 1
	} else {
		s.aoteCursor = cur
	}
	s.mu.Unlock()
	return astesDone, aotesDone
}
