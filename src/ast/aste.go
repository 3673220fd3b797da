package ast

import (
	"github.com/go-kit/log/level"

	"defs"
	"extern"
	"pmap"
)

// popFreeAste pops the free-list head, if any. Caller holds s.mu.
func (s *State) popFreeAste() (AsteId, bool) {
	if s.asteFree == AsteNil {
		return AsteNil, false
	}
	id := s.asteFree
	s.asteFree = s.aste(id).freeNext
	return id, true
}

func (s *State) pushFreeAste(id AsteId) {
	a := s.aste(id)
	// The zero value has Aote == AoteNil, so a racing lookup that
	// reaches this entry mid-free sees "no owner" rather than a stale
	// IN_TRANSITION bit it would otherwise need to wait out.
	*a = Aste{freeNext: s.asteFree}
	s.asteFree = id
}

/// AllocateAste obtains a fresh ASTE, preferring the free list; if
/// empty, scans a bounded window for low-page-count, non-busy,
/// non-wired candidates, evicting the best one via DeactivateSegment
/// + FreeAste. Exhaustion (every ASTE wired) is fatal.
func (s *State) AllocateAste() AsteId {
	s.mu.Lock()
	if id, ok := s.popFreeAste(); ok {
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()

	if id, ok := s.scanForAste(asteScanCandidates); ok {
		return id
	}
	if id, ok := s.scanForAste(len(s.astes) - 1); ok {
		return id
	}
	panic("ast: ASTE table exhausted")
}

func (s *State) scanForAste(window int) (AsteId, bool) {
	s.mu.Lock()
	start := s.asteCursor
	if start == AsteNil {
		start = 1
	}
	best := make([]AsteId, 0, 2)
	for i := 0; i < window && i < len(s.astes)-1; i++ {
		id := AsteId(1 + (int(start)-1+i)%(len(s.astes)-1))
		a := s.aste(id)
		if a.Locked() || a.Busy() || a.WireCount != 0 || a.Aote == AoteNil {
			continue
		}
		if a.PageCount == 0 {
			s.asteCursor = id + 1
			s.mu.Unlock()
			s.freeExistingAste(id)
			return id, true
		}
		best = append(best, id)
		if len(best) >= 2 {
			break
		}
	}
	s.asteCursor = start + AsteId(window)
	s.mu.Unlock()
	for _, id := range best {
		if s.deactivateAndFree(id) {
			return id, true
		}
	}
	return AsteNil, false
}

func (s *State) freeExistingAste(id AsteId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aste(id)
	if a.Aote != AoteNil {
		s.unlinkAsteFromAote(a.Aote, id)
	}
	s.pushFreeAste(id)
}

func (s *State) deactivateAndFree(id AsteId) bool {
	if s.DeactivateSegment(id, 1) != defs.OK {
		return false
	}
	s.freeExistingAste(id)
	return true
}

// unlinkAsteFromAote removes asteId from aoteId's sorted ASTE chain.
// Caller holds s.mu.
func (s *State) unlinkAsteFromAote(aoteId AoteId, asteId AsteId) {
	a := s.aote(aoteId)
	if a.AsteHead == asteId {
		a.AsteHead = s.aste(asteId).Next
		a.AsteCnt--
		s.bumpTypeCounters(asteId, -1)
		return
	}
	cur := a.AsteHead
	for cur != AsteNil {
		next := s.aste(cur).Next
		if next == asteId {
			s.aste(cur).Next = s.aste(asteId).Next
			a.AsteCnt--
			s.bumpTypeCounters(asteId, -1)
			return
		}
		cur = next
	}
}

func (s *State) bumpTypeCounters(id AsteId, delta int) {
	a := s.aste(id)
	switch {
	case a.Area():
		s.areaAsteCount += delta
	case a.Remote():
		s.remoteAsteCount += delta
	default:
		s.localAsteCount += delta
	}
}

/// LookupAste walks aote's descending-segment ASTE list for seg.
/// Because the list is sorted descending, an entry with segment ≤ seg
/// but not equal means seg is absent. Entries found IN_TRANSITION are
/// waited out (with the AOTE refcount bumped) and the walk restarts.
func (s *State) LookupAste(aoteId AoteId, seg uint16) (AsteId, bool) {
	for {
		s.mu.Lock()
		cur := s.aote(aoteId).AsteHead
		for cur != AsteNil {
			a := s.aste(cur)
			if a.Segment == seg {
				if a.InTransition() {
					s.aote(aoteId).RefCount++
					v := s.transEC.Read()
					s.mu.Unlock()
					s.transEC.WaitFor(v + 1)
					s.mu.Lock()
					s.aote(aoteId).RefCount--
					cur = s.aote(aoteId).AsteHead
					continue
				}
				s.mu.Unlock()
				return cur, true
			}
			if a.Segment < seg {
				break
			}
			cur = a.Next
		}
		s.mu.Unlock()
		return AsteNil, false
	}
}

/// LookupOrCreateAste returns the existing ASTE for (aote, seg) if
/// present, or allocates and links in a fresh one. A race between two
/// creators of the same (aote, seg) is detected after allocation: the
/// loser frees its new ASTE and returns the winner's.
func (s *State) LookupOrCreateAste(aoteId AoteId, seg uint16) AsteId {
	if id, ok := s.LookupAste(aoteId, seg); ok {
		return id
	}
	newId := s.AllocateAste()
	s.mu.Lock()
	if id, ok := s.lookupAsteLocked(aoteId, seg); ok {
		s.mu.Unlock()
		s.pushFreeAste(newId)
		return id
	}
	a := s.aste(newId)
	*a = Aste{Aote: aoteId, Segment: seg}
	remote := s.aote(aoteId).Remote()
	if remote {
		a.setFlag(asteRemote, true)
	}
	s.insertAsteSorted(aoteId, newId)
	s.bumpTypeCounters(newId, 1)
	uid, vol := s.aote(aoteId).Uid, s.aote(aoteId).Vol
	s.mu.Unlock()

	if !remote {
		s.loadSegMapFromFm(newId, uid, vol, seg)
	}
	return newId
}

// loadSegMapFromFm populates a freshly-created local ASTE's segment
// map from the object's on-disk file map, the one-time seed that lets
// touch see real disk addresses instead of an all-zero, untouched map.
func (s *State) loadSegMapFromFm(id AsteId, uid defs.Uid_t, vol defs.VolIdx, seg uint16) {
	info := extern.ObjInfo{Uid: uid, Vol: vol}
	fmPtr, _, err := s.vtoc.LookupFm(info, seg, 0)
	if err != defs.OK {
		return
	}
	var buf [32]uint32
	if s.fm.Read(info, fmPtr, seg, &buf) != defs.OK {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aste(id)
	a.vtoceFmPtr = fmPtr
	for i := 0; i < 32; i++ {
		a.SegMap[i] = pmap.SlotFromDiskAddr(buf[i])
	}
}

/// AoteOf returns the AOTE id owning asteId, for callers (tests, the
/// demo harness) that only hold an ASTE handle.
func (s *State) AoteOf(asteId AsteId) AoteId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aste(asteId).Aote
}

func (s *State) lookupAsteLocked(aoteId AoteId, seg uint16) (AsteId, bool) {
	cur := s.aote(aoteId).AsteHead
	for cur != AsteNil {
		a := s.aste(cur)
		if a.Segment == seg {
			return cur, true
		}
		if a.Segment < seg {
			return AsteNil, false
		}
		cur = a.Next
	}
	return AsteNil, false
}

// insertAsteSorted links asteId into aoteId's descending-segment list.
// Caller holds s.mu.
func (s *State) insertAsteSorted(aoteId AoteId, asteId AsteId) {
	ao := s.aote(aoteId)
	seg := s.aste(asteId).Segment
	ao.AsteCnt++
	if ao.AsteHead == AsteNil || s.aste(ao.AsteHead).Segment < seg {
		s.aste(asteId).Next = ao.AsteHead
		ao.AsteHead = asteId
		return
	}
	cur := ao.AsteHead
	for {
		next := s.aste(cur).Next
		if next == AsteNil || s.aste(next).Segment < seg {
			s.aste(asteId).Next = next
			s.aste(cur).Next = asteId
			return
		}
		cur = next
	}
}

/// UpdateAste converts a DIRTY ASTE's in-memory segment map to its
/// 32-word on-disk file-map form and writes it out. Non-dirty or
/// remote ASTEs are a no-op. DISK_WRITE_PROTECTED is swallowed (the
/// object is legitimately read-only); any other error re-arms DIRTY
/// and is returned with the cleanup bit set.
func (s *State) UpdateAste(id AsteId) defs.Err_t {
	s.mu.Lock()
	a := s.aste(id)
	if !a.Dirty() || a.Remote() {
		s.mu.Unlock()
		return defs.OK
	}
	a.setFlag(asteDirty, false)

	s.pmapSt.Lock()
	var buf [32]uint32
	for i := 0; i < 32; i++ {
		slot := a.SegMap[i]
		if slot.InUse() {
			f := s.frames.Peek(slot.Frame())
			word := f.DiskAddr
			if f.Modified() {
				word |= 1 << 31
			}
			buf[i] = word
		} else {
			word := slot.DiskAddr()
			if slot.Cow() {
				word |= 1 << 31
			}
			buf[i] = word
		}
	}
	s.pmapSt.Unlock()

	aote := s.aote(a.Aote)
	uid, vol, seg, fmPtr := aote.Uid, aote.Vol, a.Segment, a.vtoceFmPtr
	s.mu.Unlock()

	err := s.fm.Write(extern.ObjInfo{Uid: uid, Vol: vol}, fmPtr, seg, &buf, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == defs.DiskWriteProtected {
		return defs.OK
	}
	if err != defs.OK {
		a.setFlag(asteDirty, true)
		level.Error(s.logger).Log("msg", "update_aste write failed", "uid", uid, "seg", seg, "err", err)
		return defs.WithCleanup(err)
	}
	return defs.OK
}
