package ast

import (
	"defs"
	"fault"
	"mmap"
)

// touch/assoc mode selectors.
const (
	ModeShared    = 0
	ModeExclusive = 1
)

// touch/assoc flag bits.
const (
	FlagGrow      uint8 = 1 << 0
	FlagWired     uint8 = 1 << 1
	FlagOsProcess uint8 = 1 << 2
	FlagCow       uint8 = 1 << 3
)

const pageSize = 4096

// beginConcurrency validates and records a SHARED or EXCLUSIVE access
// against an ASTE's reader/exclusive state. Caller holds s.mu.
func (s *State) beginConcurrency(a *Aste, mode int) defs.Err_t {
	if mode == ModeExclusive {
		if a.Readers > 0 || a.Exclusive() {
			return defs.AstWriteConcurrencyViolation
		}
		a.setFlag(asteExclusive, true)
		return defs.OK
	}
	if a.Exclusive() {
		return defs.AstReadConcurrencyViolation
	}
	a.Readers++
	return defs.OK
}

// endConcurrency undoes beginConcurrency. Caller holds s.mu.
func (s *State) endConcurrency(a *Aste, mode int) {
	if mode == ModeExclusive {
		a.setFlag(asteExclusive, false)
	} else {
		a.Readers--
	}
}

/// Touch is the fault engine inner loop: it resolves [page, page+count)
/// of id's segment map, reclaiming already-installed pages and
/// fetching unfetched ones (zero-filling a COW run, or reading through
/// disk/network for a normal fault), clipped to the 32-page segment.
/// A run whose first page is at or past EOF fails with AstEOF unless
/// FlagGrow is set, in which case it is cut to at most 4 pages and the
/// object grows to cover them; a run that starts before EOF is not
/// clipped to EOF. It returns the frames made resident and how many of
/// the requested count that covers.
func (s *State) Touch(id AsteId, mode int, page uint8, count int, flags uint8) ([]mmap.FrameId, int, defs.Err_t) {
	s.mu.Lock()
	a := s.aste(id)
	ao := s.aote(a.Aote)
	if (a.Remote() || ao.Remote()) && flags&FlagOsProcess == 0 {
		s.mu.Unlock()
		return nil, 0, defs.OsOnlyLocalAccessAllowed
	}
	if err := s.beginConcurrency(a, mode); err != defs.OK {
		s.mu.Unlock()
		return nil, 0, err
	}
	ao.setFlag(aoteBusy, true)
	a.setFlag(asteBusy, true)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		ao.setFlag(aoteBusy, false)
		a.setFlag(asteBusy, false)
		s.endConcurrency(a, mode)
		s.mu.Unlock()
	}()

	if int(page)+count > 32 {
		count = 32 - int(page)
	}
	if count <= 0 {
		return nil, 0, defs.AstEOF
	}

	s.pmapSt.Lock()
	s.pmapSt.WaitForTransition(&a.SegMap, int(page))

	installedRun := 0
	for installedRun < count {
		slot := a.SegMap[int(page)+installedRun]
		if slot.InTransition() || !slot.InUse() {
			break
		}
		installedRun++
	}
	if installedRun > 0 {
		ppns := make([]mmap.FrameId, installedRun)
		for i := 0; i < installedRun; i++ {
			ppns[i] = a.SegMap[int(page)+i].Frame()
		}
		s.pmapSt.Unlock()
		s.frames.Reclaim(ppns)
		if s.metrics != nil {
			s.metrics.FaultHits.Inc()
		}
		return ppns, installedRun, defs.OK
	}

	firstSlot := a.SegMap[page]
	isCow := firstSlot.Cow()
	runLen := 1
	for runLen < count {
		next := a.SegMap[int(page)+runLen]
		if next.InUse() || next.InTransition() || next.Cow() != isCow {
			break
		}
		runLen++
	}
	s.pmapSt.SetTransitionBits(&a.SegMap, int(page), int(page)+runLen)
	s.pmapSt.Unlock()

	fetched, runLen, err := s.fetchRun(a, ao, page, runLen, isCow, flags)

	s.pmapSt.Lock()
	s.pmapSt.ClearTransitionBits(&a.SegMap, int(page), int(page)+runLen)
	s.pmapSt.Unlock()

	if err != defs.OK {
		if s.metrics != nil {
			s.metrics.FaultCount.Inc()
		}
		return nil, 0, err
	}

	wired := flags&FlagWired != 0
	s.frames.InstallList(fetched, defs.NilPid, wired)

	s.pmapSt.Lock()
	for i, f := range fetched {
		s.pmapSt.Assoc(&a.SegMap, uint32(id), page+uint8(i), f, wired, isCow)
	}
	s.pmapSt.Unlock()

	s.mu.Lock()
	a.PageCount += len(fetched)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.FaultCount.Inc()
	}
	return fetched, len(fetched), defs.OK
}

// fetchRun fills runLen pages starting at page, either by zero-filling
// a COW run (subject to count_valid_pages' read-only veto) or by
// reading through disk/network for a normal fault, clipping runLen to
// the grow cap and failing AST_EOF past end-of-file without GROW.
func (s *State) fetchRun(a *Aste, ao *Aote, page uint8, runLen int, isCow bool, flags uint8) ([]mmap.FrameId, int, defs.Err_t) {
	if isCow {
		n, err := fault.CountValidPages(ao.PerBoot(), runLen)
		if err != defs.OK {
			return nil, runLen, err
		}
		ids := s.frames.AllocFree(n)
		if len(ids) < n {
			s.frames.FreeList(ids)
			return nil, runLen, defs.MmapContigPagesUnavailable
		}
		for _, f := range ids {
			s.frames.Peek(f).SetModified(false)
		}
		return ids, runLen, defs.OK
	}

	s.mu.Lock()
	size := ao.Attrs.Size
	remote := ao.Remote()
	s.mu.Unlock()

	maxPage := uint8(size / pageSize)
	if size%pageSize != 0 {
		maxPage++
	}
	if page >= maxPage {
		if flags&FlagGrow == 0 {
			return nil, runLen, defs.AstEOF
		}
		if runLen > 4 {
			runLen = 4
		}
		s.mu.Lock()
		ao.Attrs.Size = uint64(page+uint8(runLen)) * pageSize
		ao.setFlag(aoteDirty, true)
		s.mu.Unlock()
	}

	ids := s.frames.AllocFree(runLen)
	if len(ids) < runLen {
		s.frames.FreeList(ids)
		return nil, runLen, defs.MmapContigPagesUnavailable
	}

	if remote {
		netInfo, gerr := s.net.GetNet(ao.Node)
		if gerr != defs.OK {
			s.frames.FreeList(ids)
			return nil, runLen, gerr
		}
		res, rerr := fault.ReadAreaNetwork(s.net, netInfo, ao.Uid, len(ids), false, flags)
		if rerr != defs.OK {
			s.frames.FreeList(ids)
			return nil, runLen, rerr
		}
		for i, f := range ids {
			fr := s.frames.Peek(f)
			fr.SetModified(false)
			if i >= len(res.Bufs) || res.Bufs[i] == nil {
				fr.SetImpure(false)
			}
		}
		return ids, runLen, defs.OK
	}

	diskAddrs := make([]uint32, len(ids))
	for i := range diskAddrs {
		diskAddrs[i] = a.SegMap[int(page)+i].DiskAddr()
	}
	n, derr := fault.ReadArea(s.disk, ao.Vol, ao.Uid, ids, diskAddrs, page)
	if derr != defs.OK {
		s.frames.FreeList(ids)
		return nil, runLen, derr
	}
	if n < len(ids) {
		s.frames.FreeList(ids[n:])
		ids = ids[:n]
	}
	return ids, runLen, defs.OK
}

/// Assoc implements the high-level associate path: activate-and-wire
/// the segment, validate concurrency, and install the caller-supplied
/// frame directly at (seg, page). A PMAP_BAD_ASSOC response (no disk
/// backing established yet) falls back to Touch to create one before
/// retrying. The segment's wire count is always decremented on exit.
func (s *State) Assoc(uid defs.Uid_t, seg uint16, vol defs.VolIdx, remote bool, node defs.NodeId, mode int, page uint8, flags uint8, frame mmap.FrameId) (mmap.FrameId, defs.Err_t) {
	asteId, err := s.ActivateAndWire(uid, seg, vol, remote, node)
	if err != defs.OK {
		return mmap.FrameNil, err
	}
	defer s.UnwireAste(asteId)

	// Assoc installs a single page synchronously; it validates against
	// concurrent access without holding a reader/writer slot of its own
	// for the call's duration (the wire count already pins the ASTE).
	s.mu.Lock()
	a := s.aste(asteId)
	cerr := s.beginConcurrency(a, mode)
	if cerr == defs.OK {
		s.endConcurrency(a, mode)
	}
	s.mu.Unlock()
	if cerr != defs.OK {
		return mmap.FrameNil, cerr
	}

	wired := flags&FlagWired != 0
	cow := flags&FlagCow != 0

	s.pmapSt.Lock()
	aerr := s.pmapSt.Assoc(&a.SegMap, uint32(asteId), page, frame, wired, cow)
	s.pmapSt.Unlock()

	if aerr == defs.PmapBadAssoc {
		if _, _, terr := s.Touch(asteId, mode, page, 1, flags); terr != defs.OK {
			return mmap.FrameNil, terr
		}
		s.pmapSt.Lock()
		aerr = s.pmapSt.Assoc(&a.SegMap, uint32(asteId), page, frame, wired, cow)
		s.pmapSt.Unlock()
	}
	if aerr != defs.OK {
		return mmap.FrameNil, aerr
	}

	s.mu.Lock()
	a.PageCount++
	s.mu.Unlock()
	return frame, defs.OK
}
