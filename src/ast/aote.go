package ast

import (
	"github.com/go-kit/log/level"

	"defs"
	"extern"
)

/// Lock acquires the AST lock. Exposed because several callers (the
/// fault path, the harness) need to hold it across multiple AST calls
/// per the AST→PMAP→MMAP-spin ordering.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// unlinkAoteHash removes id from its UID hash bucket. Caller holds s.mu.
func (s *State) unlinkAoteHash(id AoteId) {
	u := s.aote(id).Uid
	b := s.bucketOf(u)
	cur := s.aoteHash[b]
	if cur == id {
		s.aoteHash[b] = s.aote(id).hashNext
		return
	}
	for cur != AoteNil {
		next := s.aote(cur).hashNext
		if next == id {
			s.aote(cur).hashNext = s.aote(id).hashNext
			return
		}
		cur = next
	}
}

func (s *State) insertAoteHash(id AoteId) {
	a := s.aote(id)
	b := s.bucketOf(a.Uid)
	a.hashNext = s.aoteHash[b]
	s.aoteHash[b] = id
}

/// LookupAoteByUid walks the hash chain for uid, returning the first
/// match. Caller holds the AST lock.
func (s *State) LookupAoteByUid(uid defs.Uid_t) (AoteId, bool) {
	b := s.bucketOf(uid)
	cur := s.aoteHash[b]
	for cur != AoteNil {
		if s.aote(cur).Uid == uid {
			return cur, true
		}
		cur = s.aote(cur).hashNext
	}
	return AoteNil, false
}

// popFreeAote pops the free-list head, if any. Caller holds s.mu.
func (s *State) popFreeAote() (AoteId, bool) {
	if s.aoteFree == AoteNil {
		return AoteNil, false
	}
	id := s.aoteFree
	s.aoteFree = s.aote(id).freeNext
	return id, true
}

func (s *State) pushFreeAote(id AoteId) {
	a := s.aote(id)
	*a = Aote{freeNext: s.aoteFree}
	s.aoteFree = id
}

/// AllocateAote obtains a fresh AOTE, preferring the free list; if
/// empty, it scans a bounded window of candidates with zero refcount,
/// not busy, not in-transition, and no ASTEs (or few), evicting the
/// best candidate found via ProcessAote. Exhaustion is fatal, per the
/// spec's resource-exhaustion taxonomy.
func (s *State) AllocateAote() AoteId {
	s.mu.Lock()
	if id, ok := s.popFreeAote(); ok {
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()

	if id, ok := s.scanForAote(aoteScanCandidates); ok {
		return id
	}
	if id, ok := s.scanForAote(len(s.aotes) - 1); ok {
		return id
	}
	panic("ast: AOTE table exhausted")
}

// scanForAote walks up to window candidates from the persistent
// cursor, evicting the first evictable AOTE it finds via ProcessAote.
func (s *State) scanForAote(window int) (AoteId, bool) {
	s.mu.Lock()
	start := s.aoteCursor
	if start == AoteNil {
		start = 1
	}
	cur := start
	candidates := make([]AoteId, 0, 2)
	for i := 0; i < window && i < len(s.aotes)-1; i++ {
		id := AoteId(1 + (int(cur)-1+i)%(len(s.aotes)-1))
		a := s.aote(id)
		if a.Busy() || a.InTransition() || a.RefCount != 0 {
			continue
		}
		if a.AsteCnt == 0 {
			s.aoteCursor = id + 1
			s.mu.Unlock()
			if ok := s.ProcessAote(id, 0, 0, false); ok == defs.OK {
				return id, true
			}
			s.mu.Lock()
			continue
		}
		candidates = append(candidates, id)
		if len(candidates) >= 2 {
			break
		}
	}
	s.aoteCursor = cur + AoteId(window)
	s.mu.Unlock()
	for _, id := range candidates {
		if s.ProcessAote(id, 0, 0, true) == defs.OK {
			return id, true
		}
	}
	return AoteNil, false
}

/// ReleaseAote returns id to the free list. Caller holds the AST
/// lock and has already ensured it's unlinked from the hash and has
/// no remaining ASTEs.
func (s *State) ReleaseAote(id AoteId) {
	s.pushFreeAote(id)
}

/// ForceActivateSegment implements force_activate_segment: look up or
/// create the AOTE for uid, loading its attributes from vol (or net)
/// while the AST lock is released, then re-validate before returning.
func (s *State) ForceActivateSegment(uid defs.Uid_t, vol defs.VolIdx, remote bool, node defs.NodeId) (AoteId, defs.Err_t) {
	s.mu.Lock()
	if id, ok := s.LookupAoteByUid(uid); ok {
		for s.aote(id).InTransition() {
			s.aote(id).RefCount++
			v := s.transEC.Read()
			s.mu.Unlock()
			s.transEC.WaitFor(v + 1)
			s.mu.Lock()
			s.aote(id).RefCount--
		}
		s.mu.Unlock()
		return id, defs.OK
	}
	s.mu.Unlock()

	newId := s.AllocateAote()

	s.mu.Lock()
	if existing, ok := s.LookupAoteByUid(uid); ok {
		s.pushFreeAote(newId)
		for s.aote(existing).InTransition() {
			v := s.transEC.Read()
			s.mu.Unlock()
			s.transEC.WaitFor(v + 1)
			s.mu.Lock()
		}
		s.transEC.Advance()
		s.mu.Unlock()
		return existing, defs.OK
	}
	s.aoteSeqn++
	a := s.aote(newId)
	*a = Aote{Uid: uid, Vol: vol, Node: node, Seqn: s.aoteSeqn}
	a.setFlag(aoteInTransition, true)
	a.setFlag(aoteRemote, remote)
	s.insertAoteHash(newId)
	s.mu.Unlock()

	s.AddVolRef(vol)
	var err defs.Err_t
	if remote {
		net, gerr := s.net.GetNet(node)
		if gerr == defs.OK {
			err = s.net.AstGetInfo(extern.ObjInfo{Uid: uid, Remote: true, Node: node}, 0, &a.Attrs)
			_ = net
		} else {
			err = gerr
		}
	} else {
		info := extern.ObjInfo{Uid: uid, Vol: vol}
		if err = s.vtoc.Lookup(info); err == defs.OK {
			err = s.vtoc.VtoceRead(info, &a.Attrs)
		}
	}
	s.ReleaseVolRef(vol)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == defs.FileObjectNotFound {
		s.recordFailedUid(uid)
	}
	if err != defs.OK {
		s.unlinkAoteHash(newId)
		s.pushFreeAote(newId)
		s.transEC.Advance()
		return AoteNil, err
	}
	a.setFlag(aoteInTransition, false)
	s.transEC.Advance()
	return newId, defs.OK
}

// Field selectors for SetAttribute.
const (
	AttrDts  = 0
	AttrDtm  = 1
	AttrDtu  = 2
	AttrSize = 3
)

/// SetAttribute updates one field of id's cached attribute buffer and
/// marks it DIRTY so the next purify_aote writes it back.
func (s *State) SetAttribute(id AoteId, attr int, value uint64) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aote(id)
	switch attr {
	case AttrDts:
		a.Attrs.Dts = uint32(value)
	case AttrDtm:
		a.Attrs.Dtm = uint32(value)
	case AttrDtu:
		a.Attrs.Dtu = uint32(value)
	case AttrSize:
		a.Attrs.Size = value
	default:
		return defs.AstIncompatibleRequest
	}
	a.setFlag(aoteDirty, true)
	return defs.OK
}

/// LoadAote copies attrs into the AOTE's cached attribute buffer,
/// marking it clean — used when a caller has already fetched the
/// VTOCE out of band (e.g. during mount-time warmup).
func (s *State) LoadAote(id AoteId, attrs extern.Attrs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aote(id)
	a.Attrs = attrs
	a.setFlag(aoteDirty, false)
	a.setFlag(aoteTouched, false)
}

/// PurifyAote writes a dirty AOTE's cached attributes back to the
/// VTOCE (local) or refreshes DTS from the network (remote touched).
/// DISK_WRITE_PROTECTED is treated as success; any other error
/// re-arms DIRTY and is returned with the cleanup bit set.
func (s *State) PurifyAote(id AoteId) defs.Err_t {
	s.mu.Lock()
	a := s.aote(id)
	if a.Remote() {
		touched := a.Touched()
		uid, vol, node := a.Uid, a.Vol, a.Node
		s.mu.Unlock()

		var fresh extern.Attrs
		if touched {
			if err := s.net.AstGetInfo(extern.ObjInfo{Uid: uid, Vol: vol, Remote: true, Node: node}, 0, &fresh); err != defs.OK {
				level.Error(s.logger).Log("msg", "purify_aote network refresh failed", "uid", uid, "err", err)
				fresh.Dts = 0
			}
		}

		s.mu.Lock()
		if touched && fresh.Dts != 0 {
			a.Attrs.Dts = fresh.Dts
		}
		a.setFlag(aoteTouched, false)
		s.mu.Unlock()
		return defs.OK
	}
	if !a.Dirty() {
		s.mu.Unlock()
		return defs.OK
	}
	snapshot := a.Attrs
	uid, vol := a.Uid, a.Vol
	s.mu.Unlock()

	err := s.vtoc.VtoceWrite(extern.ObjInfo{Uid: uid, Vol: vol}, &snapshot, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == defs.DiskWriteProtected {
		a.setFlag(aoteDirty, false)
		return defs.OK
	}
	if err != defs.OK {
		a.setFlag(aoteDirty, true)
		level.Error(s.logger).Log("msg", "purify_aote write failed", "uid", uid, "err", err)
		return defs.WithCleanup(err)
	}
	a.setFlag(aoteDirty, false)
	return defs.OK
}
