/// Package mmap implements the frame table and working-set lists: the
/// per-frame bookkeeping entry (MMAPE), the doubly-linked WSL pools,
/// the free/allocate/reclaim paths, and the working-set scanner that
/// feeds the replacement policy. It is the lowest-level component in
/// the paging core — nothing here knows about UIDs, segments, or the
/// AST/AOT above it.
package mmap

import (
	"sync"

	"defs"
)

/// FrameId is a dense index into the frame arena. FrameNil is the
/// "no frame" / "list terminator" value, matching the convention that
/// a circular list's terminator is a node's own id rather than a
/// separate sentinel.
type FrameId uint32

const FrameNil FrameId = 0

// WSL indices, taken directly from the working-set layout.
const (
	WslFreePool    = 0
	WslDefault     = 1 // unwired frames with no owning pid (e.g. NilPid installs)
	WslCleanPure   = 2
	WslCleanImpure = 3
	WslDirty       = 4
	WslWired       = 5
	WslMinUser     = 6
	WslMax         = 70
	MaxPid         = 64
)

// Frame flags.
type frameFlags uint8

const (
	flagInWsl  frameFlags = 1 << 0
	flagImpure frameFlags = 1 << 1
	flagOnDisk frameFlags = 1 << 2
	flagMod    frameFlags = 1 << 3
)

/// Frame is one physical page frame's bookkeeping entry.
type Frame struct {
	WireCount uint32
	SegIndex  uint32 // back-pointer: owning segment map index
	PageInSeg uint8  // back-pointer: page within that segment
	WslIndex  uint8
	Next      FrameId
	Prev      FrameId
	Priority  uint8
	flags     frameFlags
	DiskAddr  uint32 // cached disk address, valid when flagOnDisk set
}

func (f *Frame) InWsl() bool    { return f.flags&flagInWsl != 0 }
func (f *Frame) Impure() bool   { return f.flags&flagImpure != 0 }
func (f *Frame) OnDisk() bool   { return f.flags&flagOnDisk != 0 }
func (f *Frame) Modified() bool { return f.flags&flagMod != 0 }

/// SetModified marks or clears the MODIFIED flag, the way the
/// scanner's dirty/clean classification expects to observe it.
func (f *Frame) SetModified(v bool) {
	if v {
		f.flags |= flagMod
	} else {
		f.flags &^= flagMod
	}
}

func (f *Frame) SetImpure(v bool) {
	if v {
		f.flags |= flagImpure
	} else {
		f.flags &^= flagImpure
	}
}

/// Wsl is a working-set list header: a circular doubly-linked list of
/// frames plus the scanner's bookkeeping.
type Wsl struct {
	Owner      defs.Pid_t
	PageCount  uint32
	ScanPos    FrameId
	Head       FrameId
	MaxPages   uint32
	PriStamp   uint64
	WsStamp    uint64
}

// ScanMode selects the replacement scanner's aggressiveness.
type ScanMode int

const (
	ScanNormal ScanMode = iota
	ScanAggressive
)

/// Table is the frame arena plus the WSL array. All mutating entry
/// points take the single spin lock; no I/O happens while held.
type Table struct {
	mu     sync.Mutex
	frames []Frame
	wsls   [WslMax]Wsl
	pidWsl [MaxPid]int // 0 means unassigned

	sem *semaphore // bounds concurrent alloc_pure admission
}

/// NewTable allocates an arena of n usable frames plus the reserved
/// sentinel slot at index 0 (FrameNil doubles as "no frame" and as a
/// circular list's self-terminator, so it can never be a live,
/// allocatable frame). Frames 1..n start in the free pool (WSL 0).
func NewTable(n int) *Table {
	t := &Table{
		frames: make([]Frame, n+1),
		sem:    newSemaphore(int64(n)),
	}
	w := &t.wsls[WslFreePool]
	for i := 1; i <= n; i++ {
		id := FrameId(i)
		t.frames[i].WslIndex = WslFreePool
		t.frames[i].flags = flagInWsl
		t.linkTail(w, id)
	}
	return t
}

func (t *Table) frame(id FrameId) *Frame { return &t.frames[id] }

/// Len returns the size of the frame arena.
func (t *Table) Len() int { return len(t.frames) }

/// Peek returns the frame entry for id without taking the table's own
/// lock. It exists for the pmap layer, which mutates back-pointer and
/// disk-address fields while holding the PMAP lock — per the lock
/// ordering, that already serializes these fields against every other
/// writer, so a second lock here would only add contention.
func (t *Table) Peek(id FrameId) *Frame { return &t.frames[id] }

// linkTail inserts id at the tail (oldest end) of w. Caller holds mu.
func (t *Table) linkTail(w *Wsl, id FrameId) {
	f := t.frame(id)
	if w.PageCount == 0 {
		w.Head = id
		f.Next, f.Prev = id, id
	} else {
		head := t.frame(w.Head)
		tail := t.frame(head.Prev)
		tailId := head.Prev
		f.Next = w.Head
		f.Prev = tailId
		tail.Next = id
		head.Prev = id
	}
	w.PageCount++
}

// linkHead inserts id at the head. Caller holds mu.
func (t *Table) linkHead(w *Wsl, id FrameId) {
	t.linkTail(w, id)
	w.Head = id
}

// unlink removes id from whatever WSL it's linked into. Caller holds mu.
func (t *Table) unlink(w *Wsl, id FrameId) {
	f := t.frame(id)
	if f.Next == id {
		w.Head = FrameNil
	} else {
		t.frame(f.Prev).Next = f.Next
		t.frame(f.Next).Prev = f.Prev
		if w.Head == id {
			w.Head = f.Next
		}
	}
	w.PageCount--
	f.flags &^= flagInWsl
}

func (t *Table) moveTo(from, to *Wsl, id FrameId, toIdx uint8) {
	t.unlink(from, id)
	t.linkTail(to, id)
	f := t.frame(id)
	f.flags |= flagInWsl
	f.WslIndex = toIdx
}

/// AllocFree removes up to count frames from the free pool.
func (t *Table) AllocFree(count int) []FrameId {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.takeFrom(WslFreePool, count)
}

func (t *Table) takeFrom(wslIdx uint8, count int) []FrameId {
	w := &t.wsls[wslIdx]
	out := make([]FrameId, 0, count)
	for len(out) < count && w.PageCount > 0 {
		id := w.Head
		t.unlink(w, id)
		out = append(out, id)
	}
	return out
}

/// AllocPure first drains the clean-pure and clean-impure pools; if
/// still short, it steals from the named process's own working set by
/// running a normal-mode scan against it, then retries the pools.
func (t *Table) AllocPure(count int, pid defs.Pid_t) []FrameId {
	t.sem.acquire(int64(count))
	defer t.sem.release(int64(count))
	t.mu.Lock()
	out := t.takeFrom(WslCleanPure, count)
	if len(out) < count {
		out = append(out, t.takeFrom(WslCleanImpure, count-len(out))...)
	}
	t.mu.Unlock()
	if len(out) >= count {
		return out
	}
	if pid != defs.NilPid {
		t.wsScanInternal(t.wslIndexForPid(pid), ScanNormal, count-len(out))
		t.mu.Lock()
		more := t.takeFrom(WslCleanPure, count-len(out))
		more = append(more, t.takeFrom(WslCleanImpure, count-len(out)-len(more))...)
		t.mu.Unlock()
		out = append(out, more...)
	}
	return out
}

/// Free returns a single frame to the free pool, clearing its
/// back-pointers and flags to a fresh state.
func (t *Table) Free(id FrameId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.frame(id)
	if f.InWsl() {
		t.unlink(&t.wsls[f.WslIndex], id)
	}
	*f = Frame{}
	w := &t.wsls[WslFreePool]
	f.flags = flagInWsl
	f.WslIndex = WslFreePool
	t.linkTail(w, id)
}

/// FreeList frees an entire chain of frames, in the order visited.
func (t *Table) FreeList(ids []FrameId) {
	for _, id := range ids {
		t.Free(id)
	}
}

/// FreePages is the batch counterpart of Free, used at the tail of
/// invalidate/free-pages paths once the PMAP lock has been released.
func (t *Table) FreePages(ids []FrameId) {
	t.FreeList(ids)
}

/// InstallList assigns ids to wired (WSL 5), to the caller-named
/// process's working set, or to the default pool when pid is
/// NilPid, marking each frame installed.
func (t *Table) InstallList(ids []FrameId, pid defs.Pid_t, wired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := WslWired
	if !wired {
		idx = t.wslIndexForPidLocked(pid)
	}
	w := &t.wsls[idx]
	for _, id := range ids {
		f := t.frame(id)
		f.flags |= flagInWsl
		f.WslIndex = uint8(idx)
		t.linkTail(w, id)
		if wired {
			f.WireCount++
		}
	}
}

/// InstallPages is an alias kept distinct from InstallList because the
/// two call sites (fault completion vs. explicit install) pass
/// different wired semantics upstream, matching the two public names
/// the frame table exposes.
func (t *Table) InstallPages(ids []FrameId, pid defs.Pid_t) {
	t.InstallList(ids, pid, false)
}

/// Reclaim moves already-installed, already-referenced frames back to
/// the head of their owning WSL — the "hit" path in touch's step 5.
func (t *Table) Reclaim(ids []FrameId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		f := t.frame(id)
		if !f.InWsl() {
			continue
		}
		w := &t.wsls[f.WslIndex]
		t.unlink(w, id)
		t.linkHead(w, id)
		f.flags |= flagInWsl
	}
}

/// Wire increments a frame's wire count, removing it from a user WSL
/// on the transition from 0 to pinned.
func (t *Table) Wire(id FrameId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.frame(id)
	if f.WireCount == ^uint32(0) {
		panic("mmap: wire count overflow")
	}
	if f.WireCount == 0 && f.InWsl() && f.WslIndex != WslWired {
		t.unlink(&t.wsls[f.WslIndex], id)
	}
	f.WireCount++
}

/// Unwire decrements a frame's wire count; at zero, a non-on-disk
/// frame is reinserted at the tail of pid's working set.
func (t *Table) Unwire(id FrameId, pid defs.Pid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.frame(id)
	if f.WireCount == 0 {
		panic("mmap: unwire of unwired frame")
	}
	f.WireCount--
	if f.WireCount == 0 && !f.OnDisk() {
		idx := t.wslIndexForPidLocked(pid)
		t.linkTail(&t.wsls[idx], id)
		f.flags |= flagInWsl
		f.WslIndex = uint8(idx)
	}
}

/// UnavailableRemove removes a frame from its WSL without freeing it —
/// used when a frame is about to be handed directly to a new owner
/// (e.g. pmap_assoc's steal-back of an old mapping).
func (t *Table) UnavailableRemove(id FrameId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.frame(id)
	if f.InWsl() {
		t.unlink(&t.wsls[f.WslIndex], id)
	}
}

/// Avail reinserts a frame previously removed via UnavailableRemove
/// back into the free pool.
func (t *Table) Avail(id FrameId) {
	t.Free(id)
}

/// ImpureTransfer moves a frame into the clean-impure pool, used by
/// invalidate's no-wait subroutine for unwired, zero-refcount frames.
func (t *Table) ImpureTransfer(id FrameId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.frame(id)
	if f.InWsl() {
		t.moveTo(&t.wsls[f.WslIndex], &t.wsls[WslCleanImpure], id, WslCleanImpure)
	} else {
		f.flags |= flagInWsl
		f.WslIndex = WslCleanImpure
		t.linkTail(&t.wsls[WslCleanImpure], id)
	}
	f.SetImpure(true)
}

func (t *Table) wslIndexForPidLocked(pid defs.Pid_t) int {
	if pid == defs.NilPid {
		return WslDefault
	}
	if int(pid) >= MaxPid || t.pidWsl[pid] == 0 {
		return WslWired
	}
	return t.pidWsl[pid]
}

func (t *Table) wslIndexForPid(pid defs.Pid_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wslIndexForPidLocked(pid)
}

/// GetWsIndex returns the WSL index currently assigned to pid, or a
/// status if pid is out of range.
func (t *Table) GetWsIndex(pid defs.Pid_t) (int, defs.Err_t) {
	if int(pid) >= MaxPid {
		return 0, defs.MmapIllegalPid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pidWsl[pid], defs.OK
}

/// SetWsIndex assigns pid a fresh WSL slot in [WslMinUser, WslMax).
func (t *Table) SetWsIndex(pid defs.Pid_t, wsl int) defs.Err_t {
	if int(pid) >= MaxPid || wsl < WslMinUser || wsl >= WslMax {
		return defs.MmapIllegalWslIndex
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pidWsl[pid] = wsl
	t.wsls[wsl].Owner = pid
	return defs.OK
}

/// SetWsMax caps the page count a WSL may grow to.
func (t *Table) SetWsMax(wsl int, cap uint32) defs.Err_t {
	if wsl < 0 || wsl >= WslMax {
		return defs.MmapIllegalWslIndex
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wsls[wsl].MaxPages = cap
	return defs.OK
}

/// FreeWsl releases pid's working set: every frame it holds is handed
/// back to the free pool, and the pid-to-wsl mapping is cleared.
func (t *Table) FreeWsl(pid defs.Pid_t) {
	if int(pid) >= MaxPid {
		return
	}
	t.mu.Lock()
	idx := t.pidWsl[pid]
	if idx == 0 {
		t.mu.Unlock()
		return
	}
	w := &t.wsls[idx]
	var ids []FrameId
	for w.PageCount > 0 {
		id := w.Head
		t.unlink(w, id)
		ids = append(ids, id)
	}
	t.pidWsl[pid] = 0
	t.mu.Unlock()
	for _, id := range ids {
		t.Free(id)
	}
}

/// Purge discards every frame in wsl without preserving contents,
/// returning them to the free pool. Distinct from FreeWsl in that it
/// operates by WSL index rather than pid, for area/system pools.
func (t *Table) Purge(wsl int) {
	t.mu.Lock()
	w := &t.wsls[wsl]
	var ids []FrameId
	for w.PageCount > 0 {
		id := w.Head
		t.unlink(w, id)
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Free(id)
	}
}

/// WsScan walks wsl from head toward tail, evicting up to needed
/// frames (or the whole list, whichever comes first) per the
/// second-chance / classify-and-bucket discipline. referenced/clearRef
/// let the caller supply the MMU's reference-bit check/clear without
/// this package depending on an MMU type directly; evict is invoked,
/// lock released, for each frame moved to a pool so the caller can do
/// any associated PTE-invalidation work. It returns the number of
/// frames actually evicted.
func (t *Table) WsScan(wsl int, mode ScanMode, needed int, referenced func(FrameId) bool, clearRef func(FrameId), evict func(FrameId)) int {
	return t.scan(wsl, mode, needed, referenced, clearRef, evict)
}

// wsScanInternal runs a scan with no MMU callbacks, for AllocPure's
// steal-from-own-working-set path where no PTE work is needed yet.
func (t *Table) wsScanInternal(wsl int, mode ScanMode, needed int) int {
	return t.scan(wsl, mode, needed, nil, nil, nil)
}

func (t *Table) scan(wsl int, mode ScanMode, needed int, referenced func(FrameId) bool, clearRef func(FrameId), evict func(FrameId)) int {
	t.mu.Lock()
	w := &t.wsls[wsl]
	scanned := 0
	evicted := 0
	cur := w.Head
	limit := int(w.PageCount)
	for scanned < limit && evicted < needed && w.PageCount > 0 {
		scanned++
		id := cur
		f := t.frame(id)
		next := f.Next
		if mode == ScanNormal && referenced != nil && referenced(id) {
			if clearRef != nil {
				clearRef(id)
			}
			cur = next
			continue
		}
		dest := WslCleanPure
		switch {
		case f.Modified() && f.Impure():
			dest = WslDirty
		case f.Modified():
			dest = WslDirty
		case f.Impure():
			dest = WslCleanImpure
		}
		t.moveTo(w, &t.wsls[dest], id, uint8(dest))
		if evict != nil {
			t.mu.Unlock()
			evict(id)
			t.mu.Lock()
		}
		evicted++
		cur = next
		if w.PageCount == 0 {
			break
		}
	}
	t.mu.Unlock()
	return evicted
}

/// GetImpure drains up to cap frames from the clean-impure pool.
func (t *Table) GetImpure(cap int) []FrameId {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.takeFrom(WslCleanImpure, cap)
}

/// AllocContig never succeeds; the frame table does not support
/// contiguous physical allocation.
func (t *Table) AllocContig(count int) ([]FrameId, defs.Err_t) {
	return nil, defs.MmapContigPagesUnavailable
}

/// CheckInvariants walks every WSL and frame, verifying the three
/// debug-mode invariants. It is O(n) and meant for tests, not the hot
/// path.
func (t *Table) CheckInvariants() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[FrameId]bool)
	for idx := range t.wsls {
		w := &t.wsls[idx]
		if w.PageCount == 0 {
			continue
		}
		count := uint32(0)
		start := w.Head
		cur := start
		for {
			f := t.frame(cur)
			if f.WslIndex != uint8(idx) {
				return false
			}
			if seen[cur] {
				return false
			}
			seen[cur] = true
			count++
			cur = f.Next
			if cur == start {
				break
			}
		}
		if count != w.PageCount {
			return false
		}
	}
	return true
}
