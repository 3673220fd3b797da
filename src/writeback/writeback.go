/// Package writeback implements the page-level invalidate and
/// free-pages paths shared by deactivate_segment, process_aote, and
/// the periodic update sweep: demoting installed pages back to their
/// disk-address form (with or without waiting on in-flight I/O) and
/// bulk-releasing ranges of a segment map.
package writeback

import (
	"defs"
	"extern"
	"mmap"
	"pmap"
)

const batBatchSize = 32

/// InvalidateWithWait walks sm[startPage:endPage) from the end down.
/// A page in transition is waited out; an installed page with a
/// nonzero PMAP refcount fails the call with PmapHasRefs, leaving that
/// page and those below it untouched (pages above it already demoted
/// stay demoted); otherwise the page is demoted
/// and its frame freed. On success the ASTE should be marked DIRTY by
/// the caller.
func InvalidateWithWait(st *pmap.State, frames *mmap.Table, sm *pmap.SegMap, segIndex uint32, startPage, endPage uint8, refCount func(mmap.FrameId) uint32) defs.Err_t {
	st.Lock()
	defer st.Unlock()
	for p := endPage; p > startPage; p-- {
		page := p - 1
		st.WaitForTransition(sm, int(page))
		slot := sm[page]
		if !slot.InUse() {
			continue
		}
		frame := slot.Frame()
		if refCount(frame) > 0 {
			return defs.PmapHasRefs
		}
		f := frames.Peek(frame)
		f.SetModified(true)
		removed := st.InvalidatePage(sm, segIndex, page)
		frames.Free(removed)
	}
	return defs.OK
}

/// InvalidateNoWait is the non-blocking subroutine: in-transition
/// pages are skipped rather than waited for, and unwired,
/// zero-refcount frames are moved to the impure pool instead of being
/// freed outright, so a later pass can still reclaim them cheaply.
func InvalidateNoWait(st *pmap.State, frames *mmap.Table, sm *pmap.SegMap, startPage, endPage uint8, refCount func(mmap.FrameId) uint32) {
	st.Lock()
	defer st.Unlock()
	for p := endPage; p > startPage; p-- {
		page := p - 1
		if sm[page].InTransition() {
			continue
		}
		slot := sm[page]
		if !slot.InUse() || slot.Wired() {
			continue
		}
		frame := slot.Frame()
		if refCount(frame) == 0 {
			frames.ImpureTransfer(frame)
		}
	}
}

/// FreePages walks sm[start:end), batching installed frames (flushed
/// via flushInstalled once per batBatchSize) and the nonzero disk
/// addresses of uninstalled slots (freed via bat.Free once per
/// batBatchSize), clearing each slot as
/// it goes. Caller marks the owning ASTE DIRTY afterward.
func FreePages(st *pmap.State, frames *mmap.Table, bat extern.Bat, vol defs.VolIdx, sm *pmap.SegMap, segIndex uint32, start, end uint8, flushInstalled func([]mmap.FrameId)) {
	st.Lock()
	defer st.Unlock()

	var frameBatch []mmap.FrameId
	var addrBatch []uint32

	flush := func() {
		if len(frameBatch) == 0 {
			return
		}
		flushInstalled(frameBatch)
		frameBatch = frameBatch[:0]
	}
	flushBat := func() {
		if len(addrBatch) == 0 {
			return
		}
		st.Unlock()
		bat.Free(addrBatch, 0)
		st.Lock()
		addrBatch = addrBatch[:0]
	}

	for page := start; page < end; page++ {
		slot := sm[page]
		if slot.InUse() {
			frameBatch = append(frameBatch, slot.Frame())
			if len(frameBatch) == batBatchSize {
				flush()
			}
		} else if slot.DiskAddr() != 0 {
			addrBatch = append(addrBatch, slot.DiskAddr())
			if len(addrBatch) == batBatchSize {
				flushBat()
			}
		}
		sm[page] = 0
	}
	flush()
	flushBat()
}
