/// Package fault implements the disk- and network-backed page-read
/// paths used by the AST's touch operation when a requested page is
/// not yet installed: read_area_pages (local) and
/// read_area_pages_network (remote), plus the setup_page_read BAT
/// reservation step that precedes a disk read.
package fault

import (
	"defs"
	"extern"
	"mmap"
)

/// ReadArea reads count pages starting at start from vol into frames
/// already allocated by the caller, via the Disk collaborator. It
/// returns the number of pages actually read; any suffix of frames
/// beyond that count must be released by the caller.
func ReadArea(disk extern.Disk, vol defs.VolIdx, uid defs.Uid_t, frames []mmap.FrameId, diskAddrs []uint32, start uint8) (int, defs.Err_t) {
	reqs := make([]extern.DiskReq, len(frames))
	for i := range frames {
		reqs[i] = extern.DiskReq{Page: start + uint8(i), DiskAddr: diskAddrs[i]}
	}
	return disk.ReadMulti(vol, reqs)
}

/// ReadAreaNetwork performs the remote fault-read path: it asks the
/// Network collaborator for up to count pages and reports, for each
/// slot, whether the server supplied real data (install) or nothing
/// (zero-fill + COW) — per the "all-or-nothing" reading of a
/// zero-first-page response, a nil first buffer means the whole
/// returned run is to be zero-filled.
func ReadAreaNetwork(net extern.Network, info extern.NetInfo, uid defs.Uid_t, count int, noReadAhead bool, flags uint8) (extern.ReadAheadResult, defs.Err_t) {
	res, err := net.ReadAhead(info, uid, count, noReadAhead, flags)
	if err != defs.OK {
		return res, err
	}
	if len(res.Bufs) > 0 && res.Bufs[0] == nil {
		for i := range res.Bufs {
			res.Bufs[i] = nil // force the whole run to zero-fill
		}
	}
	return res, defs.OK
}

/// SetupPageRead reserves disk space for an upcoming fault: area
/// objects get a contiguous run via Allocate (hinted by the previous
/// slot's disk address), ordinary objects get a scattered Reserve.
/// On success it returns the addresses to install (area) or nil
/// (non-area, where the existing per-slot addresses are used as-is).
func SetupPageRead(bat extern.Bat, vol defs.VolIdx, area bool, hint uint32, count int) ([]uint32, defs.Err_t) {
	if !area {
		if err := bat.Reserve(vol, count); err != defs.OK {
			return nil, err
		}
		return nil, defs.OK
	}
	addrs, err := bat.Allocate(vol, hint, count)
	if err != defs.OK {
		return nil, err
	}
	return addrs, defs.OK
}

/// CountValidPages reports how many of a COW run's pages may actually
/// be faulted: per-boot (read-only) objects refuse with
/// FILE_READ_ONLY; everything else allows the whole run.
func CountValidPages(perBootReadOnly bool, count int) (int, defs.Err_t) {
	if perBootReadOnly {
		return 0, defs.FileReadOnly
	}
	return count, defs.OK
}
