/// Package extern declares the collaborator contracts the paging core
/// depends on but does not implement: VTOC/VTOCE, file-map, BAT, disk,
/// and network access. It also provides LocalVolume, a bbolt-backed
/// reference implementation of the local-volume contracts, suitable
/// for tests and for the demo harness.
package extern

import (
	"defs"
)

/// ObjInfo identifies an object for the VTOC/FM/disk contracts: its
/// UID plus which local volume (or remote node) it lives on.
type ObjInfo struct {
	Uid    defs.Uid_t
	Vol    defs.VolIdx
	Remote bool
	Node   defs.NodeId
}

/// Attrs is the VTOCE-shaped attribute payload cached in an AOTE:
/// timestamps plus an opaque byte blob the core copies but does not
/// interpret.
type Attrs struct {
	Dts  uint32
	Dtm  uint32
	Dtu  uint32
	Size uint64 // object size in bytes, drives EOF/grow decisions
	Blob [144]byte
}

/// Vtoc is the volume table of contents lookup/read/write contract.
type Vtoc interface {
	Lookup(info ObjInfo) defs.Err_t
	VtoceRead(info ObjInfo, attrs *Attrs) defs.Err_t
	VtoceWrite(info ObjInfo, attrs *Attrs, flags uint8) defs.Err_t
	LookupFm(info ObjInfo, seg uint16, flags int16) (fmPtr uint32, blockDelta int32, err defs.Err_t)
}

/// Fm is the per-segment file-map contract: each segment's on-disk
/// form is 32 four-byte disk addresses, MSB-marked where COW.
type Fm interface {
	Read(info ObjInfo, fmPtr uint32, seg uint16, buf *[32]uint32) defs.Err_t
	Write(info ObjInfo, fmPtr uint32, seg uint16, buf *[32]uint32, flags uint8) defs.Err_t
}

/// Bat is the block allocation table contract.
type Bat interface {
	Reserve(vol defs.VolIdx, count int) defs.Err_t
	Allocate(vol defs.VolIdx, hint uint32, count int) ([]uint32, defs.Err_t)
	Free(addrs []uint32, flags uint8) defs.Err_t
}

/// DiskReq is one queued page transfer: which page of the object maps
/// to which disk address and which frame buffer.
type DiskReq struct {
	Page     uint8
	DiskAddr uint32
	Buf      []byte
}

/// Disk is the multi-block disk IO contract.
type Disk interface {
	ReadMulti(vol defs.VolIdx, reqs []DiskReq) (pagesRead int, err defs.Err_t)
}

/// NetInfo is an opaque per-node network handle returned by GetNet.
type NetInfo interface{}

/// ReadAheadResult carries back everything network_read_ahead reports.
type ReadAheadResult struct {
	PagesRead int
	Dtm       uint32
	Clock     uint32
	Acl       []byte
	Bufs      [][]byte // nil entries mean "zero-fill, mark COW"
}

/// Network is the remote-object access contract.
type Network interface {
	GetNet(node defs.NodeId) (NetInfo, defs.Err_t)
	AstGetInfo(info ObjInfo, flags uint8, attrs *Attrs) defs.Err_t
	ReadAhead(net NetInfo, uid defs.Uid_t, count int, noReadAhead bool, flags uint8) (ReadAheadResult, defs.Err_t)
}

/// Purifier is the PMAP_$WAKE_PURIFIER contract: a caller short on
/// pure pages asks the purifier goroutine to run, then retries.
type Purifier interface {
	Wake(wait bool)
}
