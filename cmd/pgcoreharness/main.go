// Command pgcoreharness boots a paging core against a bbolt-backed
// local volume and drives it through the end-to-end scenarios a real
// caller would: a cold fault, a second fault hitting the installed
// page, an explicit invalidate, and a writeback sweep. It exists as a
// manual diagnostic, the role mkfs.go fills for a filesystem image.
package main

import (
	"fmt"
	"os"

	"ast"
	"core"
	"defs"
	"extern"
	"mmap"
	"pmap"
)

// nullMmu is an in-memory stand-in for hardware page tables: it
// records installs/removes but performs no actual translation, enough
// to drive the core's bookkeeping paths without a real MMU.
type nullMmu struct {
	installed map[uint64]mmap.FrameId
}

func newNullMmu() *nullMmu { return &nullMmu{installed: map[uint64]mmap.FrameId{}} }

func key(segIndex uint32, page uint8) uint64 {
	return uint64(segIndex)<<8 | uint64(page)
}

func (m *nullMmu) Install(frame mmap.FrameId, segIndex uint32, page uint8, wired bool) {
	m.installed[key(segIndex, page)] = frame
}

func (m *nullMmu) Remove(segIndex uint32, page uint8) {
	delete(m.installed, key(segIndex, page))
}

// nullNetwork refuses every remote call; this harness only exercises
// the local-volume path.
type nullNetwork struct{}

func (nullNetwork) GetNet(node defs.NodeId) (extern.NetInfo, defs.Err_t) {
	return nil, defs.FileObjectIsRemote
}
func (nullNetwork) AstGetInfo(info extern.ObjInfo, flags uint8, attrs *extern.Attrs) defs.Err_t {
	return defs.FileObjectIsRemote
}
func (nullNetwork) ReadAhead(net extern.NetInfo, uid defs.Uid_t, count int, noReadAhead bool, flags uint8) (extern.ReadAheadResult, defs.Err_t) {
	return extern.ReadAheadResult{}, defs.FileObjectIsRemote
}

func must(err defs.Err_t, what string) {
	if err != defs.OK {
		panic(fmt.Sprintf("%s: %s", what, err))
	}
}

func main() {
	dbPath := "pgcoreharness.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	os.Remove(dbPath)
	vol, err := extern.OpenLocalVolume(dbPath)
	if err != nil {
		panic(err)
	}
	defer vol.Close()
	defer os.Remove(dbPath)

	state := core.Init(core.Config{
		NumFrames:      256,
		NumAotes:       64,
		NumAstes:       128,
		NumHashBuckets: 32,
		Mmu:            newNullMmu(),
		Vtoc:           vol,
		Fm:             vol,
		Net:            nullNetwork{},
		Disk:           vol,
		Bat:            vol,
	})

	const uid = defs.Uid_t(0x0000000000000001)
	const vidx = defs.VolIdx(1)

	fmt.Println("== seeding object ==")
	must(vol.VtoceWrite(extern.ObjInfo{Uid: uid, Vol: vidx}, &extern.Attrs{Size: 4 * 4096}, 0), "vtoce_write")
	var fmBuf [32]uint32
	fmBuf[0], fmBuf[1], fmBuf[2], fmBuf[3] = 100, 101, 102, 103
	must(vol.Write(extern.ObjInfo{Uid: uid, Vol: vidx}, 0, 0, &fmBuf, 0), "fm_write")

	fmt.Println("== cold fault ==")
	asteId, aerr := state.ActivateAndWire(uid, 0, vidx, false, 0)
	must(aerr, "activate_and_wire")
	frames, n, terr := state.Touch(asteId, ast.ModeShared, 0, 4, 0)
	must(terr, "touch")
	fmt.Printf("touch returned %d frames: %v\n", n, frames)

	fmt.Println("== second touch (already-installed hit) ==")
	_, n2, terr2 := state.Touch(asteId, ast.ModeShared, 0, 4, 0)
	must(terr2, "touch (hit)")
	fmt.Printf("touch (hit) returned %d frames\n", n2)

	fmt.Println("== invalidate page 3, no refs ==")
	aoteId := state.Ast.AoteOf(asteId)
	must(state.Invalidate(aoteId, 0, 3, 4, true), "invalidate")

	fmt.Println("== writeback sweep ==")
	astes, aotes := state.Update()
	fmt.Printf("update swept %d astes, %d aotes\n", astes, aotes)

	fmt.Println("== segment-map round trip check ==")
	var sm pmap.SegMap
	for i := range sm {
		sm[i] = pmap.SlotFromDiskAddr(uint32(200 + i))
	}
	fmt.Printf("slot 0 disk addr after round trip: %d\n", sm[0].DiskAddr())

	fmt.Println("ok")
}
