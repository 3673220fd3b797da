package core

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ast"
	"defs"
	"extern"
	"mmap"
)

type fakeVol struct {
	attrs map[defs.Uid_t]*extern.Attrs
	fm    map[uint64]*[32]uint32
}

func newFakeVol() *fakeVol {
	return &fakeVol{attrs: map[defs.Uid_t]*extern.Attrs{}, fm: map[uint64]*[32]uint32{}}
}

func fmKey(uid defs.Uid_t, seg uint16) uint64 { return uint64(uid)<<16 | uint64(seg) }

func (v *fakeVol) seed(uid defs.Uid_t, size uint64, seg uint16, addrs [4]uint32) {
	v.attrs[uid] = &extern.Attrs{Size: size}
	var buf [32]uint32
	copy(buf[:], addrs[:])
	v.fm[fmKey(uid, seg)] = &buf
}

func (v *fakeVol) Lookup(info extern.ObjInfo) defs.Err_t {
	if _, ok := v.attrs[info.Uid]; !ok {
		return defs.FileObjectNotFound
	}
	return defs.OK
}
func (v *fakeVol) VtoceRead(info extern.ObjInfo, attrs *extern.Attrs) defs.Err_t {
	a, ok := v.attrs[info.Uid]
	if !ok {
		return defs.FileObjectNotFound
	}
	*attrs = *a
	return defs.OK
}
func (v *fakeVol) VtoceWrite(info extern.ObjInfo, attrs *extern.Attrs, flags uint8) defs.Err_t {
	cp := *attrs
	v.attrs[info.Uid] = &cp
	return defs.OK
}
func (v *fakeVol) LookupFm(info extern.ObjInfo, seg uint16, flags int16) (uint32, int32, defs.Err_t) {
	return 0, 0, defs.OK
}
func (v *fakeVol) Read(info extern.ObjInfo, fmPtr uint32, seg uint16, buf *[32]uint32) defs.Err_t {
	b, ok := v.fm[fmKey(info.Uid, seg)]
	if ok {
		*buf = *b
	}
	return defs.OK
}
func (v *fakeVol) Write(info extern.ObjInfo, fmPtr uint32, seg uint16, buf *[32]uint32, flags uint8) defs.Err_t {
	cp := *buf
	v.fm[fmKey(info.Uid, seg)] = &cp
	return defs.OK
}
func (v *fakeVol) Reserve(vol defs.VolIdx, count int) defs.Err_t { return defs.OK }
func (v *fakeVol) Allocate(vol defs.VolIdx, hint uint32, count int) ([]uint32, defs.Err_t) {
	return nil, defs.OK
}
func (v *fakeVol) Free(addrs []uint32, flags uint8) defs.Err_t { return defs.OK }
func (v *fakeVol) ReadMulti(vol defs.VolIdx, reqs []extern.DiskReq) (int, defs.Err_t) {
	return len(reqs), defs.OK
}

type fakeNetwork struct{}

func (fakeNetwork) GetNet(node defs.NodeId) (extern.NetInfo, defs.Err_t) {
	return nil, defs.FileObjectIsRemote
}
func (fakeNetwork) AstGetInfo(info extern.ObjInfo, flags uint8, attrs *extern.Attrs) defs.Err_t {
	return defs.FileObjectIsRemote
}
func (fakeNetwork) ReadAhead(net extern.NetInfo, uid defs.Uid_t, count int, noReadAhead bool, flags uint8) (extern.ReadAheadResult, defs.Err_t) {
	return extern.ReadAheadResult{}, defs.FileObjectIsRemote
}

type fakeMmu struct{ installed map[uint64]mmap.FrameId }

func newFakeMmu() *fakeMmu { return &fakeMmu{installed: map[uint64]mmap.FrameId{}} }
func (m *fakeMmu) Install(frame mmap.FrameId, segIndex uint32, page uint8, wired bool) {
	m.installed[uint64(segIndex)<<8|uint64(page)] = frame
}
func (m *fakeMmu) Remove(segIndex uint32, page uint8) {
	delete(m.installed, uint64(segIndex)<<8|uint64(page))
}

func newTestCore(t *testing.T) (*State, *fakeVol) {
	vol := newFakeVol()
	st := Init(Config{
		NumFrames:      32,
		NumAotes:       8,
		NumAstes:       16,
		NumHashBuckets: 4,
		Mmu:            newFakeMmu(),
		Vtoc:           vol,
		Fm:             vol,
		Net:            fakeNetwork{},
		Disk:           vol,
		Bat:            vol,
	})
	return st, vol
}

const testUid = defs.Uid_t(0x42)

func TestInitWiresSubsystems(t *testing.T) {
	st, _ := newTestCore(t)
	require.NotNil(t, st.Frames)
	require.NotNil(t, st.Pmap)
	require.NotNil(t, st.Ast)
	require.NotNil(t, st.Metrics)
}

func TestColdFaultThroughCore(t *testing.T) {
	st, vol := newTestCore(t)
	vol.seed(testUid, 4*4096, 0, [4]uint32{100, 101, 102, 103})

	asteId, err := st.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)

	frames, n, terr := st.Touch(asteId, ast.ModeShared, 0, 4, 0)
	require.Equal(t, defs.OK, terr)
	require.Equal(t, 4, n)
	require.Len(t, frames, 4)

	aoteId := st.Ast.AoteOf(asteId)
	require.Equal(t, defs.OK, st.Invalidate(aoteId, 0, 3, 4, true))

	astes, aotes := st.Update()
	require.GreaterOrEqual(t, astes, 0)
	require.GreaterOrEqual(t, aotes, 0)
}

func TestAddAotesAddAstesRejected(t *testing.T) {
	st, _ := newTestCore(t)
	require.Equal(t, defs.AstIncompatibleRequest, st.AddAotes(1))
	require.Equal(t, defs.AstIncompatibleRequest, st.AddAstes(1))
}

func TestAllocFreeAsid(t *testing.T) {
	st, _ := newTestCore(t)
	a := st.AllocAsid()
	b := st.AllocAsid()
	require.NotEqual(t, a, b)

	st.FreeAsid(a)
	reused := st.AllocAsid()
	require.Equal(t, a, reused)
}

func TestRunAndStop(t *testing.T) {
	st, _ := newTestCore(t)
	ctx := context.Background()
	st.Run(ctx, 5*time.Millisecond, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, st.Stop())
}

func TestDumpFrameProfileWrites(t *testing.T) {
	st, _ := newTestCore(t)
	var buf bytes.Buffer
	require.NoError(t, st.DumpFrameProfile(&buf))
	require.Greater(t, buf.Len(), 0)
}

func TestPageZeroIsNoop(t *testing.T) {
	st, _ := newTestCore(t)
	require.NotPanics(t, func() { st.PageZero(mmap.FrameId(0)) })
}

func TestLocateAsteDoesNotWire(t *testing.T) {
	st, vol := newTestCore(t)
	vol.seed(testUid, 4*4096, 0, [4]uint32{1, 2, 3, 4})

	asteId, err := st.LocateAste(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)
	require.Equal(t, defs.OK, st.DeactivateSegment(asteId, 1))
}
