package ast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"extern"
	"mmap"
	"pmap"
)

// fakeVol is an in-memory stand-in for a local volume: VTOCE attrs
// plus one 32-word file map per (uid, seg).
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
	if !ok {
		return defs.OK
	}
	*buf = *b
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

type fakeDisk struct {
	data map[uint32][]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{data: map[uint32][]byte{}} }

func (d *fakeDisk) ReadMulti(vol defs.VolIdx, reqs []extern.DiskReq) (int, defs.Err_t) {
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

func newTestState(t *testing.T, vol *fakeVol) *State {
	frames := mmap.NewTable(64)
	pmapSt := pmap.NewState(frames, newFakeMmu())
	return NewState(16, 32, frames, pmapSt, vol, vol, fakeNetwork{}, newFakeDisk(), vol, nil, nil, 8)
}

const testUid = defs.Uid_t(0xAA)

func TestActivateAndWireColdFault(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 4*pageSize, 0, [4]uint32{100, 101, 102, 103})
	s := newTestState(t, vol)

	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)
	require.NotEqual(t, AsteNil, asteId)

	frames, n, terr := s.Touch(asteId, ModeShared, 0, 4, 0)
	require.Equal(t, defs.OK, terr)
	require.Equal(t, 4, n)
	require.Len(t, frames, 4)
}

func TestTouchHitPathReclaims(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 4*pageSize, 0, [4]uint32{100, 101, 102, 103})
	s := newTestState(t, vol)

	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)

	first, n1, terr := s.Touch(asteId, ModeShared, 0, 4, 0)
	require.Equal(t, defs.OK, terr)
	require.Equal(t, 4, n1)

	second, n2, terr2 := s.Touch(asteId, ModeShared, 0, 4, 0)
	require.Equal(t, defs.OK, terr2)
	require.Equal(t, 4, n2)
	require.Equal(t, first, second)
}

func TestTouchEOFWithoutGrowFails(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 1*pageSize, 0, [4]uint32{100, 0, 0, 0})
	s := newTestState(t, vol)

	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)

	_, _, terr := s.Touch(asteId, ModeShared, 1, 1, 0)
	require.Equal(t, defs.AstEOF, terr)
}

func TestTouchGrowExtendsSize(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 1*pageSize, 0, [4]uint32{100, 0, 0, 0})
	s := newTestState(t, vol)

	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)

	_, n, terr := s.Touch(asteId, ModeShared, 1, 1, FlagGrow)
	require.Equal(t, defs.OK, terr)
	require.Equal(t, 1, n)
}

func TestTouchClipsToSegmentBoundary(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 32*pageSize, 0, [4]uint32{100, 101, 102, 103})
	s := newTestState(t, vol)
	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)

	// page=31, count=2 must clip to a single page, not run past the
	// 32-entry segment map.
	_, n, terr := s.Touch(asteId, ModeShared, 31, 2, FlagGrow)
	require.Equal(t, defs.OK, terr)
	require.Equal(t, 1, n)
}

func TestAssocFallsBackToTouchOnBadAssoc(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 4*pageSize, 0, [4]uint32{0, 0, 0, 0})
	s := newTestState(t, vol)

	ids := s.frames.AllocFree(1)
	require.Len(t, ids, 1)
	s.frames.Free(ids[0]) // hand it right back; Assoc will re-alloc via Touch's fetch path

	_, err := s.Assoc(testUid, 0, 1, false, 0, ModeShared, 0, FlagGrow, ids[0])
	// disk addr 0 + Grow means touch's fetch path runs and installs via pmap.Assoc.
	require.Equal(t, defs.OK, err)
}

func TestDeactivateSegmentRejectsWired(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 4*pageSize, 0, [4]uint32{100, 101, 102, 103})
	s := newTestState(t, vol)
	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.AstSegmentNotDeactivatable, s.DeactivateSegment(asteId, 1))
}

func TestDeactivateSegmentWritesBackDirtySegMap(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 4*pageSize, 0, [4]uint32{100, 101, 102, 103})
	s := newTestState(t, vol)
	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)

	_, _, terr := s.Touch(asteId, ModeShared, 0, 4, 0)
	require.Equal(t, defs.OK, terr)
	s.mu.Lock()
	s.aste(asteId).setFlag(asteDirty, true)
	s.mu.Unlock()

	s.UnwireAste(asteId)
	require.Equal(t, defs.OK, s.DeactivateSegment(asteId, 0))

	buf, ok := vol.fm[fmKey(testUid, 0)]
	require.True(t, ok)
	require.NotEqual(t, uint32(0), buf[0])
}

func TestSetAttributeMarksDirty(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, pageSize, 0, [4]uint32{1, 0, 0, 0})
	s := newTestState(t, vol)
	aoteId, err := s.ForceActivateSegment(testUid, 1, false, 0)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, s.SetAttribute(aoteId, AttrSize, 2*pageSize))
	require.True(t, s.aote(aoteId).Dirty())
	require.Equal(t, defs.AstIncompatibleRequest, s.SetAttribute(aoteId, 99, 0))
}

func TestPurifyAoteWritesBackThenClean(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, pageSize, 0, [4]uint32{1, 0, 0, 0})
	s := newTestState(t, vol)
	aoteId, err := s.ForceActivateSegment(testUid, 1, false, 0)
	require.Equal(t, defs.OK, err)
	require.Equal(t, defs.OK, s.SetAttribute(aoteId, AttrSize, 5*pageSize))

	require.Equal(t, defs.OK, s.PurifyAote(aoteId))
	require.False(t, s.aote(aoteId).Dirty())
	require.Equal(t, uint64(5*pageSize), vol.attrs[testUid].Size)
}

func TestUpdateSweepWritesBackDueAstes(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 4*pageSize, 0, [4]uint32{100, 101, 102, 103})
	s := newTestState(t, vol)
	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)
	_, _, terr := s.Touch(asteId, ModeShared, 0, 4, 0)
	require.Equal(t, defs.OK, terr)
	s.mu.Lock()
	s.aste(asteId).setFlag(asteDirty, true)
	s.mu.Unlock()
	s.UnwireAste(asteId)

	astesDone, aotesDone := s.Update(1)
	require.GreaterOrEqual(t, astesDone, 1)
	require.GreaterOrEqual(t, aotesDone, 1)
	require.False(t, s.aste(asteId).Dirty())
}

func TestForceActivateSegmentDedupsConcurrentCallers(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, pageSize, 0, [4]uint32{1, 0, 0, 0})
	s := newTestState(t, vol)

	var wg sync.WaitGroup
	ids := make([]AoteId, 2)
	errs := make([]defs.Err_t, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = s.ForceActivateSegment(testUid, 1, false, 0)
		}(i)
	}
	wg.Wait()
	require.Equal(t, defs.OK, errs[0])
	require.Equal(t, defs.OK, errs[1])
	require.Equal(t, ids[0], ids[1])
}

func TestForceActivateSegmentNotFound(t *testing.T) {
	vol := newFakeVol()
	s := newTestState(t, vol)
	_, err := s.ForceActivateSegment(defs.Uid_t(0xdead), 1, false, 0)
	require.Equal(t, defs.FileObjectNotFound, err)
	require.Contains(t, s.FailedUids(), defs.Uid_t(0xdead))
}

func TestInvalidateDemotesInstalledPages(t *testing.T) {
	vol := newFakeVol()
	vol.seed(testUid, 4*pageSize, 0, [4]uint32{100, 101, 102, 103})
	s := newTestState(t, vol)
	asteId, err := s.ActivateAndWire(testUid, 0, 1, false, 0)
	require.Equal(t, defs.OK, err)
	_, _, terr := s.Touch(asteId, ModeShared, 0, 4, 0)
	require.Equal(t, defs.OK, terr)

	aoteId := s.AoteOf(asteId)
	require.Equal(t, defs.OK, s.Invalidate(aoteId, 0, 3, 4, true))
	require.False(t, s.aste(asteId).SegMap[3].InUse())
}
