package pmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"mmap"
)

type fakeMmu struct {
	installed map[uint32]mmap.FrameId
	removed   int
}

func newFakeMmu() *fakeMmu { return &fakeMmu{installed: map[uint32]mmap.FrameId{}} }

func (m *fakeMmu) Install(frame mmap.FrameId, segIndex uint32, page uint8, wired bool) {
	m.installed[segIndex<<8|uint32(page)] = frame
}

func (m *fakeMmu) Remove(segIndex uint32, page uint8) {
	m.removed++
	delete(m.installed, segIndex<<8|uint32(page))
}

func TestSlotFromDiskAddrRoundTrip(t *testing.T) {
	s := SlotFromDiskAddr(1234)
	require.False(t, s.Cow())
	require.Equal(t, uint32(1234), s.DiskAddr())
	require.False(t, s.InUse())

	cow := SlotFromDiskAddr(5678 | 1<<31)
	require.True(t, cow.Cow())
	require.Equal(t, uint32(5678), cow.DiskAddr())
}

func TestAssocRejectsUntouchedSlot(t *testing.T) {
	frames := mmap.NewTable(4)
	st := NewState(frames, newFakeMmu())
	var sm SegMap

	ids := frames.AllocFree(1)
	err := st.Assoc(&sm, 1, 0, ids[0], false, false)
	require.Equal(t, defs.PmapBadAssoc, err)
}

func TestAssocInstallsOverTouchedSlot(t *testing.T) {
	frames := mmap.NewTable(4)
	m := newFakeMmu()
	st := NewState(frames, m)
	var sm SegMap
	sm[0] = SlotFromDiskAddr(100)

	ids := frames.AllocFree(1)
	err := st.Assoc(&sm, 1, 0, ids[0], true, false)
	require.Equal(t, defs.OK, err)
	require.True(t, sm[0].InUse())
	require.True(t, sm[0].Wired())
	require.Equal(t, ids[0], sm[0].Frame())
	require.Equal(t, ids[0], m.installed[1<<8|0])
}

func TestAssocPanicsOnNilFrame(t *testing.T) {
	frames := mmap.NewTable(1)
	st := NewState(frames, newFakeMmu())
	var sm SegMap
	sm[0] = SlotFromDiskAddr(1)
	require.Panics(t, func() {
		st.Assoc(&sm, 0, 0, mmap.FrameNil, false, false)
	})
}

func TestAssocReplaceFailsWithRefs(t *testing.T) {
	frames := mmap.NewTable(4)
	m := newFakeMmu()
	st := NewState(frames, m)
	var sm SegMap
	sm[0] = SlotFromDiskAddr(10)

	ids := frames.AllocFree(2)
	require.Equal(t, defs.OK, st.Assoc(&sm, 0, 0, ids[0], false, false))

	frames.Wire(ids[0])
	err := st.Assoc(&sm, 0, 0, ids[1], false, false)
	require.Equal(t, defs.PmapHasRefs, err)
}

func TestAssocReplaceSucceedsWithoutRefs(t *testing.T) {
	frames := mmap.NewTable(4)
	m := newFakeMmu()
	st := NewState(frames, m)
	var sm SegMap
	sm[0] = SlotFromDiskAddr(10)

	ids := frames.AllocFree(2)
	require.Equal(t, defs.OK, st.Assoc(&sm, 0, 0, ids[0], true, false))
	require.Equal(t, defs.OK, st.Assoc(&sm, 0, 0, ids[1], true, false))
	require.Equal(t, ids[1], sm[0].Frame())
	require.Equal(t, 1, m.removed) // old wired mapping removed once
}

func TestInvalidatePageRestoresDiskForm(t *testing.T) {
	frames := mmap.NewTable(2)
	m := newFakeMmu()
	st := NewState(frames, m)
	var sm SegMap
	sm[0] = SlotFromDiskAddr(55)

	ids := frames.AllocFree(1)
	require.Equal(t, defs.OK, st.Assoc(&sm, 2, 0, ids[0], true, false))

	freed := st.InvalidatePage(&sm, 2, 0)
	require.Equal(t, ids[0], freed)
	require.False(t, sm[0].InUse())
	require.Equal(t, 1, m.removed)
}

func TestInvalidatePageNoopWhenNotInstalled(t *testing.T) {
	frames := mmap.NewTable(1)
	st := NewState(frames, newFakeMmu())
	var sm SegMap
	require.Equal(t, mmap.FrameNil, st.InvalidatePage(&sm, 0, 0))
}

func TestWaitForTransitionClearsAndAdvances(t *testing.T) {
	frames := mmap.NewTable(1)
	st := NewState(frames, newFakeMmu())
	var sm SegMap
	st.Lock()
	st.SetTransitionBits(&sm, 0, 1)
	st.Unlock()
	require.True(t, sm[0].InTransition())

	done := make(chan struct{})
	go func() {
		st.Lock()
		st.WaitForTransition(&sm, 0)
		st.Unlock()
		close(done)
	}()

	st.Lock()
	st.ClearTransitionBits(&sm, 0, 1)
	st.Unlock()

	<-done
	require.False(t, sm[0].InTransition())
}
