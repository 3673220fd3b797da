package uidtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type entry struct {
	uid  uint64
	next any
}

func (e *entry) Key() uint64     { return e.uid }
func (e *entry) SetNext(v any)   { e.next = v }
func (e *entry) Next() any       { return e.next }

func identityHash(k uint64) uint64 { return k }

func TestLookupMissOnEmptyTable(t *testing.T) {
	tbl := New[uint64, *entry](4, identityHash)
	_, ok := tbl.Lookup(1)
	require.False(t, ok)
}

func TestInsertAndLookup(t *testing.T) {
	tbl := New[uint64, *entry](4, identityHash)
	tbl.InsertHead(&entry{uid: 1})
	tbl.InsertHead(&entry{uid: 5}) // same bucket as 1 mod 4

	got, ok := tbl.Lookup(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Key())

	got5, ok5 := tbl.Lookup(5)
	require.True(t, ok5)
	require.Equal(t, uint64(5), got5.Key())
}

func TestRemoveMiddleOfChain(t *testing.T) {
	tbl := New[uint64, *entry](4, identityHash)
	tbl.InsertHead(&entry{uid: 1})
	tbl.InsertHead(&entry{uid: 5})
	tbl.InsertHead(&entry{uid: 9})

	require.True(t, tbl.Remove(5))
	_, ok := tbl.Lookup(5)
	require.False(t, ok)

	_, ok9 := tbl.Lookup(9)
	require.True(t, ok9)
	_, ok1 := tbl.Lookup(1)
	require.True(t, ok1)
}

func TestRemoveMissingReturnsFalse(t *testing.T) {
	tbl := New[uint64, *entry](4, identityHash)
	require.False(t, tbl.Remove(42))
}

func TestZeroBucketsClampsToOne(t *testing.T) {
	tbl := New[uint64, *entry](0, identityHash)
	tbl.InsertHead(&entry{uid: 7})
	_, ok := tbl.Lookup(7)
	require.True(t, ok)
}

func TestWithBucketRunsUnderLock(t *testing.T) {
	tbl := New[uint64, *entry](4, identityHash)
	ran := false
	tbl.WithBucket(3, func() { ran = true })
	require.True(t, ran)
}
