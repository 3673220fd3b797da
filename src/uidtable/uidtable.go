/// Package uidtable implements a bucket-locked, open-chaining hash
/// table keyed by a 64-bit UID, generic over the entry type so it can
/// back both the active-object table and any other UID-keyed index.
package uidtable

import "sync"

/// Keyed is implemented by anything storable in a Table: it must be
/// able to report the UID it's keyed under and the next entry in its
/// hash chain, mirroring the Bucket_t/elem_t open-chaining idiom.
type Keyed[K comparable] interface {
	Key() K
	SetNext(v any)
	Next() any
}

/// Table is a fixed-size bucket array; each bucket is guarded by its
/// own mutex so lookups on different buckets never contend.
type Table[K comparable, V Keyed[K]] struct {
	buckets []bucket[K, V]
	hash    func(K) uint64
}

type bucket[K comparable, V Keyed[K]] struct {
	mu   sync.Mutex
	head V
	has  bool
}

/// New creates a table with nbuckets buckets, hashing keys with hash.
func New[K comparable, V Keyed[K]](nbuckets int, hash func(K) uint64) *Table[K, V] {
	if nbuckets <= 0 {
		nbuckets = 1
	}
	return &Table[K, V]{
		buckets: make([]bucket[K, V], nbuckets),
		hash:    hash,
	}
}

func (t *Table[K, V]) idx(k K) uint64 {
	return t.hash(k) % uint64(len(t.buckets))
}

/// Lookup returns the entry for k, if present.
func (t *Table[K, V]) Lookup(k K) (V, bool) {
	var zero V
	b := &t.buckets[t.idx(k)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.has {
		return zero, false
	}
	cur := b.head
	for {
		if cur.Key() == k {
			return cur, true
		}
		nxt, ok := cur.Next().(V)
		if !ok {
			return zero, false
		}
		cur = nxt
	}
}

/// InsertHead links v at the head of its bucket's chain. Callers are
/// responsible for ensuring v isn't already linked elsewhere.
func (t *Table[K, V]) InsertHead(v V) {
	b := &t.buckets[t.idx(v.Key())]
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.has {
		v.SetNext(b.head)
	} else {
		v.SetNext(nil)
	}
	b.head = v
	b.has = true
}

/// Remove unlinks the entry matching k from its bucket's chain.
func (t *Table[K, V]) Remove(k K) bool {
	b := &t.buckets[t.idx(k)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.has {
		return false
	}
	if b.head.Key() == k {
		nxt, ok := b.head.Next().(V)
		if ok {
			b.head = nxt
			b.has = true
		} else {
			var zero V
			b.head = zero
			b.has = false
		}
		return true
	}
	prev := b.head
	for {
		nxt, ok := prev.Next().(V)
		if !ok {
			return false
		}
		if nxt.Key() == k {
			prev.SetNext(nxt.Next())
			return true
		}
		prev = nxt
	}
}

/// WithBucket runs fn while holding the lock for k's bucket, for
/// callers that need to check-then-insert atomically.
func (t *Table[K, V]) WithBucket(k K, fn func()) {
	b := &t.buckets[t.idx(k)]
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}
