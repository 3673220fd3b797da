package ast

import (
	"hash/fnv"
	"sync"

	"github.com/go-kit/log"

	"defs"
	"ec"
	"extern"
	"metrics"
	"mmap"
	"pmap"
	"uidtable"
)

/// volState is the per-volume dismount-quiescence record: a refcount
/// of activations whose attribute I/O is in flight against the volume
/// and an event count
/// threads waiting to dismount park on.
type volState struct {
	vol       defs.VolIdx
	refCount  int32
	dismounts bool
	ec        ec.EventCount
	next      any
}

func (v *volState) Key() defs.VolIdx  { return v.vol }
func (v *volState) SetNext(n any)     { v.next = n }
func (v *volState) Next() any         { return v.next }

/// State is the AST subsystem: the AOTE and ASTE arenas, the AST lock,
/// the UID hash chain, the free lists, and the scan cursors used by
/// the eviction searches. One State is shared by the whole system —
/// the spec's "AST lock" is a single coarse lock, not one per object.
type State struct {
	mu sync.Mutex

	aotes       []Aote
	aoteHash    []AoteId // bucket array, chained via Aote.hashNext
	aoteFree    AoteId
	aoteCursor  AoteId
	aoteSeqn    uint64

	astes      []Aste
	asteFree   AsteId
	asteCursor AsteId

	transEC ec.EventCount

	vols *uidtable.Table[defs.VolIdx, *volState]

	localAsteCount  int
	remoteAsteCount int
	areaAsteCount   int

	failedUidRing []defs.Uid_t
	failedUidPos  int

	frames *mmap.Table
	pmapSt *pmap.State
	vtoc   extern.Vtoc
	fm     extern.Fm
	net    extern.Network
	disk   extern.Disk
	bat    extern.Bat

	metrics *metrics.Metrics
	logger  log.Logger
}

const failedUidRingSize = 16

/// NewState allocates an AOTE arena of naote entries and an ASTE
/// arena of naste entries, both initially entirely on their free
/// lists, index 0 reserved as the nil sentinel in each arena.
func NewState(naote, naste int, frames *mmap.Table, pmapSt *pmap.State, vtoc extern.Vtoc, fm extern.Fm, net extern.Network, disk extern.Disk, bat extern.Bat, m *metrics.Metrics, logger log.Logger, nbuckets int) *State {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &State{
		aotes:         make([]Aote, naote+1),
		aoteHash:      make([]AoteId, nbuckets),
		astes:         make([]Aste, naste+1),
		vols:          uidtable.New[defs.VolIdx, *volState](16, func(v defs.VolIdx) uint64 { return uint64(v) }),
		failedUidRing: make([]defs.Uid_t, failedUidRingSize),
		frames:        frames,
		pmapSt:        pmapSt,
		vtoc:          vtoc,
		fm:            fm,
		net:           net,
		disk:          disk,
		bat:           bat,
		metrics:       m,
		logger:        logger,
	}
	for i := 1; i < len(s.aotes); i++ {
		s.aotes[i].freeNext = s.aoteFree
		s.aoteFree = AoteId(i)
	}
	for i := 1; i < len(s.astes); i++ {
		s.astes[i].freeNext = s.asteFree
		s.asteFree = AsteId(i)
	}
	return s
}

func (s *State) aote(id AoteId) *Aote { return &s.aotes[id] }
func (s *State) aste(id AsteId) *Aste { return &s.astes[id] }

func uidHash(u defs.Uid_t) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum64()
}

func (s *State) bucketOf(u defs.Uid_t) int {
	return int(uidHash(u) % uint64(len(s.aoteHash)))
}

// recordFailedUid appends uid to the ring buffer of recently-failed
// lookups, improving on the original single "last failed UID" debug
// cells with a small ring so a burst of distinct failures is still
// individually visible in a post-mortem dump.
func (s *State) recordFailedUid(u defs.Uid_t) {
	s.failedUidRing[s.failedUidPos%len(s.failedUidRing)] = u
	s.failedUidPos++
}

/// FailedUids returns the ring buffer's contents, oldest first.
func (s *State) FailedUids() []defs.Uid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.failedUidPos
	if n > len(s.failedUidRing) {
		n = len(s.failedUidRing)
	}
	out := make([]defs.Uid_t, n)
	for i := 0; i < n; i++ {
		idx := (s.failedUidPos - n + i) % len(s.failedUidRing)
		out[i] = s.failedUidRing[idx]
	}
	return out
}

func (s *State) volRefs(vol defs.VolIdx) *volState {
	if vs, ok := s.vols.Lookup(vol); ok {
		return vs
	}
	vs := &volState{vol: vol}
	s.vols.InsertHead(vs)
	return vs
}

/// AddVolRef pins a volume against dismount for the duration of an
/// activation; ReleaseVolRef unpins it and wakes any dismount waiter
/// once the count reaches zero.
func (s *State) AddVolRef(vol defs.VolIdx) {
	vs := s.volRefs(vol)
	s.mu.Lock()
	vs.refCount++
	s.mu.Unlock()
}

func (s *State) ReleaseVolRef(vol defs.VolIdx) {
	vs := s.volRefs(vol)
	s.mu.Lock()
	vs.refCount--
	if vs.refCount == 0 {
		vs.ec.Advance()
	}
	s.mu.Unlock()
}

/// WaitForDismount blocks until vol's outstanding reference count
/// reaches zero, the quiescence precondition a volume dismount needs
/// before it may proceed.
func (s *State) WaitForDismount(vol defs.VolIdx) {
	vs := s.volRefs(vol)
	for {
		s.mu.Lock()
		if vs.refCount == 0 {
			s.mu.Unlock()
			return
		}
		v := vs.ec.Read()
		s.mu.Unlock()
		vs.ec.WaitFor(v + 1)
	}
}
