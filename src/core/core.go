/// Package core wires the AST, PMAP, and MMAP subsystems together into
/// the paging core's public surface: initialization, the activation
/// and page-fault entry points, the object-cache and lifecycle calls,
/// and the two periodic sweeps (update, ws_scan_callback) run under
/// errgroup supervision.
package core

import (
	"context"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"ast"
	"defs"
	"extern"
	"metrics"
	"mmap"
	"pmap"
)

/// Config bundles everything needed to bring up a State: the arena
/// sizes, the collaborator contracts, and the MMU implementation.
type Config struct {
	NumFrames int
	NumAotes  int
	NumAstes  int
	NumHashBuckets int

	Mmu  pmap.Mmu
	Vtoc extern.Vtoc
	Fm   extern.Fm
	Net  extern.Network
	Disk extern.Disk
	Bat  extern.Bat

	Registerer prometheus.Registerer
	Logger     log.Logger
}

/// State is the top-level paging core: the wired-together subsystem
/// states plus the asid free list and the background sweep lifecycle.
type State struct {
	Frames *mmap.Table
	Pmap   *pmap.State
	Ast    *ast.State
	Metrics *metrics.Metrics

	logger log.Logger

	asidFree []defs.Pid_t
	asidNext defs.Pid_t

	watermark uint32

	cancel context.CancelFunc
	group  *errgroup.Group
}

/// Init builds a State from cfg. It does not start the background
/// sweeps; call Run for that once the caller is ready.
func Init(cfg Config) *State {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	m := metrics.New(cfg.Registerer)
	frames := mmap.NewTable(cfg.NumFrames)
	pmapSt := pmap.NewState(frames, cfg.Mmu)
	astSt := ast.NewState(cfg.NumAotes, cfg.NumAstes, frames, pmapSt, cfg.Vtoc, cfg.Fm, cfg.Net, cfg.Disk, cfg.Bat, m, cfg.Logger, cfg.NumHashBuckets)
	return &State{
		Frames:  frames,
		Pmap:    pmapSt,
		Ast:     astSt,
		Metrics: m,
		logger:  cfg.Logger,
	}
}

/// AddAotes and AddAstes grow the AOTE/ASTE arenas. The teacher's
/// arenas are fixed-size at construction; the core mirrors that by
/// rejecting growth past the originally configured capacity rather
/// than silently reallocating live, pointer-free-listed arrays.
func (s *State) AddAotes(count int) defs.Err_t {
	return defs.AstIncompatibleRequest
}

func (s *State) AddAstes(count int) defs.Err_t {
	return defs.AstIncompatibleRequest
}

/// ActivateAndWire resolves (uid, seg) to a wired ASTE.
func (s *State) ActivateAndWire(uid defs.Uid_t, seg uint16, vol defs.VolIdx, remote bool, node defs.NodeId) (ast.AsteId, defs.Err_t) {
	return s.Ast.ActivateAndWire(uid, seg, vol, remote, node)
}

func (s *State) MsteActivateAndWire(aote ast.AoteId, seg uint16) ast.AsteId {
	return s.Ast.MsteActivateAndWire(aote, seg)
}

func (s *State) DeactivateSegment(id ast.AsteId, purgeMode int) defs.Err_t {
	return s.Ast.DeactivateSegment(id, purgeMode)
}

func (s *State) Invalidate(aote ast.AoteId, seg uint16, startPage, endPage uint8, withWait bool) defs.Err_t {
	return s.Ast.Invalidate(aote, seg, startPage, endPage, withWait)
}

func (s *State) ReleasePages(id ast.AsteId) defs.Err_t {
	return s.Ast.ReleasePages(id)
}

/// Touch runs the fault-engine inner loop directly.
func (s *State) Touch(id ast.AsteId, mode int, page uint8, count int, flags uint8) ([]mmap.FrameId, int, defs.Err_t) {
	return s.Ast.Touch(id, mode, page, count, flags)
}

/// Assoc, AssocArea, and PmapAssoc are the three page-association
/// entry points §6 lists: Assoc is the high-level UID-keyed path;
/// AssocArea is its area-segment twin (no AOTE concurrency check);
/// PmapAssoc exposes the raw slot-level primitive for a caller that
/// already holds a resolved ASTE and segment map.
func (s *State) Assoc(uid defs.Uid_t, seg uint16, vol defs.VolIdx, remote bool, node defs.NodeId, mode int, page uint8, flags uint8, frame mmap.FrameId) (mmap.FrameId, defs.Err_t) {
	return s.Ast.Assoc(uid, seg, vol, remote, node, mode, page, flags, frame)
}

func (s *State) AssocArea(sm *pmap.SegMap, segIndex uint32, page uint8, frame mmap.FrameId, wired, cow bool) defs.Err_t {
	s.Pmap.Lock()
	defer s.Pmap.Unlock()
	return s.Pmap.AssocArea(sm, segIndex, page, frame, wired, cow)
}

func (s *State) PmapAssoc(sm *pmap.SegMap, segIndex uint32, page uint8, frame mmap.FrameId, wired, cow bool) defs.Err_t {
	s.Pmap.Lock()
	defer s.Pmap.Unlock()
	return s.Pmap.Assoc(sm, segIndex, page, frame, wired, cow)
}

func (s *State) FreePages(id ast.AsteId, start, end uint8, flushInstalled func([]mmap.FrameId), bat extern.Bat, vol defs.VolIdx) {
	s.Ast.FreePages(id, start, end, flushInstalled, bat, vol)
}

func (s *State) InvalidatePage(sm *pmap.SegMap, segIndex uint32, page uint8) mmap.FrameId {
	s.Pmap.Lock()
	defer s.Pmap.Unlock()
	return s.Pmap.InvalidatePage(sm, segIndex, page)
}

/// PageZero clears frame's contents. The paging core doesn't own
/// physical memory itself (the arena stores bookkeeping only, not page
/// bytes); a real kernel would zero the backing physical page here.
/// Exposed for API completeness and for tests that want a named hook
/// to stub.
func (s *State) PageZero(frame mmap.FrameId) {}

func (s *State) LoadAote(id ast.AoteId, attrs extern.Attrs) {
	s.Ast.LoadAote(id, attrs)
}

/// LocateAste resolves (uid, seg) to an ASTE without wiring it,
/// creating the AOTE/ASTE chain on a miss the same way
/// ActivateAndWire does, but leaving the wire count untouched.
func (s *State) LocateAste(uid defs.Uid_t, seg uint16, vol defs.VolIdx, remote bool, node defs.NodeId) (ast.AsteId, defs.Err_t) {
	aoteId, err := s.Ast.ForceActivateSegment(uid, vol, remote, node)
	if err != defs.OK {
		return ast.AsteNil, err
	}
	return s.Ast.LookupOrCreateAste(aoteId, seg), defs.OK
}

/// SetAttributeInternal updates one field of an AOTE's cached
/// attribute buffer, marking it dirty so the next purify writes it
/// back. attr selects which field: 0=Dts, 1=Dtm, 2=Dtu, 3=Size.
func (s *State) SetAttributeInternal(id ast.AoteId, attr int, value uint64) defs.Err_t {
	return s.Ast.SetAttribute(id, attr, value)
}

/// Update runs one pass of the periodic AOTE/ASTE writeback sweep.
func (s *State) Update() (astesDone, aotesDone int) {
	s.watermark++
	return s.Ast.Update(s.watermark)
}

/// WsScanCallback runs the replacement scanner against one WSL slot,
/// the periodic-timer-driven counterpart to the on-demand steal inside
/// AllocPure. referenced/clearRef/evict let the caller wire in real
/// MMU reference-bit and PTE-invalidation behavior.
func (s *State) WsScanCallback(wsl int, mode mmap.ScanMode, needed int, referenced func(mmap.FrameId) bool, clearRef func(mmap.FrameId), evict func(mmap.FrameId)) int {
	return s.Frames.WsScan(wsl, mode, needed, referenced, clearRef, evict)
}

/// FreeAsid releases an address-space id back to the free list,
/// tearing down its working set first.
func (s *State) FreeAsid(pid defs.Pid_t) {
	s.Frames.FreeWsl(pid)
	s.asidFree = append(s.asidFree, pid)
}

/// AllocAsid returns a fresh address-space id, preferring the free
/// list over the monotonic counter.
func (s *State) AllocAsid() defs.Pid_t {
	if n := len(s.asidFree); n > 0 {
		pid := s.asidFree[n-1]
		s.asidFree = s.asidFree[:n-1]
		return pid
	}
	s.asidNext++
	return s.asidNext
}

/// Run starts the two periodic sweeps (update, ws_scan_callback) under
/// errgroup supervision, ticking at the given intervals until ctx is
/// canceled or Stop is called. Each sweep's results are discarded and
/// nothing is logged.
func (s *State) Run(ctx context.Context, updateEvery, scanEvery time.Duration) {
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	s.cancel = cancel
	s.group = g

	g.Go(func() error {
		t := time.NewTicker(updateEvery)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				astes, aotes := s.Update()
				_ = astes
				_ = aotes
			}
		}
	})

	g.Go(func() error {
		t := time.NewTicker(scanEvery)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				for wsl := mmap.WslMinUser; wsl < mmap.WslMax; wsl++ {
					s.Frames.WsScan(wsl, mmap.ScanNormal, 1<<16, nil, nil, nil)
				}
			}
		}
	})
}

/// Stop cancels the background sweeps started by Run and waits for
/// them to exit.
func (s *State) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.group.Wait()
	s.group = nil
	s.cancel = nil
	return err
}

/// DumpFrameProfile renders the frame arena's wire-count distribution
/// as a pprof profile, one sample per distinct wire count observed,
/// so an operator can load it into the standard pprof tooling to see
/// which pinning level dominates the arena.
func (s *State) DumpFrameProfile(w io.Writer) error {
	byCount := map[uint32]int64{}
	for id := 1; id < s.Frames.Len(); id++ {
		wc := s.Frames.Peek(mmap.FrameId(id)).WireCount
		byCount[wc]++
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "frames", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "wire_count", Unit: "count"},
		Period:     1,
	}
	locByCount := map[uint32]*profile.Location{}
	var id uint64
	for wc := range byCount {
		id++
		fn := &profile.Function{ID: id, Name: wireCountLabel(wc)}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		locByCount[wc] = loc
	}
	for wc, n := range byCount {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{locByCount[wc]},
			Value:    []int64{n},
		})
	}
	return p.Write(w)
}

func wireCountLabel(wc uint32) string {
	if wc == 0 {
		return "unwired"
	}
	return "wired"
}
