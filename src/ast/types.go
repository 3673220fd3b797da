/// Package ast implements the Active Object Table and Active Segment
/// Table: per-object (AOTE) and per-(object,segment) (ASTE)
/// descriptors, the AST lock that protects their tables, and the
/// lifecycle operations that allocate, look up, activate, deactivate,
/// and evict them.
///
/// AOTE and ASTE share one package, not two, because they reference
/// each other directly (an ASTE's AoteId back-pointer, an AOTE's
/// ASTE chain head) and Go has no forward-declared cross-package
/// types; splitting them would force an artificial third package just
/// to hold the shared id types.
package ast

import (
	"defs"
	"ec"
	"extern"
	"pmap"
)

/// AoteId is a dense index into the AOTE arena. AoteNil is the
/// "no AOTE" sentinel.
type AoteId uint32

const AoteNil AoteId = 0

/// AsteId is a dense index into the ASTE arena. AsteNil is the
/// "no ASTE" / list-terminator sentinel.
type AsteId uint32

const AsteNil AsteId = 0

// AOTE flags.
type aoteFlags uint16

const (
	aoteInTransition aoteFlags = 1 << iota
	aoteBusy
	aoteDirty
	aoteTouched
	aoteSizeHintDirty
	aoteRemote
	aotePerBoot
	aoteSystem
)

/// Aote is one Active Object Table Entry.
type Aote struct {
	Uid      defs.Uid_t
	Vol      defs.VolIdx
	Node     defs.NodeId
	Attrs    extern.Attrs
	AsteHead AsteId
	AsteCnt  int
	RefCount int32
	Seqn     uint64
	flags    aoteFlags
	hashNext AoteId
	freeNext AoteId
}

func (a *Aote) InTransition() bool { return a.flags&aoteInTransition != 0 }
func (a *Aote) Busy() bool         { return a.flags&aoteBusy != 0 }
func (a *Aote) Dirty() bool        { return a.flags&aoteDirty != 0 }
func (a *Aote) Touched() bool      { return a.flags&aoteTouched != 0 }
func (a *Aote) Remote() bool       { return a.flags&aoteRemote != 0 }
func (a *Aote) PerBoot() bool      { return a.flags&aotePerBoot != 0 }
func (a *Aote) System() bool       { return a.flags&aoteSystem != 0 }

func (a *Aote) setFlag(f aoteFlags, v bool) {
	if v {
		a.flags |= f
	} else {
		a.flags &^= f
	}
}

// ASTE flags.
type asteFlags uint16

const (
	asteInTransition asteFlags = 1 << iota
	asteBusy
	asteDirty
	asteTouched
	asteArea
	asteRemote
	asteLocked
	asteExclusive
	asteOsOnly
)

/// Aste is one Active Segment Table Entry.
type Aste struct {
	Aote       AoteId
	Segment    uint16
	SegMap     pmap.SegMap
	WireCount  int32
	PageCount  int
	Readers    int32 // outstanding SHARED-mode touch/assoc callers
	Next       AsteId // next-lower segment in the AOTE's descending list
	flags      asteFlags
	freeNext   AsteId
	vtoceFmPtr uint32
}

func (a *Aste) InTransition() bool { return a.flags&asteInTransition != 0 }
func (a *Aste) Busy() bool         { return a.flags&asteBusy != 0 }
func (a *Aste) Dirty() bool        { return a.flags&asteDirty != 0 }
func (a *Aste) Touched() bool      { return a.flags&asteTouched != 0 }
func (a *Aste) Area() bool         { return a.flags&asteArea != 0 }
func (a *Aste) Remote() bool       { return a.flags&asteRemote != 0 }
func (a *Aste) Locked() bool       { return a.flags&asteLocked != 0 }
func (a *Aste) Exclusive() bool    { return a.flags&asteExclusive != 0 }
func (a *Aste) OsOnly() bool       { return a.flags&asteOsOnly != 0 }

func (a *Aste) setFlag(f asteFlags, v bool) {
	if v {
		a.flags |= f
	} else {
		a.flags &^= f
	}
}

// Tunable scan widths for the eviction searches in allocate_aote and
// allocate_aste, kept as named constants so they can be retuned
// without hunting for magic numbers.
const (
	aoteScanCandidates = 6
	asteScanCandidates = 12
)
