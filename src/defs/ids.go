/// Package defs holds identifiers and status codes shared across the
/// paging core's subsystems, the way biscuit's defs package holds
/// device numbers and Err_t shared across the kernel.
package defs

/// Uid_t is the 64-bit opaque object identifier every AOTE is keyed by.
type Uid_t uint64

/// NilUid is the UID value reserved to mean "no object".
const NilUid Uid_t = 0

/// Tid_t identifies a kernel thread for accounting and wait-channel
/// bookkeeping.
type Tid_t uint64

/// Pid_t identifies a process, the unit a working-set list is assigned
/// to in MMAP.
type Pid_t uint32

/// NilPid marks a working-set list as unowned.
const NilPid Pid_t = 0

/// VolIdx identifies a local volume; NodeId identifies a remote node
/// when an AOTE's object lives across the network.
type VolIdx uint16
type NodeId uint32
