package trunkstore

import "context"

// Clock is the process-wide source of a monotonic-ish current-second
// value, used to stamp binlog records. Spec.md §9 explicitly does not
// require clock monotonicity; implementations need not guard against
// rewinds.
type Clock interface {
	// NowUnix returns the current time as seconds since the Unix epoch.
	NowUnix() int64
}

// PathPicker returns a store-path index for a new trunk file. The
// allocator never decides which store path to use on its own: Allocate
// creates trunks on the path its caller names, and Precreate, which is
// given no path, asks PathPicker once for every trunk it creates.
type PathPicker interface {
	// PickPath returns a store-path index in [0, StorePathCount).
	PickPath(ctx context.Context) (uint8, error)
}

// BinlogRecord is one decoded ADD/DEL line of the trunk binlog (spec §4.2).
type BinlogRecord struct {
	Timestamp int64
	Op        BinlogOp
	Region    TrunkRegion
}

// BinlogOp is the single-character operation code of a binlog record.
type BinlogOp byte

const (
	// OpAdd marks a region becoming FREE.
	OpAdd BinlogOp = 'A'
	// OpDel marks a region no longer being FREE.
	OpDel BinlogOp = 'D'
)

// BinlogWriter is the cluster-wide log writer that persists textual
// binlog records durably. The allocator core treats it as an append-only
// sink: it hands over fully formatted lines (via BinlogCodec) in the
// exact order they must be durable, and never reads them back through
// this interface. Recovery instead opens the binlog file at its known
// path directly (Recovery.BinlogPath), the same way Snapshot opens the
// snapshot file directly - reading back what was written is not part of
// the durability contract BinlogWriter exists to provide.
type BinlogWriter interface {
	// Append durably persists one already-encoded binlog record line
	// (without its trailing newline) before returning.
	Append(ctx context.Context, line string) error
	// Size returns the current length, in bytes, of the durable binlog.
	Size(ctx context.Context) (int64, error)
	// Reopen re-establishes the writer's handle to the binlog at its
	// canonical path. The Compactor calls it right after atomically
	// replacing the binlog file, so a writer holding a descriptor to the
	// replaced file doesn't keep appending to an unlinked inode.
	Reopen(ctx context.Context) error
}

// TrunkFileIO wraps operations against trunk backing files on disk. The
// allocator never opens a trunk file itself outside of this contract.
type TrunkFileIO interface {
	// Create preallocates a new backing file of exactly size bytes at
	// path. It must fail with a Timeout-coded error if a concurrent
	// creator is already sizing the same path and doesn't finish within
	// the provider's own wait budget (spec §4.1.2 step 5).
	Create(ctx context.Context, path string, size uint32) error
	// Exists reports whether a backing file already exists at path.
	Exists(ctx context.Context, path string) (bool, error)
	// WriteHeaderAt writes the 8-byte trunk header (spec §6) for a region
	// at the given offset inside path.
	WriteHeaderAt(ctx context.Context, path string, offset uint32, header TrunkHeader) error
	// CheckHeaderAt reads the 8-byte trunk header at the given offset.
	CheckHeaderAt(ctx context.Context, path string, offset uint32) (TrunkHeader, error)
	// DeleteRegion zeroes the header at offset, marking the region
	// reclaimable.
	DeleteRegion(ctx context.Context, path string, offset uint32) error
}

// SpaceChecker answers the reserved-space headroom question precreate
// asks before creating trunk files (spec §4.1): would consuming an
// additional needed bytes still leave the filesystem its configured
// reserve? Implementations own the reserve threshold; the allocator only
// supplies the prospective consumption.
type SpaceChecker interface {
	HasHeadroom(ctx context.Context, needed int64) (bool, error)
}

// SnapshotErasureCoder optionally protects a snapshot body with redundant
// encoding split across shards (SPEC_FULL §4.6). Write is called with the
// full rendered snapshot body right after it has been fsynced to the tmp
// file and before the rename over the canonical path; Read is consulted
// by Snapshot.Read only as a fallback when the canonical file is missing
// or fails its trailing-newline sanity check. A nil SnapshotErasureCoder
// disables the feature entirely - Snapshot never requires one.
type SnapshotErasureCoder interface {
	Write(ctx context.Context, snapshotPath string, data []byte) error
	Read(ctx context.Context, snapshotPath string) ([]byte, error)
}

// TrunkHeader is the 8-byte header every allocated region begins with
// (spec §6).
type TrunkHeader struct {
	AllocSize uint32
	FileType  uint8
}

// FileType values for TrunkHeader.
const (
	FileTypeNone   uint8 = 0x00
	FileTypeNormal uint8 = 0x01
)
