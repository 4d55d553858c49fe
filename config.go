package trunkstore

import "time"

// Config carries the configuration inputs the allocator core observes
// (spec §6). Loading these from a file or flags is outside this
// package's scope - the caller builds a Config however its outer layer
// sees fit.
type Config struct {
	// SlotMinSize is the smallest region size the allocator will track;
	// release() silently drops anything smaller.
	SlotMinSize uint32
	// SlotMaxSize is the largest region size a single region may have.
	SlotMaxSize uint32
	// TrunkFileSize is the fixed size of a backing trunk file in bytes.
	TrunkFileSize uint32
	// StorePathCount is the number of configured storage roots.
	StorePathCount int

	// CreateFileAdvance records whether trunks are to be created ahead of
	// demand. The scheduling decision of *when* to call precreate lives
	// outside this package, and nothing in this package reads the flag:
	// Precreate behaves the same whatever its value.
	CreateFileAdvance bool
	// CreateFileSpaceThreshold is the free-space floor precreate tries to
	// maintain, compared against the total free space summed over all
	// store paths.
	CreateFileSpaceThreshold int64

	// CompressBinlogMinInterval is the minimum duration between
	// successful compactions.
	CompressBinlogMinInterval time.Duration

	// InitCheckOccupying, when true, makes Recovery consult each region's
	// on-disk trunk header and drop regions whose header reports
	// file_type == 0x01 (still occupied).
	InitCheckOccupying bool
	// InitReloadFromBinlog, when true, makes Recovery ignore any existing
	// snapshot and replay the binlog from offset 0.
	InitReloadFromBinlog bool

	// SnapshotErasureParityShards, when > 0, enables erasure-coded
	// snapshot redundancy: StorePathCount data shards plus this many
	// parity shards. trunkfs.NewSnapshot honours it when constructing the
	// Snapshot; zero disables the feature.
	SnapshotErasureParityShards int
}

// trunkFileSizeOrDefault guards against a zero-value Config in tests.
func (c Config) trunkFileSizeOrDefault() uint32 {
	if c.TrunkFileSize == 0 {
		return 64 * 1024 * 1024
	}
	return c.TrunkFileSize
}

func (c Config) slotMinSizeOrDefault() uint32 {
	if c.SlotMinSize == 0 {
		return 256
	}
	return c.SlotMinSize
}
