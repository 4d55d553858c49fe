package trunkstore

import "fmt"

// RegionStatus is the in-memory-only occupancy state of a TrunkRegion.
// It is never persisted: a snapshot lists only FREE regions, and a binlog
// record carries no status field, so the ADD that Allocate writes for a
// HELD head reads back like any other ADD. The FREE/HELD transitions
// themselves happen purely in memory.
type RegionStatus int

const (
	// Free marks a region as a candidate for allocate.
	Free RegionStatus = iota
	// Held marks a region reserved by a caller that has not yet confirmed
	// or released it. Held regions are skipped by allocate's chain walk.
	Held
)

func (s RegionStatus) String() string {
	if s == Held {
		return "Held"
	}
	return "Free"
}

// ConfirmOutcome is the result a caller reports back for a previously
// allocated region via TrunkAllocator.Confirm.
type ConfirmOutcome int

const (
	// ConfirmSuccess means the write against the region completed and the
	// region is now a live user file; delete it from the free-space index.
	ConfirmSuccess ConfirmOutcome = iota
	// ConfirmAlreadyOccupied means the region turned out to be already in
	// use; the space is irretrievable and must be expunged the same as
	// ConfirmSuccess.
	ConfirmAlreadyOccupied
	// ConfirmFailed means the write never happened; return the region to
	// FREE in place, no binlog record.
	ConfirmFailed
)

// TrunkKey uniquely identifies a backing trunk file.
type TrunkKey struct {
	StorePathIndex uint8
	SubPathHigh    uint8
	SubPathLow     uint8
	FileID         uint32
}

func (k TrunkKey) String() string {
	return fmt.Sprintf("%d/%02x/%02x/%d", k.StorePathIndex, k.SubPathHigh, k.SubPathLow, k.FileID)
}

// blockKey is the FreeBlockSet/SizeIndex lookup key: a TrunkKey plus the
// byte offset of a region inside that trunk file.
type blockKey struct {
	key    TrunkKey
	offset uint32
}

// TrunkRegion is a contiguous byte-range inside a trunk file.
//
// Status is in-memory only (see RegionStatus); it is never part of a
// binlog or snapshot record.
type TrunkRegion struct {
	Key    TrunkKey
	Offset uint32
	Size   uint32
	Status RegionStatus
}

func (r TrunkRegion) blockKey() blockKey {
	return blockKey{key: r.Key, offset: r.Offset}
}

func (r TrunkRegion) String() string {
	return fmt.Sprintf("region{key=%s offset=%d size=%d status=%s}", r.Key, r.Offset, r.Size, r.Status)
}
