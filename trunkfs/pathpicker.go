package trunkfs

import (
	"context"
	"sync/atomic"

	"github.com/fastdfs-go/trunkstore"
)

// RoundRobinPathPicker implements trunkstore.PathPicker by cycling
// through a fixed set of store paths, the same atomically-toggled index
// idiom the teacher's replicationTracker uses to flip between its active
// and passive base folders.
type RoundRobinPathPicker struct {
	count uint32
	next  atomic.Uint32
}

// NewRoundRobinPathPicker returns a picker cycling over [0, count).
func NewRoundRobinPathPicker(count int) *RoundRobinPathPicker {
	return &RoundRobinPathPicker{count: uint32(count)}
}

// PickPath returns the next store-path index in round-robin order.
func (p *RoundRobinPathPicker) PickPath(ctx context.Context) (uint8, error) {
	if p.count == 0 {
		return 0, trunkstore.Error{Code: trunkstore.InvalidArgument, Context: "path picker has no configured store paths"}
	}
	n := p.next.Add(1) - 1
	return uint8(n % p.count), nil
}
