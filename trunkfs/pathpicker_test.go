package trunkfs

import (
	"context"
	"testing"

	"github.com/fastdfs-go/trunkstore"
)

func TestRoundRobinPathPicker_CyclesThroughAllPaths(t *testing.T) {
	p := NewRoundRobinPathPicker(3)
	ctx := context.Background()
	want := []uint8{0, 1, 2, 0, 1, 2}
	for i, w := range want {
		got, err := p.PickPath(ctx)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("pick %d: want %d got %d", i, w, got)
		}
	}
}

func TestRoundRobinPathPicker_ZeroCountIsInvalidArgument(t *testing.T) {
	p := NewRoundRobinPathPicker(0)
	_, err := p.PickPath(context.Background())
	if !trunkstore.IsCode(err, trunkstore.InvalidArgument) {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}
