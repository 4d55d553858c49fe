package trunkstore

import "testing"

func regionOf(offset, size uint32) TrunkRegion {
	return TrunkRegion{Key: TrunkKey{FileID: 1}, Offset: offset, Size: size, Status: Free}
}

func TestSizeIndex_FindSmallestAtLeast(t *testing.T) {
	idx := newSizeIndex()
	idx.addRegion(regionOf(0, 256))
	idx.addRegion(regionOf(256, 1024))
	idx.addRegion(regionOf(1280, 4096))

	c := idx.findSmallestAtLeast(300)
	if c == nil || c.size != 1024 {
		t.Fatalf("want size class 1024, got %v", c)
	}

	c = idx.findSmallestAtLeast(5000)
	if c != nil {
		t.Fatalf("want no qualifying class, got %v", c)
	}

	c = idx.findSmallestAtLeast(4096)
	if c == nil || c.size != 4096 {
		t.Fatalf("want exact-match size class 4096, got %v", c)
	}
}

func TestSizeIndex_ChainIsLIFO(t *testing.T) {
	idx := newSizeIndex()
	idx.addRegion(regionOf(0, 1024))
	idx.addRegion(regionOf(1024, 1024))
	idx.addRegion(regionOf(2048, 1024))

	c := idx.classes[1024]
	var offsets []uint32
	for n := c.head; n != nil; n = n.next {
		offsets = append(offsets, n.region.Offset)
	}
	want := []uint32{2048, 1024, 0}
	if len(offsets) != len(want) {
		t.Fatalf("want %d chain members, got %d", len(want), len(offsets))
	}
	for i, o := range want {
		if offsets[i] != o {
			t.Fatalf("chain order mismatch at %d: want %d got %d", i, o, offsets[i])
		}
	}
}

func TestSizeIndex_RemoveClassWhenEmptied(t *testing.T) {
	idx := newSizeIndex()
	n := idx.addRegion(regionOf(0, 1024))
	c := idx.classes[1024]
	idx.removeNode(c, n)
	if _, ok := idx.classes[1024]; ok {
		t.Fatalf("size class must be removed once its chain empties")
	}
	if len(idx.sizes) != 0 {
		t.Fatalf("sorted key slice must drop the emptied size too, got %v", idx.sizes)
	}
}

func TestSizeIndex_TakeByOffsetAcrossClasses(t *testing.T) {
	idx := newSizeIndex()
	idx.addRegion(regionOf(0, 1024))
	idx.addRegion(regionOf(4096, 8192))

	k := blockKey{key: TrunkKey{FileID: 1}, offset: 4096}
	r, ok := idx.takeByOffset(k)
	if !ok || r.Size != 8192 {
		t.Fatalf("want region at offset 4096 size 8192, got %+v ok=%v", r, ok)
	}
	if _, ok := idx.classes[8192]; ok {
		t.Fatalf("size class 8192 must be gone after taking its only member")
	}

	if _, ok := idx.takeByOffset(k); ok {
		t.Fatalf("taking an already-removed offset must report not found")
	}
}

func TestSizeIndex_TakeByOffsetMatchesFullKey(t *testing.T) {
	idx := newSizeIndex()
	idx.addRegion(regionOf(0, 1024))
	other := TrunkRegion{Key: TrunkKey{FileID: 2}, Offset: 0, Size: 2048, Status: Free}
	idx.addRegion(other)

	// Offset 0 exists in two trunks; only trunk 2's entry may be taken.
	r, ok := idx.takeByOffset(blockKey{key: TrunkKey{FileID: 2}, offset: 0})
	if !ok || r.Key.FileID != 2 || r.Size != 2048 {
		t.Fatalf("want trunk 2's region, got %+v ok=%v", r, ok)
	}
	if _, ok := idx.classes[1024]; !ok {
		t.Fatalf("trunk 1's same-offset region must be untouched")
	}
}

func TestSizeIndex_AllFreeRegionsSkipsHeld(t *testing.T) {
	idx := newSizeIndex()
	idx.addRegion(regionOf(0, 1024))
	held := regionOf(1024, 1024)
	held.Status = Held
	idx.addRegion(held)

	got := idx.allFreeRegions()
	if len(got) != 1 || got[0].Offset != 0 {
		t.Fatalf("want exactly the free region at offset 0, got %+v", got)
	}
}
