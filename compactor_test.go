package trunkstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCompactor_RunShrinksBinlogToCurrentSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	binlogPath := filepath.Join(dir, "trunk.binlog")
	snapPath := filepath.Join(dir, "storage_trunk.dat")

	a, _, _ := newTestAllocator(t, testConfig(1), binlogPath)
	if _, err := a.Allocate(ctx, 1024, 0); err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	r2, err := a.Allocate(ctx, 2048, 0)
	if err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if err := a.Confirm(ctx, r2, ConfirmSuccess); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	before, err := os.Stat(binlogPath)
	if err != nil {
		t.Fatalf("stat binlog: %v", err)
	}

	c := Compactor{Snapshot: Snapshot{Path: snapPath}, BinlogPath: binlogPath}
	if err := c.Run(ctx, a); err != nil {
		t.Fatalf("compact: %v", err)
	}

	after, err := os.Stat(binlogPath)
	if err != nil {
		t.Fatalf("stat compacted binlog: %v", err)
	}
	if after.Size() >= before.Size() {
		t.Fatalf("compaction must shrink the binlog: before=%d after=%d", before.Size(), after.Size())
	}

	wantFree := freeTriplesOf(a)
	wantTotal := a.TotalFreeSpace()

	b, _, _ := newUnreadyTestAllocator(t, testConfig(1), binlogPath)
	rc := Recovery{Snapshot: Snapshot{Path: snapPath}, BinlogPath: binlogPath}
	if err := rc.Run(ctx, b); err != nil {
		t.Fatalf("recovery after compaction: %v", err)
	}
	b.MarkReady()

	if got := b.TotalFreeSpace(); got != wantTotal {
		t.Fatalf("total free space after recovering compacted state: want %d got %d", wantTotal, got)
	}
	gotFree := freeTriplesOf(b)
	if len(gotFree) != len(wantFree) {
		t.Fatalf("want %d free regions, got %d", len(wantFree), len(gotFree))
	}
}

// TestCompactor_AppendsAfterCompactionSurviveRecovery guards the
// writer-reopen step of commit: without it, records written after the
// binlog was renamed away would land on the replaced file and vanish
// from the next recovery.
func TestCompactor_AppendsAfterCompactionSurviveRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	binlogPath := filepath.Join(dir, "trunk.binlog")
	snapPath := filepath.Join(dir, "storage_trunk.dat")

	a, _, _ := newTestAllocator(t, testConfig(1), binlogPath)
	r1, err := a.Allocate(ctx, 1024, 0)
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	if err := a.Confirm(ctx, r1, ConfirmSuccess); err != nil {
		t.Fatalf("confirm 1: %v", err)
	}

	c := Compactor{Snapshot: Snapshot{Path: snapPath}, BinlogPath: binlogPath}
	if err := c.Run(ctx, a); err != nil {
		t.Fatalf("compact: %v", err)
	}

	r2, err := a.Allocate(ctx, 2048, 0)
	if err != nil {
		t.Fatalf("allocate after compaction: %v", err)
	}
	if err := a.Confirm(ctx, r2, ConfirmSuccess); err != nil {
		t.Fatalf("confirm after compaction: %v", err)
	}

	wantFree := freeTriplesOf(a)
	wantTotal := a.TotalFreeSpace()

	b, _, _ := newUnreadyTestAllocator(t, testConfig(1), binlogPath)
	rc := Recovery{Snapshot: Snapshot{Path: snapPath}, BinlogPath: binlogPath}
	if err := rc.Run(ctx, b); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	b.MarkReady()

	if got := b.TotalFreeSpace(); got != wantTotal {
		t.Fatalf("total free space: want %d got %d", wantTotal, got)
	}
	gotFree := freeTriplesOf(b)
	if len(gotFree) != len(wantFree) {
		t.Fatalf("want %d free regions, got %d (want=%v got=%v)", len(wantFree), len(gotFree), wantFree, gotFree)
	}
	for i := range wantFree {
		if gotFree[i] != wantFree[i] {
			t.Fatalf("mismatch at %d: want %+v got %+v", i, wantFree[i], gotFree[i])
		}
	}
}

func TestCompactor_RespectsMinInterval(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	binlogPath := filepath.Join(dir, "trunk.binlog")
	snapPath := filepath.Join(dir, "storage_trunk.dat")

	cfg := testConfig(1)
	cfg.CompressBinlogMinInterval = time.Hour
	a, clock, _ := newTestAllocator(t, cfg, binlogPath)
	clock.advance(1000) // away from the zero value, which Compactor treats as "never compacted"
	if _, err := a.Allocate(ctx, 1024, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	c := Compactor{Snapshot: Snapshot{Path: snapPath}, BinlogPath: binlogPath}
	if err := c.Run(ctx, a); err != nil {
		t.Fatalf("first compaction: %v", err)
	}
	afterFirst, err := os.Stat(binlogPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if _, err := a.Allocate(ctx, 2048, 0); err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	clock.advance(1) // nowhere near the configured interval
	if err := c.Run(ctx, a); err != nil {
		t.Fatalf("second compaction (should be a no-op): %v", err)
	}
	afterSecond, err := os.Stat(binlogPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if afterSecond.Size() <= afterFirst.Size() {
		t.Fatalf("a skipped compaction must still observe the allocate(2048) append: before=%d after=%d", afterFirst.Size(), afterSecond.Size())
	}
}

func TestCompactor_RollbackRestoresLiveBinlogOnFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	binlogPath := filepath.Join(dir, "trunk.binlog")
	// A snapshot path inside a directory that doesn't exist forces
	// Snapshot.Write to fail between apply() and commit(), exercising
	// rollback().
	snapPath := filepath.Join(dir, "missing-subdir", "storage_trunk.dat")

	a, _, _ := newTestAllocator(t, testConfig(1), binlogPath)
	if _, err := a.Allocate(ctx, 1024, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	before, err := os.ReadFile(binlogPath)
	if err != nil {
		t.Fatalf("read binlog: %v", err)
	}

	c := Compactor{Snapshot: Snapshot{Path: snapPath}, BinlogPath: binlogPath}
	if err := c.Run(ctx, a); err == nil {
		t.Fatalf("expected compaction to fail when the snapshot directory is missing")
	}

	after, err := os.ReadFile(binlogPath)
	if err != nil {
		t.Fatalf("read binlog after rollback: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("rollback must restore the live binlog unchanged")
	}
}
