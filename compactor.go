package trunkstore

import (
	"bytes"
	"context"
	"fmt"
	log "log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Compactor compresses the binlog by atomically rewriting it as just the
// records needed to reconstruct the current snapshot (spec §4.5). It
// runs at most every Config.CompressBinlogMinInterval.
type Compactor struct {
	Snapshot   Snapshot
	BinlogPath string
}

// Run executes apply/snapshot_write/commit and then rewrites the snapshot
// once more, rolling back the live binlog if any step after apply fails,
// the post-commit snapshot rewrite included. It is a no-op, returning
// nil, if less than CompressBinlogMinInterval has elapsed since the last
// successful compaction.
func (c Compactor) Run(ctx context.Context, a *TrunkAllocator) error {
	now := a.deps.Clock.NowUnix()

	a.fileLock.Lock()
	due := a.lastCompressTime == 0 || a.cfg.CompressBinlogMinInterval <= 0 ||
		time.Duration(now-a.lastCompressTime)*time.Second >= a.cfg.CompressBinlogMinInterval
	a.fileLock.Unlock()
	if !due {
		return nil
	}

	workingCopy := c.BinlogPath + ".compact." + uuid.NewString()
	if err := c.apply(workingCopy); err != nil {
		return err
	}

	if err := c.Snapshot.Write(ctx, a); err != nil {
		c.rollback(ctx, a, workingCopy)
		return err
	}

	if err := c.commit(ctx, a); err != nil {
		c.rollback(ctx, a, workingCopy)
		return err
	}

	// The snapshot written before commit carries a watermark into the
	// replaced binlog. Refresh it so the watermark refers to the
	// compacted file; a later recovery would otherwise seek that stale
	// offset into the new file once appends grow it past the watermark.
	if err := c.Snapshot.Write(ctx, a); err != nil {
		c.rollback(ctx, a, workingCopy)
		return err
	}

	if err := os.Remove(workingCopy); err != nil {
		log.Warn("compactor: removing working copy failed", "path", workingCopy, "err", err)
	}

	a.fileLock.Lock()
	a.lastCompressTime = now
	a.fileLock.Unlock()
	return nil
}

// apply creates a side-by-side working copy of the live binlog. Writes
// against the live binlog continue to target BinlogPath directly; the
// working copy exists solely so rollback has something to restore from.
func (c Compactor) apply(workingCopyPath string) error {
	src, err := os.Open(c.BinlogPath)
	if err != nil {
		return newError(IoError, "compactor: open live binlog failed", err)
	}
	defer src.Close()

	dst, err := os.Create(workingCopyPath)
	if err != nil {
		return newError(IoError, "compactor: create working copy failed", err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return newError(IoError, "compactor: copy into working copy failed", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return newError(IoError, "compactor: fsync working copy failed", err)
	}
	return dst.Close()
}

// commit atomically replaces the live binlog with a file containing only
// the ADD records for currently-free regions - equivalent to the
// snapshot's body - and reopens the BinlogWriter against the new file.
// memLock is held across render, rename and reopen: appends happen only
// under memLock, so none can land on the replaced file and be lost. The
// caller updates last_compress_time.
func (c Compactor) commit(ctx context.Context, a *TrunkAllocator) error {
	tmp := c.BinlogPath + ".compact.commit.tmp"

	a.memLock.Lock()
	defer a.memLock.Unlock()

	var body bytes.Buffer
	ts := a.deps.Clock.NowUnix()
	for _, idx := range a.sizeIndexes {
		for _, r := range idx.allFreeRegions() {
			line := a.code.Format(BinlogRecord{Timestamp: ts, Op: OpAdd, Region: r})
			fmt.Fprintln(&body, line)
		}
	}

	f, err := os.Create(tmp)
	if err != nil {
		return newError(IoError, "compactor: create commit tmp failed", err)
	}
	if _, err := f.Write(body.Bytes()); err != nil {
		f.Close()
		return newError(IoError, "compactor: write compacted records failed", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newError(IoError, "compactor: fsync commit tmp failed", err)
	}
	if err := f.Close(); err != nil {
		return newError(IoError, "compactor: close commit tmp failed", err)
	}
	if err := os.Rename(tmp, c.BinlogPath); err != nil {
		return newError(IoError, "compactor: rename commit tmp over live binlog failed", err)
	}
	if err := a.deps.BinlogWriter.Reopen(ctx); err != nil {
		return newError(IoError, "compactor: reopening binlog writer failed", err)
	}
	return nil
}

// rollback restores the live binlog from workingCopyPath and points the
// BinlogWriter back at it. The snapshot on disk may now be newer than
// the restored binlog; that is tolerated because the snapshot's
// watermark still refers to the restored binlog's (older) length
// (spec §4.5).
func (c Compactor) rollback(ctx context.Context, a *TrunkAllocator, workingCopyPath string) {
	if _, err := os.Stat(workingCopyPath); err != nil {
		return
	}
	src, err := os.Open(workingCopyPath)
	if err != nil {
		log.Warn("compactor: rollback open working copy failed", "err", err)
		return
	}
	defer src.Close()

	dst, err := os.Create(c.BinlogPath)
	if err != nil {
		log.Warn("compactor: rollback recreate live binlog failed", "err", err)
		return
	}
	if _, err := dst.ReadFrom(src); err != nil {
		log.Warn("compactor: rollback copy failed", "err", err)
	}
	if err := dst.Sync(); err != nil {
		log.Warn("compactor: rollback fsync failed", "err", err)
	}
	dst.Close()
	if err := a.deps.BinlogWriter.Reopen(ctx); err != nil {
		log.Warn("compactor: rollback reopening binlog writer failed", "err", err)
	}
	if err := os.Remove(workingCopyPath); err != nil {
		log.Warn("compactor: removing working copy after rollback failed", "err", err)
	}
}
