package trunkstore

import (
	"bufio"
	"context"
	"io"
	log "log/slog"
	"os"
	"sort"
)

// Recovery rebuilds a TrunkAllocator's in-memory state from its snapshot
// and binlog tail (spec §4.4). It runs exactly once at startup, before
// TrunkAllocator.MarkReady is called.
type Recovery struct {
	Snapshot   Snapshot
	BinlogPath string
}

// Run executes the recovery algorithm against a. a must already be
// constructed (NewTrunkAllocator) and still NotReady.
func (rc Recovery) Run(ctx context.Context, a *TrunkAllocator) error {
	var watermark int64
	useSnapshot := !a.cfg.InitReloadFromBinlog
	if useSnapshot {
		if _, err := os.Stat(rc.Snapshot.Path); err != nil {
			if os.IsNotExist(err) {
				useSnapshot = false
			} else {
				return newError(IoError, "recovery: stat snapshot failed", err)
			}
		}
	}

	if useSnapshot {
		entry, err := rc.Snapshot.Read(ctx, a.code)
		if err != nil {
			return err
		}
		records := a.filterOccupiedRegions(ctx, entry.records)
		if err := a.applyToAllocator(records); err != nil {
			return err
		}
		watermark = entry.watermark
	}

	f, err := os.Open(rc.BinlogPath)
	if err != nil {
		if os.IsNotExist(err) {
			if watermark == 0 {
				return nil
			}
			// A missing binlog is the degenerate watermark > binlog_size
			// case; resynchronise the same way (spec §4.4 step 5).
			log.Warn("recovery: binlog missing but snapshot watermark is nonzero, resynchronising", "watermark", watermark)
			return rc.Snapshot.Write(ctx, a)
		}
		return newError(IoError, "recovery: open binlog failed", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return newError(IoError, "recovery: stat binlog failed", err)
	}
	binlogSize := info.Size()

	if watermark == binlogSize {
		return nil
	}
	if watermark > binlogSize {
		log.Warn("recovery: snapshot watermark exceeds binlog size, resynchronising", "watermark", watermark, "binlog_size", binlogSize)
		return rc.Snapshot.Write(ctx, a)
	}

	if _, err := f.Seek(watermark, io.SeekStart); err != nil {
		return newError(IoError, "recovery: seek to watermark failed", err)
	}

	byOffset := make(map[blockKey]TrunkRegion)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		rec, err := a.code.Parse(line)
		if err != nil {
			return newError(Corruption, "recovery: malformed binlog record, aborting", err)
		}
		k := rec.Region.blockKey()
		switch rec.Op {
		case OpAdd:
			if _, dup := byOffset[k]; dup || a.hasFreeRegion(k) {
				log.Warn("recovery: duplicate ADD during replay, keeping first", "region", rec.Region.String())
				continue
			}
			byOffset[k] = rec.Region
		case OpDel:
			if _, ok := byOffset[k]; ok {
				delete(byOffset, k)
				continue
			}
			// The DEL may name a region that came in via the snapshot
			// rather than this suffix; retire it from the live state.
			if a.dropFreeRegion(k) {
				continue
			}
			log.Warn("recovery: DEL for region not present during replay", "region", rec.Region.String())
		}
	}
	if err := scanner.Err(); err != nil {
		return newError(IoError, "recovery: scan binlog failed", err)
	}

	survivors := make([]BinlogRecord, 0, len(byOffset))
	for _, r := range byOffset {
		survivors = append(survivors, BinlogRecord{Op: OpAdd, Region: r})
	}
	// Map iteration order is random; chain order within a size class must
	// stay deterministic (spec §3).
	sort.Slice(survivors, func(i, j int) bool {
		ri, rj := survivors[i].Region, survivors[j].Region
		if ri.Key != rj.Key {
			if ri.Key.StorePathIndex != rj.Key.StorePathIndex {
				return ri.Key.StorePathIndex < rj.Key.StorePathIndex
			}
			return ri.Key.FileID < rj.Key.FileID
		}
		return ri.Offset < rj.Offset
	})
	survivors = a.filterOccupiedRegions(ctx, survivors)
	if err := a.applyToAllocator(survivors); err != nil {
		return err
	}

	return rc.Snapshot.Write(ctx, a)
}

// hasFreeRegion reports whether (key, offset) is already indexed FREE.
func (a *TrunkAllocator) hasFreeRegion(k blockKey) bool {
	a.memLock.Lock()
	defer a.memLock.Unlock()
	return a.freeSet.contains(k)
}

// dropFreeRegion removes a FREE region from the live index without
// writing a binlog record; replay uses it when a DEL names a region the
// snapshot loaded. Reports whether anything was removed.
func (a *TrunkAllocator) dropFreeRegion(k blockKey) bool {
	idx, err := a.sizeIndexFor(k.key.StorePathIndex)
	if err != nil {
		return false
	}
	a.memLock.Lock()
	defer a.memLock.Unlock()
	r, ok := idx.takeByOffset(k)
	if !ok {
		return false
	}
	a.freeSet.remove(k)
	a.fileLock.Lock()
	a.totalFreeSpace -= int64(r.Size)
	a.fileLock.Unlock()
	return true
}

// filterOccupiedRegions drops records whose on-disk trunk header reports
// FileTypeNormal when init_check_occupying is configured (spec §9 open
// question), logging each drop to RepairLog.
func (a *TrunkAllocator) filterOccupiedRegions(ctx context.Context, records []BinlogRecord) []BinlogRecord {
	if !a.cfg.InitCheckOccupying {
		return records
	}
	out := make([]BinlogRecord, 0, len(records))
	for _, rec := range records {
		path := a.deps.PathFormat(rec.Region.Key)
		hdr, err := a.deps.TrunkFileIO.CheckHeaderAt(ctx, path, rec.Region.Offset)
		if err != nil {
			log.Warn("init_check_occupying: header check failed, keeping region free", "region", rec.Region.String(), "err", err)
			out = append(out, rec)
			continue
		}
		if hdr.FileType == FileTypeNormal {
			if a.deps.RepairLog != nil {
				if err := a.deps.RepairLog.Record(ctx, a.deps.Clock.NowUnix(), rec.Region, hdr); err != nil {
					log.Warn("init_check_occupying: repair log write failed", "err", err)
				}
			}
			continue
		}
		out = append(out, rec)
	}
	return out
}
