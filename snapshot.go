package trunkstore

import (
	"bytes"
	"context"
	"fmt"
	log "log/slog"
	"os"
	"strconv"
	"strings"
)

// Snapshot reads and writes the point-in-time dump of every FREE region
// that bounds recovery work (spec §4.3). Path is the canonical on-disk
// location; Write additionally uses Path+".tmp" as its write-ahead name.
//
// Erasure, when non-nil, additionally protects the snapshot body with
// redundant encoding across shards (SPEC_FULL §4.6); it is consulted by
// Read only as a fallback when the canonical file is missing or fails
// its trailing-newline sanity check.
type Snapshot struct {
	Path    string
	Erasure SnapshotErasureCoder
}

// Write implements the write protocol of spec §4.3: render the body (the
// watermark line plus one ADD line per FREE region, walked under
// memLock), write it to a tmp file, fsync, optionally hand it to Erasure,
// then rename over the canonical path. A mid-write crash leaves the
// previous snapshot intact because the rename is the only step that
// touches Path itself.
func (s Snapshot) Write(ctx context.Context, a *TrunkAllocator) error {
	// The watermark is read with memLock held: binlog appends happen only
	// under memLock too, so the watermark and the traversed state are
	// guaranteed to describe the same moment.
	a.memLock.Lock()
	watermark, err := a.deps.BinlogWriter.Size(ctx)
	if err != nil {
		a.memLock.Unlock()
		return newError(IoError, "snapshot: reading binlog watermark failed", err)
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "%d\n", watermark)

	ts := a.deps.Clock.NowUnix()
	for _, idx := range a.sizeIndexes {
		for _, r := range idx.allFreeRegions() {
			line := a.code.Format(BinlogRecord{Timestamp: ts, Op: OpAdd, Region: r})
			fmt.Fprintln(&body, line)
		}
	}
	a.memLock.Unlock()

	tmpPath := s.Path + ".tmp"
	return withRetry(ctx, func(ctx context.Context) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return newError(IoError, "snapshot: create tmp file failed", err)
		}
		if _, err := f.Write(body.Bytes()); err != nil {
			f.Close()
			return newError(IoError, "snapshot: write body failed", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return newError(IoError, "snapshot: fsync failed", err)
		}
		if err := f.Close(); err != nil {
			return newError(IoError, "snapshot: close failed", err)
		}
		if s.Erasure != nil {
			if err := s.Erasure.Write(ctx, s.Path, body.Bytes()); err != nil {
				return err
			}
		}
		if err := os.Rename(tmpPath, s.Path); err != nil {
			return newError(IoError, "snapshot: rename failed", err)
		}
		return nil
	}, nil)
}

// snapshotEntry is one decoded line of a snapshot body.
type snapshotEntry struct {
	watermark int64
	records   []BinlogRecord
}

// Read implements the read protocol of spec §4.3: parse the watermark
// line, then every subsequent 8- or 6-field record. It refuses to finish
// if the final line is not newline-terminated (a torn write) unless
// Erasure can reconstruct an intact body instead.
func (s Snapshot) Read(ctx context.Context, code BinlogCodec) (snapshotEntry, error) {
	raw, err := os.ReadFile(s.Path)
	damaged := err != nil || len(raw) == 0 || raw[len(raw)-1] != '\n'
	if damaged {
		if s.Erasure == nil {
			if err != nil {
				return snapshotEntry{}, newError(IoError, "snapshot: read failed", err)
			}
			return snapshotEntry{}, newError(Corruption, "snapshot: file does not end with a newline", nil)
		}
		log.Warn("snapshot: canonical file missing or torn, reconstructing from erasure shards", "path", s.Path)
		raw, err = s.Erasure.Read(ctx, s.Path)
		if err != nil {
			return snapshotEntry{}, err
		}
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			return snapshotEntry{}, newError(Corruption, "snapshot: reconstructed body does not end with a newline", nil)
		}
	}

	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	if len(lines) == 0 {
		return snapshotEntry{}, newError(Corruption, "snapshot: empty file", nil)
	}

	watermark, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		return snapshotEntry{}, newError(Corruption, "snapshot: bad watermark line", err)
	}

	out := snapshotEntry{watermark: watermark}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := code.Parse(line)
		if err != nil {
			return snapshotEntry{}, err
		}
		out.records = append(out.records, rec)
	}
	return out, nil
}

// applyToAllocator installs every record of a snapshot read as a FREE
// region, bypassing the binlog entirely (spec §4.3's "without writing a
// binlog record"). Caller must not have started Ready operations yet.
func (a *TrunkAllocator) applyToAllocator(entries []BinlogRecord) error {
	a.memLock.Lock()
	defer a.memLock.Unlock()
	for _, rec := range entries {
		idx, err := a.sizeIndexFor(rec.Region.Key.StorePathIndex)
		if err != nil {
			log.Warn("snapshot apply: region names an out-of-range store path, skipping", "region", rec.Region.String())
			continue
		}
		r := rec.Region
		r.Status = Free
		idx.addRegion(r)
		a.freeSet.add(r.blockKey())
		a.fileLock.Lock()
		a.totalFreeSpace += int64(r.Size)
		a.fileLock.Unlock()
	}
	return nil
}
