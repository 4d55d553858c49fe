package trunkstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// RepairLog is the append-only diagnostic log written whenever
// init_check_occupying causes Recovery to drop a region because its
// on-disk trunk header reports file_type == FileTypeNormal (Design Notes
// open question in spec §9). It never affects allocator behaviour; it
// exists purely so an operator can later tell a torn write from a
// legitimately occupied region.
type RepairLog struct {
	Path string
}

// encodeHeader re-serializes a decoded TrunkHeader into the canonical
// 8-byte on-disk layout (spec §6) so its crc32 can be stamped into the
// repair log the same way a raw read would have been checksummed.
func encodeHeader(h TrunkHeader) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], h.AllocSize)
	b[4] = h.FileType
	return b
}

// Record appends one line documenting a dropped region:
//
//	<timestamp> <key> <offset> <size> <header_crc32_hex>
func (l RepairLog) Record(ctx context.Context, timestamp int64, region TrunkRegion, header TrunkHeader) error {
	if l.Path == "" {
		return nil
	}
	b := encodeHeader(header)
	sum := crc32.ChecksumIEEE(b[:])
	line := fmt.Sprintf("%d %s %d %d %08x\n", timestamp, region.Key.String(), region.Offset, region.Size, sum)

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return newError(IoError, "repair log: open failed", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return newError(IoError, "repair log: write failed", err)
	}
	return nil
}
