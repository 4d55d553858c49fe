package trunkstore

import (
	"fmt"
	"strconv"
	"strings"
)

// BinlogCodec parses and formats the textual ADD/DEL binlog records
// described in spec §4.2:
//
//	<timestamp> <op> <store_path> <sub_high> <sub_low> <file_id> <offset> <size>
//
// An older 6-field variant is accepted for backward compatibility with
// binlogs written before multi-store-path support existed:
//
//	<timestamp> <op> <file_id> <offset> <size> <legacy>
//
// store_path, sub_high and sub_low default to zero for the 6-field form;
// <legacy> is a vestigial field (formerly a checksum column) that is
// parsed for field-count purposes and otherwise ignored. Any other field
// count is a Corruption error.
type BinlogCodec struct{}

// Format renders rec as a single line, without a trailing newline. The
// caller (BinlogWriter, via TrunkAllocator) is responsible for the
// newline terminator.
func (BinlogCodec) Format(rec BinlogRecord) string {
	return fmt.Sprintf("%d %c %d %d %d %d %d %d",
		rec.Timestamp, rune(rec.Op),
		rec.Region.Key.StorePathIndex, rec.Region.Key.SubPathHigh, rec.Region.Key.SubPathLow,
		rec.Region.Key.FileID, rec.Region.Offset, rec.Region.Size)
}

// Parse decodes one binlog line (without its trailing newline) into a
// BinlogRecord. It returns a Corruption error for a field count other
// than 6 or 8, an unrecognized op character, or a non-numeric/overflowing
// numeric field.
func (BinlogCodec) Parse(line string) (BinlogRecord, error) {
	fields := strings.Fields(line)
	var rec BinlogRecord

	parseUint := func(s string, bits int) (uint64, error) {
		return strconv.ParseUint(s, 10, bits)
	}

	switch len(fields) {
	case 8:
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad timestamp field", err)
		}
		op, err := parseOp(fields[1])
		if err != nil {
			return rec, err
		}
		storePath, err := parseUint(fields[2], 8)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad store_path field", err)
		}
		subHigh, err := parseUint(fields[3], 8)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad sub_high field", err)
		}
		subLow, err := parseUint(fields[4], 8)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad sub_low field", err)
		}
		fileID, err := parseUint(fields[5], 32)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad file_id field", err)
		}
		offset, err := parseUint(fields[6], 32)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad offset field", err)
		}
		size, err := parseUint(fields[7], 32)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad size field", err)
		}
		rec = BinlogRecord{
			Timestamp: ts,
			Op:        op,
			Region: TrunkRegion{
				Key: TrunkKey{
					StorePathIndex: uint8(storePath),
					SubPathHigh:    uint8(subHigh),
					SubPathLow:     uint8(subLow),
					FileID:         uint32(fileID),
				},
				Offset: uint32(offset),
				Size:   uint32(size),
				Status: Free,
			},
		}
		return rec, nil
	case 6:
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad timestamp field", err)
		}
		op, err := parseOp(fields[1])
		if err != nil {
			return rec, err
		}
		fileID, err := parseUint(fields[2], 32)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad file_id field", err)
		}
		offset, err := parseUint(fields[3], 32)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad offset field", err)
		}
		size, err := parseUint(fields[4], 32)
		if err != nil {
			return rec, newError(Corruption, "binlog: bad size field", err)
		}
		// fields[5] is the vestigial legacy column; parsed for its
		// field-count contribution only.
		rec = BinlogRecord{
			Timestamp: ts,
			Op:        op,
			Region: TrunkRegion{
				Key: TrunkKey{
					FileID: uint32(fileID),
				},
				Offset: uint32(offset),
				Size:   uint32(size),
				Status: Free,
			},
		}
		return rec, nil
	default:
		return rec, newError(Corruption, fmt.Sprintf("binlog: unexpected field count %d", len(fields)), nil)
	}
}

func parseOp(s string) (BinlogOp, error) {
	if len(s) != 1 {
		return 0, newError(Corruption, "binlog: bad op field", nil)
	}
	switch s[0] {
	case byte(OpAdd):
		return OpAdd, nil
	case byte(OpDel):
		return OpDel, nil
	default:
		return 0, newError(Corruption, fmt.Sprintf("binlog: unrecognized op %q", s), nil)
	}
}
