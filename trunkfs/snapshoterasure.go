package trunkfs

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"os"

	"github.com/klauspost/reedsolomon"

	"github.com/fastdfs-go/trunkstore"
)

// SnapshotErasure protects a snapshot body with Reed-Solomon redundancy
// across a fixed number of data and parity shards, adapted from the
// teacher's fs/erasure package (originally built for blob shard
// encoding) onto the snapshot body instead.
type SnapshotErasure struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// shardMetaSize is 1 stuffed-byte-count byte + a 16-byte md5 checksum,
// the same layout fs/erasure.Erasure.ComputeShardMetadata produces.
const shardMetaSize = 17

// NewSnapshotErasure constructs a SnapshotErasure striping data across
// dataShards shards plus parityShards parity shards.
func NewSnapshotErasure(dataShards, parityShards int) (*SnapshotErasure, error) {
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &SnapshotErasure{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

// NewSnapshot builds the trunkstore.Snapshot for path, honouring
// cfg.SnapshotErasureParityShards: a positive count attaches a
// SnapshotErasure striping the body across cfg.StorePathCount data
// shards plus that many parity shards, zero leaves Snapshot.Erasure nil
// and the feature off.
func NewSnapshot(cfg trunkstore.Config, path string) (trunkstore.Snapshot, error) {
	s := trunkstore.Snapshot{Path: path}
	if cfg.SnapshotErasureParityShards <= 0 {
		return s, nil
	}
	e, err := NewSnapshotErasure(cfg.StorePathCount, cfg.SnapshotErasureParityShards)
	if err != nil {
		return trunkstore.Snapshot{}, err
	}
	s.Erasure = e
	return s, nil
}

func shardPath(snapshotPath string, i int) string {
	return fmt.Sprintf("%s.shard.%d", snapshotPath, i)
}

// Write splits data into shards, computes parity, and writes one file
// per shard at snapshotPath+".shard.<n>".
func (e *SnapshotErasure) Write(ctx context.Context, snapshotPath string, data []byte) error {
	shards, err := e.enc.Split(data)
	if err != nil {
		return trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "snapshot erasure: split failed"}
	}
	if err := e.enc.Encode(shards); err != nil {
		return trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "snapshot erasure: encode failed"}
	}

	var stuffed byte
	if rem := len(data) % e.dataShards; rem != 0 {
		stuffed = byte(e.dataShards - rem)
	}

	for i, shard := range shards {
		sum := md5.Sum(shard)
		buf := make([]byte, 0, shardMetaSize+len(shard))
		buf = append(buf, stuffed)
		buf = append(buf, sum[:]...)
		buf = append(buf, shard...)
		if err := os.WriteFile(shardPath(snapshotPath, i), buf, 0o644); err != nil {
			return trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "snapshot erasure: write shard"}
		}
	}
	return nil
}

// Read reconstructs the snapshot body from whatever shards are intact.
// It returns a Corruption error if fewer than dataShards are readable
// and pass their checksum.
func (e *SnapshotErasure) Read(ctx context.Context, snapshotPath string) ([]byte, error) {
	total := e.dataShards + e.parityShards
	shards := make([][]byte, total)
	var stuffed byte
	present := 0

	for i := 0; i < total; i++ {
		raw, err := os.ReadFile(shardPath(snapshotPath, i))
		if err != nil || len(raw) < shardMetaSize {
			continue
		}
		expectedSum := raw[1:shardMetaSize]
		body := raw[shardMetaSize:]
		gotSum := md5.Sum(body)
		if !bytes.Equal(gotSum[:], expectedSum) {
			continue
		}
		if present == 0 {
			stuffed = raw[0]
		}
		shards[i] = body
		present++
	}
	if present < e.dataShards {
		return nil, trunkstore.Error{Code: trunkstore.Corruption, Context: "snapshot erasure: not enough intact shards to reconstruct"}
	}

	if err := e.enc.ReconstructData(shards); err != nil {
		return nil, trunkstore.Error{Code: trunkstore.Corruption, Err: err, Context: "snapshot erasure: reconstruct failed"}
	}

	var buf bytes.Buffer
	if err := e.enc.Join(&buf, shards, len(shards[0])*e.dataShards); err != nil {
		return nil, trunkstore.Error{Code: trunkstore.Corruption, Err: err, Context: "snapshot erasure: join failed"}
	}
	out := buf.Bytes()
	return out[:len(out)-int(stuffed)], nil
}
