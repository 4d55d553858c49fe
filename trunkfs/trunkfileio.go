package trunkfs

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ncw/directio"

	"github.com/fastdfs-go/trunkstore"
)

const (
	headerSize              = 8
	preallocateWaitBudget   = 10 * time.Second
	preallocatePollInterval = 5 * time.Millisecond
	trunkFilePermission     = 0o644
)

// DiskTrunkFileIO implements trunkstore.TrunkFileIO against local-disk
// trunk backing files. Header reads/writes go through block-aligned
// direct I/O, the same alignment discipline fs/directio.go and
// fs/hashmap.go apply to registry records: a whole aligned block
// surrounding the header is read, patched, and written back.
type DiskTrunkFileIO struct{}

// NewDiskTrunkFileIO returns a DiskTrunkFileIO.
func NewDiskTrunkFileIO() *DiskTrunkFileIO {
	return &DiskTrunkFileIO{}
}

// Create preallocates a new backing file of exactly size bytes at path
// (spec §4.1.2 step 5). Concurrent creators racing for the same path
// wait up to 10s for the winner to finish sizing it before failing with
// a Timeout-coded error.
func (DiskTrunkFileIO) Create(ctx context.Context, path string, size uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "mkdir trunk directory"}
	}

	deadline := time.Now().Add(preallocateWaitBudget)
	for {
		f, err := directio.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, trunkFilePermission)
		if err == nil {
			truncErr := withRetry(ctx, func(context.Context) error {
				return f.Truncate(int64(size))
			})
			closeErr := f.Close()
			if truncErr != nil {
				os.Remove(path)
				return trunkstore.Error{Code: trunkstore.IoError, Err: truncErr, Context: "preallocate trunk file"}
			}
			if closeErr != nil {
				return trunkstore.Error{Code: trunkstore.IoError, Err: closeErr, Context: "close newly created trunk file"}
			}
			return nil
		}
		if !os.IsExist(err) {
			return trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "create trunk file"}
		}

		if fi, statErr := os.Stat(path); statErr == nil && uint64(fi.Size()) == uint64(size) {
			return nil // a sibling creator already finished sizing it
		}
		if time.Now().After(deadline) {
			return trunkstore.Error{Code: trunkstore.Timeout, Context: "timed out waiting for a concurrent creator to finish sizing " + path}
		}
		select {
		case <-ctx.Done():
			return trunkstore.Error{Code: trunkstore.Timeout, Err: ctx.Err(), Context: "create trunk file: context cancelled while waiting"}
		case <-time.After(preallocatePollInterval):
		}
	}
}

// Exists reports whether a backing file already exists at path.
func (DiskTrunkFileIO) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "stat trunk file"}
}

func encodeTrunkHeader(h trunkstore.TrunkHeader) [headerSize]byte {
	var b [headerSize]byte
	binary.BigEndian.PutUint32(b[0:4], h.AllocSize)
	b[4] = h.FileType
	return b
}

func decodeTrunkHeader(b []byte) trunkstore.TrunkHeader {
	return trunkstore.TrunkHeader{
		AllocSize: binary.BigEndian.Uint32(b[0:4]),
		FileType:  b[4],
	}
}

// readAlignedBlock reads the directio.BlockSize-aligned block containing
// offset..offset+headerSize, returning the block and the header's
// byte offset within it.
func readAlignedBlock(ctx context.Context, path string, offset uint32, forWriting bool) (f *os.File, block []byte, alignedOffset int64, intra int64, err error) {
	blockSize := int64(directio.BlockSize)
	alignedOffset = int64(offset) - int64(offset)%blockSize
	intra = int64(offset) - alignedOffset
	if intra+headerSize > blockSize {
		return nil, nil, 0, 0, trunkstore.Error{Code: trunkstore.IoError, Context: "trunk header straddles a direct I/O block boundary"}
	}

	flag := os.O_RDONLY
	if forWriting {
		flag = os.O_RDWR
	}
	f, err = directio.OpenFile(path, flag, trunkFilePermission)
	if err != nil {
		return nil, nil, 0, 0, trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "open trunk file"}
	}

	block = directio.AlignedBlock(int(blockSize))
	var n int
	readErr := withRetry(ctx, func(context.Context) error {
		var e error
		n, e = f.ReadAt(block, alignedOffset)
		if e == io.EOF {
			e = nil
		}
		return e
	})
	if readErr != nil {
		f.Close()
		return nil, nil, 0, 0, trunkstore.Error{Code: trunkstore.IoError, Err: readErr, Context: "read trunk header block"}
	}
	if n < int(blockSize) {
		// Tail of a sparsely-extended file; the rest reads as zero.
		for i := n; i < len(block); i++ {
			block[i] = 0
		}
	}
	return f, block, alignedOffset, intra, nil
}

// WriteHeaderAt writes the 8-byte trunk header at offset inside path.
func (DiskTrunkFileIO) WriteHeaderAt(ctx context.Context, path string, offset uint32, header trunkstore.TrunkHeader) error {
	f, block, alignedOffset, intra, err := readAlignedBlock(ctx, path, offset, true)
	if err != nil {
		return err
	}
	defer f.Close()

	encoded := encodeTrunkHeader(header)
	copy(block[intra:intra+headerSize], encoded[:])

	return withRetry(ctx, func(context.Context) error {
		_, e := f.WriteAt(block, alignedOffset)
		return e
	})
}

// CheckHeaderAt reads the 8-byte trunk header at offset inside path.
func (DiskTrunkFileIO) CheckHeaderAt(ctx context.Context, path string, offset uint32) (trunkstore.TrunkHeader, error) {
	f, block, _, intra, err := readAlignedBlock(ctx, path, offset, false)
	if err != nil {
		return trunkstore.TrunkHeader{}, err
	}
	defer f.Close()
	return decodeTrunkHeader(block[intra : intra+headerSize]), nil
}

// DeleteRegion zeroes the header at offset, marking the region
// reclaimable (spec §6).
func (d DiskTrunkFileIO) DeleteRegion(ctx context.Context, path string, offset uint32) error {
	return d.WriteHeaderAt(ctx, path, offset, trunkstore.TrunkHeader{AllocSize: 0, FileType: trunkstore.FileTypeNone})
}
