package trunkstore

import (
	"context"
	"os"
	"sync"
	"testing"
)

// fakeClock implements Clock with a manually advanced counter, so tests
// stay deterministic regardless of wall-clock time (spec §9's open
// question on clock monotonicity: tests here do not rely on strictly
// increasing timestamps).
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowUnix() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(seconds int64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

// fixedPathPicker always returns the same store-path index.
type fixedPathPicker struct {
	idx uint8
}

func (p fixedPathPicker) PickPath(ctx context.Context) (uint8, error) {
	return p.idx, nil
}

// testFileBinlogWriter is a minimal file-backed BinlogWriter for tests
// that need Recovery/Compactor to see a real binlog file on disk (those
// two read the binlog path directly, per DESIGN.md's "binlog read-back
// for recovery" decision) without pulling in the trunkfs package, which
// would create an import cycle with an internal (non "_test" package)
// test file.
type testFileBinlogWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func newTestFileBinlogWriter(t *testing.T, path string) *testFileBinlogWriter {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open test binlog: %v", err)
	}
	w := &testFileBinlogWriter{path: path, f: f}
	t.Cleanup(func() { w.f.Close() })
	return w
}

func (w *testFileBinlogWriter) Append(ctx context.Context, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(line + "\n"); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *testFileBinlogWriter) Reopen(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

func (w *testFileBinlogWriter) Size(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// fixedSpaceChecker answers every headroom question the same way.
type fixedSpaceChecker struct {
	ok bool
}

func (c fixedSpaceChecker) HasHeadroom(ctx context.Context, needed int64) (bool, error) {
	return c.ok, nil
}

// fakeTrunkFileIO is an in-memory TrunkFileIO: no real bytes are stored,
// just sizes (for Exists/Create) and a header map (for
// WriteHeaderAt/CheckHeaderAt/DeleteRegion), which is all the allocator
// core ever inspects.
type fakeTrunkFileIO struct {
	mu      sync.Mutex
	sizes   map[string]uint32
	headers map[string]map[uint32]TrunkHeader
}

func newFakeTrunkFileIO() *fakeTrunkFileIO {
	return &fakeTrunkFileIO{
		sizes:   make(map[string]uint32),
		headers: make(map[string]map[uint32]TrunkHeader),
	}
}

func (f *fakeTrunkFileIO) Create(ctx context.Context, path string, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sizes[path]; ok {
		return newError(IoError, "fake: already exists", os.ErrExist)
	}
	f.sizes[path] = size
	f.headers[path] = make(map[uint32]TrunkHeader)
	return nil
}

func (f *fakeTrunkFileIO) Exists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sizes[path]
	return ok, nil
}

func (f *fakeTrunkFileIO) WriteHeaderAt(ctx context.Context, path string, offset uint32, header TrunkHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.headers[path]
	if !ok {
		m = make(map[uint32]TrunkHeader)
		f.headers[path] = m
	}
	m[offset] = header
	return nil
}

func (f *fakeTrunkFileIO) CheckHeaderAt(ctx context.Context, path string, offset uint32) (TrunkHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.headers[path]
	if !ok {
		return TrunkHeader{}, nil
	}
	return m[offset], nil
}

func (f *fakeTrunkFileIO) DeleteRegion(ctx context.Context, path string, offset uint32) error {
	return f.WriteHeaderAt(ctx, path, offset, TrunkHeader{AllocSize: 0, FileType: FileTypeNone})
}

// newUnreadyTestAllocator wires a TrunkAllocator against the fakes above
// without marking it Ready, for tests that drive Recovery first.
func newUnreadyTestAllocator(t *testing.T, cfg Config, binlogPath string) (*TrunkAllocator, *fakeClock, *fakeTrunkFileIO) {
	t.Helper()
	clock := &fakeClock{}
	fio := newFakeTrunkFileIO()
	writer := newTestFileBinlogWriter(t, binlogPath)
	a := NewTrunkAllocator(cfg, Dependencies{
		Clock:        clock,
		PathPicker:   fixedPathPicker{idx: 0},
		BinlogWriter: writer,
		TrunkFileIO:  fio,
	})
	return a, clock, fio
}

// newTestAllocator wires a TrunkAllocator against the fakes above, ready
// for use without going through Recovery - tests that want recovery
// semantics construct Recovery/Snapshot directly instead.
func newTestAllocator(t *testing.T, cfg Config, binlogPath string) (*TrunkAllocator, *fakeClock, *fakeTrunkFileIO) {
	t.Helper()
	a, clock, fio := newUnreadyTestAllocator(t, cfg, binlogPath)
	a.MarkReady()
	return a, clock, fio
}

func testConfig(storePathCount int) Config {
	return Config{
		SlotMinSize:    256,
		SlotMaxSize:    64 * 1024 * 1024,
		TrunkFileSize:  64 * 1024 * 1024,
		StorePathCount: storePathCount,
	}
}
