package trunkstore

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	log "log/slog"
	"sync"
	"sync/atomic"
)

// allocatorState mirrors spec §9's Design Notes guidance: the C source's
// global trunk_init_flag becomes a field on an owning value instead of a
// package-level variable.
type allocatorState int32

const (
	stateNotReady allocatorState = iota
	stateReady
	stateShuttingDown
)

// Dependencies bundles the external-collaborator contracts plus the
// path-formatting function a TrunkAllocator needs. PathFormat, when nil,
// defaults to DefaultPathFormat.
type Dependencies struct {
	Clock        Clock
	PathPicker   PathPicker
	BinlogWriter BinlogWriter
	TrunkFileIO  TrunkFileIO
	PathFormat   func(key TrunkKey) string
	// SpaceChecker answers precreate's reserved-space headroom question.
	// Nil means no headroom constraint is enforced.
	SpaceChecker SpaceChecker
	// RepairLog receives a diagnostic entry whenever init_check_occupying
	// causes a region to be dropped (spec §9 open question). Optional.
	RepairLog *RepairLog
}

// TrunkAllocator orchestrates allocation, release, split and trunk
// creation for one process. It owns every SizeIndex (one per store path)
// and the single shared FreeBlockSet, and funnels every mutation through
// the binlog under memLock (spec §4.1, §5).
type TrunkAllocator struct {
	cfg  Config
	deps Dependencies
	code BinlogCodec

	state atomic.Int32

	// memLock guards sizeIndexes and the FREE<->HELD bit on regions.
	memLock sync.Mutex
	// fileLock guards nextTrunkFileID, totalFreeSpace and lastCompressTime.
	// Acquired after memLock, held only briefly (spec §5).
	fileLock sync.Mutex

	sizeIndexes []*SizeIndex
	freeSet     *FreeBlockSet

	nextTrunkFileID  uint32
	totalFreeSpace   int64
	lastCompressTime int64
}

// NewTrunkAllocator constructs a TrunkAllocator in the NotReady state.
// Callers must run Recovery (recovery.go) and then call MarkReady before
// any public operation will succeed.
func NewTrunkAllocator(cfg Config, deps Dependencies) *TrunkAllocator {
	if deps.PathFormat == nil {
		deps.PathFormat = DefaultPathFormat
	}
	idx := make([]*SizeIndex, cfg.StorePathCount)
	for i := range idx {
		idx[i] = newSizeIndex()
	}
	a := &TrunkAllocator{
		cfg:         cfg,
		deps:        deps,
		sizeIndexes: idx,
		freeSet:     newFreeBlockSet(),
	}
	a.state.Store(int32(stateNotReady))
	return a
}

// MarkReady transitions the allocator to Ready. The caller invokes it
// once Recovery.Run has finished rebuilding the in-memory state; Recovery
// itself does not call it.
func (a *TrunkAllocator) MarkReady() {
	a.state.Store(int32(stateReady))
}

// BeginShutdown transitions the allocator out of Ready so that no further
// public operation is accepted.
func (a *TrunkAllocator) BeginShutdown() {
	a.state.Store(int32(stateShuttingDown))
}

func (a *TrunkAllocator) checkReady() error {
	if allocatorState(a.state.Load()) != stateReady {
		return newError(NotReady, "allocator is not ready", nil)
	}
	return nil
}

func (a *TrunkAllocator) sizeIndexFor(pathIndex uint8) (*SizeIndex, error) {
	if int(pathIndex) >= len(a.sizeIndexes) {
		return nil, newError(InvalidArgument, fmt.Sprintf("path_index %d out of range [0,%d)", pathIndex, len(a.sizeIndexes)), nil)
	}
	return a.sizeIndexes[pathIndex], nil
}

// TotalFreeSpace returns the sum of Size over all FREE regions across
// every store path (spec §3 global counter).
func (a *TrunkAllocator) TotalFreeSpace() int64 {
	a.fileLock.Lock()
	defer a.fileLock.Unlock()
	return a.totalFreeSpace
}

// appendBinlog updates totalFreeSpace under fileLock and then hands the
// formatted record to the BinlogWriter, all while the caller still holds
// memLock - this is what keeps in-memory state and the durable log
// linearisable (spec §5).
func (a *TrunkAllocator) appendBinlog(ctx context.Context, op BinlogOp, region TrunkRegion) error {
	delta := int64(region.Size)
	if op == OpDel {
		delta = -delta
	}
	a.fileLock.Lock()
	a.totalFreeSpace += delta
	a.fileLock.Unlock()

	line := a.code.Format(BinlogRecord{Timestamp: a.deps.Clock.NowUnix(), Op: op, Region: region})
	if err := a.deps.BinlogWriter.Append(ctx, line); err != nil {
		// Roll the counter back; the in-memory index mutation that
		// triggered this append is the caller's responsibility to roll
		// back too.
		a.fileLock.Lock()
		a.totalFreeSpace -= delta
		a.fileLock.Unlock()
		return newError(IoError, "binlog append failed", err)
	}
	return nil
}

// appendBinlogNoCount writes op/region as a binlog line without touching
// totalFreeSpace, for records whose region is not currently FREE: the
// Held head's ADD written by Allocate, and the matching DEL written when
// a Held region is confirmed away. The textual record carries no status
// bit (spec §4.2), so it reads back identically to a genuinely free
// record during recovery; only the live in-memory counter needs to stay
// accurate between now and the region's eventual DEL or release.
func (a *TrunkAllocator) appendBinlogNoCount(ctx context.Context, op BinlogOp, region TrunkRegion) error {
	line := a.code.Format(BinlogRecord{Timestamp: a.deps.Clock.NowUnix(), Op: op, Region: region})
	if err := a.deps.BinlogWriter.Append(ctx, line); err != nil {
		return newError(IoError, "binlog append failed", err)
	}
	return nil
}

// addFreeRegionLocked inserts r as FREE into its SizeIndex and the
// FreeBlockSet and emits an ADD record. Caller must hold memLock and have
// already verified the region isn't a duplicate when that matters
// (release does; split/createTrunk produce regions known not to collide).
func (a *TrunkAllocator) addFreeRegionLocked(ctx context.Context, idx *SizeIndex, r TrunkRegion) error {
	r.Status = Free
	idx.addRegion(r)
	a.freeSet.add(r.blockKey())
	return a.appendBinlog(ctx, OpAdd, r)
}

// Allocate implements spec §4.1.
func (a *TrunkAllocator) Allocate(ctx context.Context, requestedSize uint32, pathIndex uint8) (TrunkRegion, error) {
	if err := a.checkReady(); err != nil {
		return TrunkRegion{}, err
	}
	if requestedSize == 0 {
		return TrunkRegion{}, newError(InvalidArgument, "requested size must be > 0", nil)
	}
	if a.cfg.SlotMaxSize != 0 && requestedSize > a.cfg.SlotMaxSize {
		return TrunkRegion{}, newError(InvalidArgument, fmt.Sprintf("requested size %d exceeds slot_max_size %d", requestedSize, a.cfg.SlotMaxSize), nil)
	}
	if requestedSize > a.cfg.trunkFileSizeOrDefault() {
		return TrunkRegion{}, newError(InvalidArgument, fmt.Sprintf("requested size %d exceeds trunk_file_size %d", requestedSize, a.cfg.trunkFileSizeOrDefault()), nil)
	}
	idx, err := a.sizeIndexFor(pathIndex)
	if err != nil {
		return TrunkRegion{}, err
	}

	search := requestedSize
	if search < a.cfg.slotMinSizeOrDefault() {
		search = a.cfg.slotMinSizeOrDefault()
	}

	a.memLock.Lock()
	defer a.memLock.Unlock()

	var chosenClass *sizeClass
	var chosenNode *chainNode
	for {
		c := idx.findSmallestAtLeast(search)
		if c == nil {
			break
		}
		n := firstFree(c)
		if n != nil {
			chosenClass, chosenNode = c, n
			break
		}
		// All chain members are HELD; widen the search past this class.
		search = c.size + 1
	}

	var region TrunkRegion
	if chosenNode != nil {
		region = chosenNode.region
		idx.removeNode(chosenClass, chosenNode)
		a.freeSet.remove(region.blockKey())
	} else {
		// No class satisfies the search: create a fresh whole-file region.
		// createTrunkLocked already logged its ADD, so the DEL below
		// retires it the same as a region pulled from the index.
		r, err := a.createTrunkLocked(ctx, pathIndex)
		if err != nil {
			return TrunkRegion{}, err
		}
		region = r
	}

	// spec §4.1.3: splitting (or fully consuming) a free region retires
	// its pre-split size-S entry first.
	if err := a.appendBinlog(ctx, OpDel, region); err != nil {
		region.Status = Free
		idx.addRegion(region)
		a.freeSet.add(region.blockKey())
		return TrunkRegion{}, err
	}

	head, tail, split := splitRegion(region, requestedSize, a.cfg.slotMinSizeOrDefault())
	if split {
		if err := a.addFreeRegionLocked(ctx, idx, tail); err != nil {
			return TrunkRegion{}, err
		}
	}

	head.Status = Held
	idx.addRegion(head)
	// head is Held, not Free: it is deliberately left out of FreeBlockSet
	// (which tracks only currently-free regions, spec §3) so that a later
	// Release of the same (key, offset) - e.g. the caller abandoning the
	// allocation without confirming - is never rejected as a duplicate.
	// The ADD record is still written so recovery can see the region
	// exists; appendBinlogNoCount deliberately skips the total_free_space
	// adjustment since the region is not actually free right now.
	if err := a.appendBinlogNoCount(ctx, OpAdd, head); err != nil {
		return TrunkRegion{}, err
	}

	return head, nil
}

// firstFree walks c's chain and returns the first node whose region is
// still FREE, or nil if every member is HELD.
func firstFree(c *sizeClass) *chainNode {
	for n := c.head; n != nil; n = n.next {
		if n.region.Status == Free {
			return n
		}
	}
	return nil
}

// splitRegion implements spec §4.1.3. It returns the head region (sized
// to satisfy requestedSize, or the whole region if the remainder would be
// unusably small), the tail region when a split actually happens, and
// whether a split happened at all.
func splitRegion(region TrunkRegion, requestedSize, slotMinSize uint32) (head TrunkRegion, tail TrunkRegion, split bool) {
	remainder := region.Size - requestedSize
	if region.Size <= requestedSize || remainder < slotMinSize {
		// Consume the whole region; the head keeps the original size.
		return region, TrunkRegion{}, false
	}
	tail = TrunkRegion{
		Key:    region.Key,
		Offset: region.Offset + requestedSize,
		Size:   remainder,
		Status: Free,
	}
	head = TrunkRegion{
		Key:    region.Key,
		Offset: region.Offset,
		Size:   requestedSize,
		Status: region.Status,
	}
	return head, tail, true
}

// Confirm implements spec §4.1's confirm contract.
func (a *TrunkAllocator) Confirm(ctx context.Context, region TrunkRegion, outcome ConfirmOutcome) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	idx, err := a.sizeIndexFor(region.Key.StorePathIndex)
	if err != nil {
		return err
	}

	a.memLock.Lock()
	defer a.memLock.Unlock()

	switch outcome {
	case ConfirmSuccess, ConfirmAlreadyOccupied:
		return a.deleteLocked(ctx, idx, region)
	case ConfirmFailed:
		c, ok := idx.classes[region.Size]
		if !ok {
			log.Warn("Confirm(Failed): region not found, treating as already reclaimed", "region", region.String())
			return nil
		}
		n := c.findNode(region.Offset, Held)
		if n == nil {
			log.Warn("Confirm(Failed): region not found in Held state, treating as already reclaimed", "region", region.String())
			return nil
		}
		n.region.Status = Free
		// The region is free again; FreeBlockSet never held it while it
		// was Held (see Allocate), so it must be (re)inserted now to
		// satisfy invariant 1 - no binlog write, it was already logged.
		// The counter excluded the region while it was Held, so credit it
		// back here.
		a.freeSet.add(n.region.blockKey())
		a.fileLock.Lock()
		a.totalFreeSpace += int64(n.region.Size)
		a.fileLock.Unlock()
		return nil
	default:
		return newError(InvalidArgument, "unknown confirm outcome", nil)
	}
}

// deleteLocked implements spec §4.1.4. Caller must hold memLock.
func (a *TrunkAllocator) deleteLocked(ctx context.Context, idx *SizeIndex, region TrunkRegion) error {
	c, ok := idx.classes[region.Size]
	if !ok {
		log.Warn("delete: size class not found, region may already be reclaimed", "region", region.String())
		return nil
	}
	n := c.findNode(region.Offset, region.Status)
	if n == nil {
		log.Warn("delete: region not found at offset, may already be reclaimed", "region", region.String())
		return nil
	}
	found := n.region
	idx.removeNode(c, n)
	a.freeSet.remove(found.blockKey())
	if found.Status == Held {
		// A Held region was never part of total_free_space; the DEL
		// record still has to be written so replay retires its ADD.
		return a.appendBinlogNoCount(ctx, OpDel, found)
	}
	return a.appendBinlog(ctx, OpDel, found)
}

// Release implements spec §4.1's release contract.
func (a *TrunkAllocator) Release(ctx context.Context, region TrunkRegion) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if uint64(region.Offset)+uint64(region.Size) > uint64(a.cfg.trunkFileSizeOrDefault()) {
		return newError(InvalidArgument, fmt.Sprintf("region %s extends past trunk_file_size %d", region.String(), a.cfg.trunkFileSizeOrDefault()), nil)
	}
	if region.Size < a.cfg.slotMinSizeOrDefault() {
		// Too small to track; silently drop.
		return nil
	}
	idx, err := a.sizeIndexFor(region.Key.StorePathIndex)
	if err != nil {
		return err
	}

	a.memLock.Lock()
	defer a.memLock.Unlock()

	if a.freeSet.contains(region.blockKey()) {
		return newError(Duplicate, "region already free", nil)
	}
	// Zero the region's trunk header so the space reads as reclaimable
	// (spec §6); only then does it enter the free-space index.
	if err := a.deps.TrunkFileIO.DeleteRegion(ctx, a.deps.PathFormat(region.Key), region.Offset); err != nil {
		return newError(IoError, "release: zeroing trunk header failed", err)
	}
	// The region may still be sitting in the index as Held - e.g. the
	// caller abandoned an Allocate without ever calling Confirm. Drop that
	// stale entry so the fresh Free insertion below doesn't leave two
	// chain nodes for the same (key, offset).
	idx.takeByOffset(region.blockKey())
	return a.addFreeRegionLocked(ctx, idx, region)
}

// Precreate implements spec §4.1's precreate contract.
func (a *TrunkAllocator) Precreate(ctx context.Context) (uint32, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}

	free := a.TotalFreeSpace()
	if free >= a.cfg.CreateFileSpaceThreshold {
		return 0, nil
	}
	deficit := a.cfg.CreateFileSpaceThreshold - free
	if a.deps.SpaceChecker != nil {
		ok, err := a.deps.SpaceChecker.HasHeadroom(ctx, deficit)
		if err != nil {
			return 0, newError(IoError, "precreate: headroom check failed", err)
		}
		if !ok {
			return 0, newError(OutOfSpace, "precreate: reserved-space headroom would be violated", nil)
		}
	}
	trunkSize := int64(a.cfg.trunkFileSizeOrDefault())
	count := (deficit + trunkSize - 1) / trunkSize

	var created uint32
	for i := int64(0); i < count; i++ {
		pathIndex, err := a.deps.PathPicker.PickPath(ctx)
		if err != nil {
			return created, newError(IoError, "precreate: path picker failed", err)
		}
		idx, err := a.sizeIndexFor(pathIndex)
		if err != nil {
			return created, err
		}

		// createTrunkLocked logs the whole-file ADD itself; precreate only
		// has to index the region, no split (spec §4.1).
		a.memLock.Lock()
		region, err := a.createTrunkLocked(ctx, pathIndex)
		if err == nil {
			region.Status = Free
			idx.addRegion(region)
			a.freeSet.add(region.blockKey())
		}
		a.memLock.Unlock()

		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// createTrunkLocked implements spec §4.1.2. Caller must hold memLock.
// It preallocates the backing file, emits the whole-file ADD record
// (step 6), and returns the whole-file FREE region without inserting it
// into any index - callers differ on whether the region should
// additionally be split (Allocate) or used whole (Precreate).
func (a *TrunkAllocator) createTrunkLocked(ctx context.Context, pathIndex uint8) (TrunkRegion, error) {
	const maxAttempts = 1000
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a.fileLock.Lock()
		a.nextTrunkFileID++
		fileID := a.nextTrunkFileID
		a.fileLock.Unlock()

		token := encodeFileIDToken(fileID)
		subHigh, subLow := deriveSubPath(token)
		key := TrunkKey{
			StorePathIndex: pathIndex,
			SubPathHigh:    subHigh,
			SubPathLow:     subLow,
			FileID:         fileID,
		}
		path := a.deps.PathFormat(key)

		exists, err := a.deps.TrunkFileIO.Exists(ctx, path)
		if err != nil {
			return TrunkRegion{}, newError(IoError, "createTrunk: exists check failed", err)
		}
		if exists {
			continue // collision: reissue id
		}

		if err := a.deps.TrunkFileIO.Create(ctx, path, a.cfg.trunkFileSizeOrDefault()); err != nil {
			if IsCode(err, Timeout) {
				return TrunkRegion{}, err
			}
			return TrunkRegion{}, newError(IoError, "createTrunk: preallocate failed", err)
		}

		region := TrunkRegion{
			Key:    key,
			Offset: 0,
			Size:   a.cfg.trunkFileSizeOrDefault(),
			Status: Free,
		}
		if err := a.appendBinlog(ctx, OpAdd, region); err != nil {
			return TrunkRegion{}, err
		}
		return region, nil
	}
	return TrunkRegion{}, newError(Corruption, "createTrunk: exhausted id collision retries", nil)
}

// DefaultPathFormat computes the on-disk path of a trunk backing file
// per spec §6: data/<NN>/<HH>/<LL>/<base64-id>.
func DefaultPathFormat(key TrunkKey) string {
	token := encodeFileIDToken(key.FileID)
	return fmt.Sprintf("data/%02d/%02x/%02x/%s", key.StorePathIndex, key.SubPathHigh, key.SubPathLow, token)
}

// encodeFileIDToken base64-encodes the 4-byte big-endian file id into an
// 8-character token (spec §4.1.2 step 2). A URL-safe alphabet is used so
// the token is always a valid path component (standard base64's '/'
// would otherwise occasionally land inside a filename).
func encodeFileIDToken(fileID uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], fileID)
	return base64.URLEncoding.EncodeToString(b[:])
}

// deriveSubPath hashes token into two stable coordinates (spec §4.1.2
// step 2: "derive (sub_path_high, sub_path_low) deterministically from
// the token, a stable hash into the two coordinates").
func deriveSubPath(token string) (high uint8, low uint8) {
	var h1, h2 uint32 = 2166136261, 2166136261
	for i, c := range []byte(token) {
		if i%2 == 0 {
			h1 = (h1 ^ uint32(c)) * 16777619
		} else {
			h2 = (h2 ^ uint32(c)) * 16777619
		}
	}
	return uint8(h1), uint8(h2)
}
