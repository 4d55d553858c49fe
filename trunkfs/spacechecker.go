package trunkfs

import (
	"context"
	"syscall"

	"github.com/fastdfs-go/trunkstore"
)

// StatfsSpaceChecker implements trunkstore.SpaceChecker against the
// filesystem holding Root, keeping ReservedBytes out of reach: headroom
// holds as long as the filesystem's available bytes minus the prospective
// consumption stay at or above the reserve.
type StatfsSpaceChecker struct {
	Root          string
	ReservedBytes int64
}

// HasHeadroom reports whether consuming an additional needed bytes would
// still leave ReservedBytes available on Root's filesystem.
func (c StatfsSpaceChecker) HasHeadroom(ctx context.Context, needed int64) (bool, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.Root, &st); err != nil {
		return false, trunkstore.Error{Code: trunkstore.IoError, Err: err, Context: "statfs " + c.Root}
	}
	avail := int64(st.Bavail) * int64(st.Bsize)
	return avail-needed >= c.ReservedBytes, nil
}
