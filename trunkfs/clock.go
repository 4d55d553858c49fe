package trunkfs

import "time"

// SystemClock implements trunkstore.Clock against the wall clock. No pack
// library wraps this; it is a single stdlib call.
type SystemClock struct{}

// NowUnix returns the current second since the Unix epoch.
func (SystemClock) NowUnix() int64 {
	return time.Now().Unix()
}
