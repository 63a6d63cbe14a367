package sale

import "time"

// SystemClock implements domain.Clock on the wall clock, in unix seconds.
type SystemClock struct{}

// Now returns the current unix timestamp.
func (SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}
