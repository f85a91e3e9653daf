package internal

import "time"

// RolloverThresholdMS is how far backwards the wall clock has to jump
// before it's treated as a rollover rather than ordinary NTP skew.
const RolloverThresholdMS int64 = 3_600_000

// NowMS returns the current wall-clock time in milliseconds. It is
// deliberately wall-clock rather than monotonic: rollover detection in
// TimerManager only makes sense against a clock that can jump backwards
// (NTP correction, manual clock set), which a monotonic clock by
// construction cannot do.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// RolledOver reports whether now is far enough behind previous to be
// treated as a clock rollover rather than jitter.
func RolledOver(now, previous int64) bool {
	return now < previous-RolloverThresholdMS
}
