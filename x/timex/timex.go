package timex

import "time"

// NowMs returns the current wall clock in milliseconds since the Unix epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
