// Copyright 2025 James Ross
package dispatch

import "time"

func timeoutDuration(timeoutMs int64) time.Duration {
	if timeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(timeoutMs) * time.Millisecond
}
