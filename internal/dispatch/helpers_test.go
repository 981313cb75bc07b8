// Copyright 2025 James Ross
package dispatch

import "time"

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)
