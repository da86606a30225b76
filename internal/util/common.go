package util

import "time"

// Common timeout durations
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	ShortTimeout          = 2 * time.Second
)
