package runtime

import "time"

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMaxParallel       = 4

	lookupTimeout  = 10 * time.Second
	publishTimeout = 5 * time.Second
)
