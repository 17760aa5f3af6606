package p2p

import "errors"

// ErrNotStarted is returned for broadcasts before Start.
var ErrNotStarted = errors.New("p2p not started")
