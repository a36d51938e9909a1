//go:build !windows

package sync

import "time"

// defaultDebounce groups the bursts of events on one path, it is also the
// window in which a deletion followed by a creation is a move
const defaultDebounce = 100 * time.Millisecond
