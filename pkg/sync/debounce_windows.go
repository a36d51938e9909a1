//go:build windows

package sync

import "time"

// defaultDebounce groups the bursts of events on one path, it is also the
// window in which a deletion followed by a creation is a move. Explorer
// reports a move as a deletion and a creation up to half a second apart.
const defaultDebounce = 500 * time.Millisecond
