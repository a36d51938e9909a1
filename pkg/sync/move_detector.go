package sync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// moveDetector holds local deletions for a short window. A creation
// matching a held deletion is a move, the deletions left unmatched are
// handed to expire once the window is over.
type moveDetector struct {
	clock  clockwork.Clock
	window time.Duration
	expire func(path string, pair *model.DocPair)

	mu      sync.Mutex
	pending map[string]*pendingDelete
}

type pendingDelete struct {
	pair  *model.DocPair
	timer clockwork.Timer
}

func newMoveDetector(clock clockwork.Clock, window time.Duration, expire func(string, *model.DocPair)) *moveDetector {
	return &moveDetector{
		clock:   clock,
		window:  window,
		expire:  expire,
		pending: make(map[string]*pendingDelete),
	}
}

// Hold starts the window of the deletion of pair. A deletion already held
// at the same path keeps its window.
func (d *moveDetector) Hold(pair *model.DocPair) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := pair.LocalPath
	if _, exists := d.pending[path]; exists {
		return
	}
	d.pending[path] = &pendingDelete{
		pair: pair,
		timer: d.clock.AfterFunc(d.window, func() {
			if held := d.release(path); held != nil {
				d.expire(path, held)
			}
		}),
	}
}

// Match returns the held deletion info was moved from, nil when none. The
// remote id identifies moved items, files without one are matched by name
// and digest.
func (d *moveDetector) Match(info *model.LocalInfo) *model.DocPair {
	if info.RemoteRef != "" {
		return d.take(func(pair *model.DocPair) bool { return pair.RemoteRef == info.RemoteRef })
	}
	if info.Folderish {
		return nil
	}
	digest := info.Digest()
	return d.take(func(pair *model.DocPair) bool {
		return !pair.Folderish && pair.LocalName == info.Name && pair.LocalDigest == digest
	})
}

func (d *moveDetector) take(fn func(*model.DocPair) bool) *model.DocPair {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, pending := range d.pending {
		if fn(pending.pair) {
			pending.timer.Stop()
			delete(d.pending, path)
			return pending.pair
		}
	}
	return nil
}

func (d *moveDetector) release(path string) *model.DocPair {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending, ok := d.pending[path]
	if !ok {
		return nil
	}
	delete(d.pending, path)
	return pending.pair
}

// Len returns the number of deletions waiting for their window
func (d *moveDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop drops every held deletion without expiring it
func (d *moveDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pending := range d.pending {
		pending.timer.Stop()
	}
	d.pending = make(map[string]*pendingDelete)
}
