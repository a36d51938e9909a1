// Package events carries the notifications an engine emits to the components
// around it (status API, CLI, notifier). Producers publish typed events on a
// Bus, consumers receive them on buffered channels.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
)

// Kind identifies an event
type Kind string

const (
	Started              Kind = "started"
	SyncStarted          Kind = "syncStarted"
	SyncCompleted        Kind = "syncCompleted"
	SyncPartialCompleted Kind = "syncPartialCompleted"
	SyncSuspended        Kind = "syncSuspended"
	SyncResumed          Kind = "syncResumed"
	Stopped              Kind = "stopped"

	LocalScanFinished  Kind = "localScanFinished"
	RemoteScanFinished Kind = "remoteScanFinished"

	RootDeleted       Kind = "rootDeleted"
	RootMoved         Kind = "rootMoved"
	DocDeleted        Kind = "docDeleted"
	FileAlreadyExists Kind = "fileAlreadyExists"

	NewConflict     Kind = "newConflict"
	NewError        Kind = "newError"
	NewErrorGiveUp  Kind = "newErrorGiveUp"
	NewReadonly     Kind = "newReadonly"
	NewLocked       Kind = "newLocked"
	ErrorOpenedFile Kind = "errorOpenedFile"
	LongPathError   Kind = "longPathError"

	NoSpaceLeftOnDevice   Kind = "noSpaceLeftOnDevice"
	InvalidAuthentication Kind = "invalidAuthentication"
	Offline               Kind = "offline"
	Online                Kind = "online"

	TransferProgress Kind = "transferProgress"
)

// Event is one notification. Only the fields relevant to the kind are set.
type Event struct {
	Kind   Kind      `json:"kind"`
	Engine string    `json:"engine,omitempty"`
	Time   time.Time `json:"time"`

	PairID    int64   `json:"pair_id,omitempty"`
	Path      string  `json:"path,omitempty"`
	Name      string  `json:"name,omitempty"`
	Parent    string  `json:"parent,omitempty"`
	Target    string  `json:"target,omitempty"`
	Owner     string  `json:"owner,omitempty"`
	QueueSize int     `json:"queue_size,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Error     string  `json:"error,omitempty"`

	LockCreated time.Time `json:"lock_created,omitempty"`
}

type subscription struct {
	ch    chan Event
	kinds map[Kind]bool
}

func (s *subscription) wants(kind Kind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Bus fans events out to every subscriber. Publish never blocks: an event
// for a subscriber whose buffer is full is dropped for that subscriber.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	closed  bool
	dropped atomic.Int64
	logger  *logging.Logger
}

// NewBus creates an event bus
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger.WithComponent("events"),
	}
}

// Subscribe returns a channel receiving the events of the given kinds, all
// kinds when none is given, and a function cancelling the subscription.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers the event to the matching subscribers
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.WithField("kind", string(e.Kind)).Debug("Subscriber too slow, event dropped")
		}
	}
}

// Dropped returns how many deliveries were dropped so far
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel, later publications are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
