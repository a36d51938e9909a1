package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// queueKind names the four work queues
type queueKind int

const (
	localFolderQueue queueKind = iota
	localFileQueue
	remoteFolderQueue
	remoteFileQueue
)

const (
	// retryTick is how often the retry table is looked at
	retryTick = time.Second

	// drainWorkerID is the worker id used by Drain
	drainWorkerID int64 = 1
)

// ItemHandler processes one queued pair on behalf of a worker
type ItemHandler interface {
	Process(ctx context.Context, workerID int64, item model.QueueItem)
}

// QueueOptions configures a QueueManager
type QueueOptions struct {
	MaxErrors         int
	ErrorInterval     time.Duration
	MaxFileProcessors int
	EngineUID         string
	Bus               *events.Bus
	Clock             clockwork.Clock
	Logger            *logging.Logger
}

// QueueStats is a snapshot of the queue manager
type QueueStats struct {
	LocalFolders  int  `json:"local_folders"`
	LocalFiles    int  `json:"local_files"`
	RemoteFolders int  `json:"remote_folders"`
	RemoteFiles   int  `json:"remote_files"`
	Retries       int  `json:"retries"`
	Active        int  `json:"active"`
	Paused        bool `json:"paused"`
}

type retryEntry struct {
	item model.QueueItem
	next time.Time
}

type activeJob struct {
	path   string
	cancel context.CancelFunc
}

// QueueManager dispatches the pairs needing work to the processors. Pairs
// are split in four FIFO queues by side and by type, folders being handled
// by dedicated workers so parents are created before their children.
type QueueManager struct {
	dao               *dao.EngineDAO
	bus               *events.Bus
	clock             clockwork.Clock
	logger            *logging.Logger
	engineUID         string
	maxErrors         int
	errorInterval     time.Duration
	maxFileProcessors int

	mu      sync.Mutex
	queues  [4][]model.QueueItem
	queued  map[int64]queueKind
	onError map[int64]retryEntry
	active  map[int64]*activeJob
	paused  bool
	wake    chan struct{}
}

// NewQueueManager creates a queue manager for the engine state store
func NewQueueManager(store *dao.EngineDAO, opts QueueOptions) (*QueueManager, error) {
	if store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 3
	}
	if opts.ErrorInterval <= 0 {
		opts.ErrorInterval = time.Minute
	}
	if opts.MaxFileProcessors < 2 {
		opts.MaxFileProcessors = 2
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}

	return &QueueManager{
		dao:               store,
		bus:               opts.Bus,
		clock:             opts.Clock,
		logger:            opts.Logger.WithComponent("queue"),
		engineUID:         opts.EngineUID,
		maxErrors:         opts.MaxErrors,
		errorInterval:     opts.ErrorInterval,
		maxFileProcessors: opts.MaxFileProcessors,
		queued:            make(map[int64]queueKind),
		onError:           make(map[int64]retryEntry),
		active:            make(map[int64]*activeJob),
		wake:              make(chan struct{}),
	}, nil
}

func kindOf(item model.QueueItem) queueKind {
	remote := item.PairState.IsRemote()
	switch {
	case item.Folderish && remote:
		return remoteFolderQueue
	case item.Folderish:
		return localFolderQueue
	case remote:
		return remoteFileQueue
	default:
		return localFileQueue
	}
}

// Push adds a pair to its queue. Pairs waiting for a retry are left alone
// and a pair already waiting in the same queue is not added twice.
func (q *QueueManager) Push(item model.QueueItem) {
	if !item.PairState.IsProcessable() {
		return
	}
	kind := kindOf(item)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, retrying := q.onError[item.ID]; retrying {
		q.logger.Debugf("Pair %d is waiting for a retry, not queued", item.ID)
		return
	}
	if k, ok := q.queued[item.ID]; ok && k == kind {
		return
	}
	q.queues[kind] = append(q.queues[kind], item)
	q.queued[item.ID] = kind
	q.broadcastLocked()
}

func (q *QueueManager) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Postpone puts the item back in its queue after delay without counting an
// error
func (q *QueueManager) Postpone(item model.QueueItem, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError[item.ID] = retryEntry{item: item, next: q.clock.Now().Add(delay)}
}

// PushError schedules a failing pair for a later retry. The delay grows
// with the error count, a pair that failed max_errors times is given up.
func (q *QueueManager) PushError(pair *model.DocPair, interval time.Duration) {
	if pair.ErrorCount >= q.maxErrors {
		q.logger.WithField("pair", pair.String()).Warnf("Giving up after %d errors: %s", pair.ErrorCount, pair.LastError)
		q.bus.Publish(events.Event{
			Kind:   events.NewErrorGiveUp,
			Engine: q.engineUID,
			PairID: pair.ID,
			Path:   pair.LocalPath,
			Name:   pair.LocalName,
			Error:  pair.LastError,
		})
		return
	}

	if interval <= 0 {
		count := pair.ErrorCount
		if count < 1 {
			count = 1
		}
		interval = q.errorInterval * time.Duration(count)
	}
	next := q.clock.Now().Add(interval)
	if err := q.dao.SetErrorNextTry(pair.ID, next); err != nil {
		q.logger.WithError(err).Warn("Cannot store the next try")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError[pair.ID] = retryEntry{
		item: model.QueueItem{ID: pair.ID, Folderish: pair.Folderish, PairState: pair.PairState},
		next: next,
	}
	q.logger.Debugf("Pair %d retried in %s", pair.ID, interval)
}

// RequeueDue moves the retries whose time came back to their queues and
// returns how many were moved
func (q *QueueManager) RequeueDue() int {
	now := q.clock.Now()
	var due []model.QueueItem

	q.mu.Lock()
	for id, entry := range q.onError {
		if !entry.next.After(now) {
			due = append(due, entry.item)
			delete(q.onError, id)
		}
	}
	q.mu.Unlock()

	for _, item := range due {
		q.Push(item)
	}
	return len(due)
}

// RetryAll moves every waiting retry back to the queues
func (q *QueueManager) RetryAll() {
	q.mu.Lock()
	var items []model.QueueItem
	for id, entry := range q.onError {
		items = append(items, entry.item)
		delete(q.onError, id)
	}
	q.mu.Unlock()
	for _, item := range items {
		q.Push(item)
	}
}

// InterruptProcessorsOn cancels the workers busy on path, or below it when
// exact is false
func (q *QueueManager) InterruptProcessorsOn(path string, exact bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, job := range q.active {
		if job.path == path || (!exact && model.IsDescendant(job.path, path)) {
			q.logger.Debugf("Interrupting worker %d on %s", id, job.path)
			job.cancel()
		}
	}
}

// track records what a worker is busy on so it can be interrupted
func (q *QueueManager) track(workerID int64, path string, cancel context.CancelFunc) {
	q.mu.Lock()
	q.active[workerID] = &activeJob{path: path, cancel: cancel}
	q.mu.Unlock()
}

func (q *QueueManager) untrack(workerID int64) {
	q.mu.Lock()
	delete(q.active, workerID)
	q.mu.Unlock()
}

// Pause stops handing out items, the running ones finish
func (q *QueueManager) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume hands out items again
func (q *QueueManager) Resume() {
	q.mu.Lock()
	q.paused = false
	q.broadcastLocked()
	q.mu.Unlock()
}

// IsPaused reports whether the queue is paused
func (q *QueueManager) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// IsIdle is true when nothing is queued, waiting for a retry or running
func (q *QueueManager) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) == 0 && len(q.onError) == 0 && len(q.active) == 0
}

// Size returns the number of queued items
func (q *QueueManager) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Stats returns a snapshot of the queues
func (q *QueueManager) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		LocalFolders:  len(q.queues[localFolderQueue]),
		LocalFiles:    len(q.queues[localFileQueue]),
		RemoteFolders: len(q.queues[remoteFolderQueue]),
		RemoteFiles:   len(q.queues[remoteFileQueue]),
		Retries:       len(q.onError),
		Active:        len(q.active),
		Paused:        q.paused,
	}
}

// popLocked takes the first item of the first non empty queue of kinds
func (q *QueueManager) popLocked(kinds ...queueKind) (model.QueueItem, bool) {
	for _, kind := range kinds {
		if len(q.queues[kind]) == 0 {
			continue
		}
		item := q.queues[kind][0]
		q.queues[kind] = q.queues[kind][1:]
		if q.queued[item.ID] == kind {
			delete(q.queued, item.ID)
		}
		return item, true
	}
	return model.QueueItem{}, false
}

// popFileLocked serves the longest file queue first
func (q *QueueManager) popFileLocked() (model.QueueItem, bool) {
	if len(q.queues[remoteFileQueue]) > len(q.queues[localFileQueue]) {
		return q.popLocked(remoteFileQueue, localFileQueue)
	}
	return q.popLocked(localFileQueue, remoteFileQueue)
}

// next blocks until pick returns an item or ctx is done
func (q *QueueManager) next(ctx context.Context, pick func() (model.QueueItem, bool)) (model.QueueItem, bool) {
	for {
		q.mu.Lock()
		if !q.paused {
			if item, ok := pick(); ok {
				q.mu.Unlock()
				return item, true
			}
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.QueueItem{}, false
		case <-wake:
		}
	}
}

// Run starts the workers and the retry timer, it returns once ctx is done
func (q *QueueManager) Run(ctx context.Context, handler ItemHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := q.clock.NewTicker(retryTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				q.RequeueDue()
			}
		}
	})

	workers := []func() (model.QueueItem, bool){
		func() (model.QueueItem, bool) { return q.popLocked(localFolderQueue) },
		func() (model.QueueItem, bool) { return q.popLocked(remoteFolderQueue) },
		func() (model.QueueItem, bool) { return q.popLocked(localFileQueue) },
		func() (model.QueueItem, bool) { return q.popLocked(remoteFileQueue) },
	}
	for i := 2; i < q.maxFileProcessors; i++ {
		workers = append(workers, q.popFileLocked)
	}

	for i, pick := range workers {
		workerID, pick := int64(i+1), pick
		g.Go(func() error {
			q.logger.Debugf("Worker %d started", workerID)
			for {
				item, ok := q.next(ctx, pick)
				if !ok {
					return nil
				}
				handler.Process(ctx, workerID, item)
			}
		})
	}
	return g.Wait()
}

// Drain processes every queued item in the calling goroutine, folders
// first, and returns how many were processed. Retries are not waited for.
func (q *QueueManager) Drain(ctx context.Context, handler ItemHandler) int {
	processed := 0
	for ctx.Err() == nil {
		q.mu.Lock()
		item, ok := q.popLocked(localFolderQueue, remoteFolderQueue, localFileQueue, remoteFileQueue)
		q.mu.Unlock()
		if !ok {
			return processed
		}
		handler.Process(ctx, drainWorkerID, item)
		processed++
	}
	return processed
}
