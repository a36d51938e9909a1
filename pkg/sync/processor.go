package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
)

const (
	// unaccessibleDelay is the wait before hashing again a file that could
	// not be read, usually because it is still being written
	unaccessibleDelay = 5 * time.Second

	// interruptDelay is the wait before retrying an interrupted pair
	interruptDelay = time.Second
)

// handlerFunc synchronizes one pair according to its state
type handlerFunc func(p *Processor, ctx context.Context, pair *model.DocPair) error

var handlers = map[model.PairState]handlerFunc{
	model.PairLocallyCreated:               (*Processor).synchronizeLocallyCreated,
	model.PairLocallyResolved:              (*Processor).synchronizeLocallyResolved,
	model.PairLocallyModified:              (*Processor).synchronizeLocallyModified,
	model.PairLocallyMoved:                 (*Processor).synchronizeLocallyMoved,
	model.PairLocallyMovedCreated:          (*Processor).synchronizeLocallyMovedCreated,
	model.PairLocallyMovedRemotelyModified: (*Processor).synchronizeLocallyMovedRemotelyModified,
	model.PairLocallyDeleted:               (*Processor).synchronizeLocallyDeleted,
	model.PairRemotelyCreated:              (*Processor).synchronizeRemotelyCreated,
	model.PairRemotelyModified:             (*Processor).synchronizeRemotelyModified,
	model.PairRemotelyDeleted:              (*Processor).synchronizeRemotelyDeleted,
	model.PairDeleted:                      (*Processor).synchronizeDeleted,
	model.PairDeletedUnknown:               (*Processor).synchronizeDeleted,
	model.PairUnknownDeleted:               (*Processor).synchronizeDeleted,
	model.PairDirectTransfer:               (*Processor).synchronizeDirectTransfer,
}

// ProcessorOptions wires a Processor to the engine components
type ProcessorOptions struct {
	DAO    *dao.EngineDAO
	Local  *local.Client
	Remote *remote.Client
	Queue  *QueueManager
	Locks  *PathLocks
	Bus    *events.Bus
	Logger *logging.Logger

	EngineUID     string
	ErrorInterval time.Duration

	// LocalRollback restores the remote version of a file modified locally
	// without the right to update it. SyncDeletion propagates local
	// deletions to the server, otherwise the item is filtered out.
	LocalRollback bool
	SyncDeletion  bool

	// OnInvalidCredentials and OnNoSpace let the engine react to the
	// failures that concern all the pairs
	OnInvalidCredentials func()
	OnNoSpace            func()
}

// Processor applies the pending changes of the pairs handed out by the
// queue manager. One Processor serves every worker.
type Processor struct {
	dao    *dao.EngineDAO
	local  *local.Client
	remote *remote.Client
	queue  *QueueManager
	locks  *PathLocks
	bus    *events.Bus
	logger *logging.Logger

	engineUID     string
	errorInterval time.Duration
	localRollback bool
	syncDeletion  bool

	onInvalidCredentials func()
	onNoSpace            func()
}

// NewProcessor creates a processor
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	switch {
	case opts.DAO == nil:
		return nil, fmt.Errorf("state store cannot be nil")
	case opts.Local == nil:
		return nil, fmt.Errorf("local client cannot be nil")
	case opts.Remote == nil:
		return nil, fmt.Errorf("remote client cannot be nil")
	case opts.Queue == nil:
		return nil, fmt.Errorf("queue manager cannot be nil")
	}
	if opts.Locks == nil {
		opts.Locks = NewPathLocks()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.ErrorInterval <= 0 {
		opts.ErrorInterval = time.Minute
	}

	return &Processor{
		dao:                  opts.DAO,
		local:                opts.Local,
		remote:               opts.Remote,
		queue:                opts.Queue,
		locks:                opts.Locks,
		bus:                  opts.Bus,
		logger:               opts.Logger.WithComponent("processor"),
		engineUID:            opts.EngineUID,
		errorInterval:        opts.ErrorInterval,
		localRollback:        opts.LocalRollback,
		syncDeletion:         opts.SyncDeletion,
		onInvalidCredentials: opts.OnInvalidCredentials,
		onNoSpace:            opts.OnNoSpace,
	}, nil
}

// Process acquires the pair of item, runs the handler of its current state
// and applies the error policy on failure. ctx is the engine context.
func (p *Processor) Process(ctx context.Context, workerID int64, item model.QueueItem) {
	pair, err := p.dao.AcquireState(workerID, item.ID)
	switch {
	case errors.Is(err, dao.ErrPairBusy):
		p.queue.Postpone(item, interruptDelay)
		return
	case err != nil:
		p.logger.WithError(err).Warnf("Cannot acquire pair %d", item.ID)
		p.queue.Postpone(item, p.errorInterval)
		return
	case pair == nil:
		p.logger.Debugf("Pair %d is gone", item.ID)
		return
	}
	defer p.dao.ReleaseState(workerID)

	if !pair.PairState.IsProcessable() || pair.RemoteState == model.RemoteTodo {
		p.logger.Debugf("Nothing to do on %s", pair)
		return
	}
	if skip, err := p.checkRemoteDigest(pair); skip || err != nil {
		if err != nil {
			p.handleError(ctx, item, pair, err)
		}
		return
	}
	if p.transferPaused(pair) {
		p.logger.Debugf("Transfer of %s is paused", pair.LocalPath)
		return
	}

	handler, ok := handlers[pair.PairState]
	if !ok {
		p.logger.Warnf("No handler for %s", pair)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.queue.track(workerID, pair.LocalPath, cancel)
	defer p.queue.untrack(workerID)

	if err := p.locks.LockSoft(pair.LocalPath, workerID); err != nil {
		p.queue.Postpone(item, interruptDelay)
		return
	}
	defer p.locks.UnlockSoft(pair.LocalPath)

	p.logger.Debugf("Worker %d handling %s", workerID, pair)
	if err := handler(p, jobCtx, pair); err != nil {
		p.handleError(ctx, item, pair, err)
	}
}

// checkRemoteDigest parks the files whose remote digest cannot be compared
// with a local one, they would be downloaded again and again. A digest still
// being computed is parked too, the next remote change brings the final one.
func (p *Processor) checkRemoteDigest(pair *model.DocPair) (bool, error) {
	if pair.Folderish || (pair.PairState != model.PairRemotelyCreated && pair.PairState != model.PairRemotelyModified) {
		return false, nil
	}
	status := model.StatusOfDigest(pair.RemoteDigest)
	if status == model.DigestOK {
		return false, nil
	}
	p.logger.Infof("Unsynchronizing %s: %s", pair.LocalPath, status)
	return true, p.dao.UnsynchronizeState(pair, string(status))
}

func (p *Processor) transferPaused(pair *model.DocPair) bool {
	stopped := func(status model.TransferStatus) bool {
		return status == model.TransferPaused || status == model.TransferSuspended
	}
	if dl, err := p.dao.GetDownload(pair.ID); err == nil && dl != nil && stopped(dl.Status) {
		return true
	}
	if up, err := p.dao.GetUpload(pair.ID); err == nil && up != nil && stopped(up.Status) {
		return true
	}
	return false
}

func (p *Processor) handleError(ctx context.Context, item model.QueueItem, pair *model.DocPair, err error) {
	policy := classifyError(ctx, err)
	log := p.logger.WithError(err).WithFields(map[string]interface{}{
		"pair":   pair.String(),
		"policy": policy.String(),
	})

	switch policy {
	case policyStop:
		log.Debug("Engine stopping")
	case policyRequeue:
		log.Debug("Pair requeued")
		p.queue.Postpone(item, interruptDelay)
	case policyPostpone:
		var pe *postponeError
		errors.As(err, &pe)
		log.Debug("Pair postponed")
		p.queue.Postpone(item, pe.delay)
	case policyPaused:
		log.Info("Transfer paused")
	case policyInvalidCredentials:
		log.Warn("Credentials refused by the server")
		p.queue.Postpone(item, p.errorInterval)
		if p.onInvalidCredentials != nil {
			p.onInvalidCredentials()
		}
	case policyDropPair:
		log.Info("Remote document is gone, dropping the pair")
		if err := p.dao.RemoveState(pair, dao.RemoveOptions{RemoteRecursion: true}); err != nil {
			p.logger.WithError(err).Warn("Cannot drop the pair")
		}
	case policyIgnore:
		log.Warn("Operation refused by the server")
	case policyRetryLater:
		log.Info("Retrying later")
		p.queue.Postpone(item, p.errorInterval)
	case policyRestartUpload:
		log.Info("Upload credentials expired, starting over")
		if err := p.dao.RemoveTransfer(model.NatureUpload, pair.LocalPath); err != nil {
			p.logger.WithError(err).Warn("Cannot drop the upload")
		}
		p.queue.Postpone(item, 0)
	case policyNoSpace:
		log.Error("No space left on device")
		p.emit(events.Event{Kind: events.NoSpaceLeftOnDevice, PairID: pair.ID, Path: pair.LocalPath})
		p.queue.Postpone(item, p.errorInterval)
		if p.onNoSpace != nil {
			p.onNoSpace()
		}
	case policyLongPath:
		log.Warn("Path too long, filtering it out")
		p.emit(events.Event{Kind: events.LongPathError, PairID: pair.ID, Path: pair.LocalPath, Name: pair.LocalName})
		if pair.RemoteRef != "" {
			err = p.dao.AddFilter(pair.RemotePath())
		} else {
			err = p.dao.UnsynchronizeState(pair, "LONG_PATH")
		}
		if err != nil {
			p.logger.WithError(err).Warn("Cannot filter the pair")
		}
	case policyFileInUse:
		log.Info("File in use by another program")
		p.emit(events.Event{Kind: events.ErrorOpenedFile, PairID: pair.ID, Path: pair.LocalPath, Name: pair.LocalName})
		p.queue.Postpone(item, p.errorInterval)
	case policyDuplicate:
		var dup *local.DuplicateFileError
		target := ""
		if errors.As(err, &dup) {
			target = dup.Existing
		}
		p.emit(events.Event{Kind: events.FileAlreadyExists, PairID: pair.ID, Path: pair.LocalPath, Target: target})
		p.increaseError(pair, "DUPLICATE_FILE", err)
	case policyCorrupted:
		p.increaseError(pair, "CORRUPTED_FILE", err)
	default:
		p.increaseError(pair, "SYNC_HANDLER_"+strings.ToUpper(string(pair.PairState)), err)
	}
}

// increaseError records the failure, tags it so the log line can be found
// from the stored details, and schedules a retry
func (p *Processor) increaseError(pair *model.DocPair, reason string, err error) {
	tag := uuid.NewString()
	p.logger.WithError(err).WithFields(map[string]interface{}{
		"pair": pair.String(),
		"tag":  tag,
	}).Errorf("Cannot synchronize %s", pair.LocalPath)

	details := fmt.Sprintf("%v [%s]", err, tag)
	if derr := p.dao.IncreaseError(pair, reason, details, 1); derr != nil {
		p.logger.WithError(derr).Warn("Cannot record the error")
	}
	p.emit(events.Event{Kind: events.NewError, PairID: pair.ID, Path: pair.LocalPath, Name: pair.LocalName, Error: reason})
	p.queue.PushError(pair, 0)
}

func (p *Processor) emit(e events.Event) {
	e.Engine = p.engineUID
	p.bus.Publish(e)
}

func (p *Processor) emitReadonly(pair *model.DocPair, name, parentName string) {
	p.emit(events.Event{Kind: events.NewReadonly, PairID: pair.ID, Path: pair.LocalPath, Name: name, Parent: parentName})
}

// synchronize marks the pair synchronized. A pair changed meanwhile stays
// as it is, the change already queued it again.
func (p *Processor) synchronize(pair *model.DocPair) error {
	ok, err := p.dao.SynchronizeState(pair)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Debugf("%s changed while being processed", pair.LocalPath)
	}
	return nil
}

// unlockParent makes the parent of path writable for the duration of an
// operation, the returned function restores it
func (p *Processor) unlockParent(path string) func() {
	parent := model.ParentPath(path)
	if parent == "" {
		return func() {}
	}
	p.locks.UnlockReadonly(parent, func() int { return p.local.UnlockRef(parent, false) })
	return func() {
		p.locks.LockReadonly(parent, func(locked int) { p.local.LockRef(parent, locked) })
	}
}

// applyReadonly protects the local copy when the server does not let the
// user change it, and lifts the protection otherwise
func (p *Processor) applyReadonly(pair *model.DocPair) {
	if pair.IsRoot() || !p.local.Exists(pair.LocalPath) {
		return
	}
	var err error
	switch {
	case pair.IsReadonly():
		err = p.local.SetReadonly(pair.LocalPath)
	case p.local.IsReadonly(pair.LocalPath):
		err = p.local.UnsetReadonly(pair.LocalPath)
	}
	if err != nil {
		p.logger.WithError(err).Debugf("Cannot update the protection of %s", pair.LocalPath)
	}
}

// localParentOf returns the pair of the local parent folder. A parent not
// uploaded yet gives ErrParentNotSynced.
func (p *Processor) localParentOf(pair *model.DocPair) (*model.DocPair, error) {
	parent, err := p.dao.GetStateFromLocal(pair.LocalParentPath)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, ErrParentNotSynced
	}
	if parent.PairState == model.PairUnsynchronized {
		return parent, nil
	}
	if parent.RemoteRef == "" || parent.PairState == model.PairLocallyCreated || parent.PairState == model.PairRemotelyCreated {
		return nil, ErrParentNotSynced
	}
	return parent, nil
}

// pairAtRemotePath returns the pair at a full remote path, nil when unknown
func pairAtRemotePath(store *dao.EngineDAO, remotePath string) (*model.DocPair, error) {
	i := strings.LastIndex(remotePath, "/")
	if i < 0 {
		return nil, nil
	}
	return store.GetStateFromRemoteWithPath(remotePath[i+1:], remotePath[:i])
}

// remoteParentPath returns the path of the parent of a full remote path
func remoteParentPath(remotePath string) string {
	i := strings.LastIndex(remotePath, "/")
	if i < 0 {
		return ""
	}
	return remotePath[:i]
}
