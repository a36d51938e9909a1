package sync

import (
	"context"
	"strings"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
)

func (p *Processor) uploadRequest(pair *model.DocPair, parentRef, parentPath string) remote.UploadRequest {
	return remote.UploadRequest{
		PairID:           pair.ID,
		Path:             pair.LocalPath,
		AbsPath:          p.local.AbsPath(pair.LocalPath),
		Name:             pair.LocalName,
		RemoteParentRef:  parentRef,
		RemoteParentPath: parentPath,
	}
}

// bind records that both sides now hold the same item and marks the pair
// synchronized. local may be nil when the local side did not change. A
// watcher update made meanwhile bumped the version: its states are kept and
// the pair is processed again.
func (p *Processor) bind(pair *model.DocPair, local *model.LocalInfo, info *model.RemoteInfo, remoteParentPath, transfer string) error {
	pair.LocalState = model.LocalSynchronized
	pair.RemoteState = model.RemoteSynchronized
	if local != nil {
		pair.LocalDigest = local.Digest()
		if err := p.dao.UpdateLocalState(pair, local, dao.UpdateOptions{IfVersion: true}); err != nil {
			return err
		}
	}
	opts := dao.RemoteUpdateOptions{
		UpdateOptions:    dao.UpdateOptions{IfVersion: true},
		RemoteParentPath: remoteParentPath,
		Force:            true,
	}
	if _, err := p.dao.UpdateRemoteState(pair, info, opts); err != nil {
		return err
	}
	if transfer != "" && !pair.Folderish {
		if err := p.dao.UpdateLastTransfer(pair.ID, transfer); err != nil {
			return err
		}
	}
	p.applyReadonly(pair)
	return p.synchronize(pair)
}

func (p *Processor) synchronizeLocallyCreated(ctx context.Context, pair *model.DocPair) error {
	parent, err := p.localParentOf(pair)
	if err != nil {
		return err
	}
	if parent.PairState == model.PairUnsynchronized {
		return p.dao.UnsynchronizeState(pair, "PARENT_UNSYNC")
	}

	info, err := p.local.TryGetInfo(pair.LocalPath)
	if err != nil {
		return err
	}
	if info == nil {
		p.logger.Debugf("%s vanished before its upload", pair.LocalPath)
		return p.dao.RemoveState(pair, dao.RemoveOptions{})
	}
	if info.Folderish != pair.Folderish {
		p.logger.Infof("%s changed type, starting over", pair.LocalPath)
		if err := p.dao.RemoveState(pair, dao.RemoveOptions{}); err != nil {
			return err
		}
		_, err := p.dao.InsertLocalState(info, pair.LocalParentPath)
		return err
	}

	if !parent.RemoteCanCreateChild {
		p.emitReadonly(pair, pair.LocalName, parent.LocalName)
		return p.dao.UnsynchronizeState(pair, "READONLY")
	}

	if info.RemoteRef != "" {
		done, err := p.reattach(ctx, pair, parent, info)
		if err != nil || done {
			return err
		}
	}

	if !info.Folderish && info.Digest() == model.UnaccessibleHash {
		return postpone("file is still being written", unaccessibleDelay)
	}

	created, err := p.createRemote(ctx, pair, parent, info)
	if err != nil {
		return err
	}
	if err := p.local.SetRemoteID(pair.LocalPath, created.UID); err != nil {
		return err
	}
	return p.bind(pair, info, created, parent.RemotePath(), model.NatureUpload)
}

// createRemote creates the remote counterpart of info. When the server went
// away during the call, a child with the same name and content created by
// that very call is taken instead of creating a duplicate.
func (p *Processor) createRemote(ctx context.Context, pair, parent *model.DocPair, info *model.LocalInfo) (*model.RemoteInfo, error) {
	var (
		created *model.RemoteInfo
		err     error
	)
	if info.Folderish {
		created, err = p.remote.MakeFolder(ctx, parent.RemoteRef, info.Name, false)
	} else {
		created, err = p.remote.StreamFile(ctx, p.uploadRequest(pair, parent.RemoteRef, parent.RemotePath()), false)
	}
	if err == nil || !remote.IsServerUnavailable(err) {
		return created, err
	}

	found, ferr := p.remote.FindChild(ctx, parent.RemoteRef, info.Name)
	if ferr != nil || found == nil || found.Folderish != info.Folderish {
		return nil, err
	}
	if !info.Folderish && !strings.EqualFold(found.Digest, info.Digest()) {
		return nil, err
	}
	p.logger.Infof("Found %s on the server after a failed creation", pair.LocalPath)
	return found, nil
}

// reattach binds a local item still carrying the id of a remote document,
// usually restored from the trash or moved back in. It reports whether the
// pair was bound, otherwise the stale id is dropped and a new document will
// be created.
func (p *Processor) reattach(ctx context.Context, pair, parent *model.DocPair, info *model.LocalInfo) (bool, error) {
	existing, err := p.remote.TryGetFsInfo(ctx, info.RemoteRef)
	if err != nil {
		return false, err
	}
	if existing == nil && p.remote.CanUse(remote.OpUndelete) {
		if err := p.remote.Undelete(ctx, model.DocUID(info.RemoteRef)); err != nil {
			p.logger.WithError(err).Debugf("Cannot restore %s", info.RemoteRef)
		} else if existing, err = p.remote.TryGetFsInfo(ctx, info.RemoteRef); err != nil {
			return false, err
		}
	}

	copied, err := p.isCopy(pair, info.RemoteRef)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.ParentUID != parent.RemoteRef || existing.Folderish != info.Folderish || copied {
		p.logger.Debugf("Dropping the stale remote id of %s", pair.LocalPath)
		return false, p.local.RemoveRemoteID(pair.LocalPath)
	}

	if existing.Name != info.Name && existing.CanRename {
		if existing, err = p.remote.Rename(ctx, existing.UID, info.Name); err != nil {
			return false, err
		}
	}
	if !info.Folderish && !p.local.IsEqualDigests(info.Digest(), existing.Digest, pair.LocalPath) {
		if info.Digest() == model.UnaccessibleHash {
			return false, postpone("file is still being written", unaccessibleDelay)
		}
		req := p.uploadRequest(pair, parent.RemoteRef, parent.RemotePath())
		if existing, err = p.remote.StreamUpdate(ctx, existing.UID, req); err != nil {
			return false, err
		}
	}
	p.logger.Infof("Reattached %s to %s", pair.LocalPath, existing.UID)
	return true, p.bind(pair, info, existing, parent.RemotePath(), model.NatureUpload)
}

// isCopy reports whether another pair still holds ref, meaning the local
// item was copied along with its attributes
func (p *Processor) isCopy(pair *model.DocPair, ref string) (bool, error) {
	others, err := p.dao.GetStatesFromRemote(ref)
	if err != nil {
		return false, err
	}
	for _, other := range others {
		if other.ID != pair.ID && other.LocalPath != pair.LocalPath && p.local.Exists(other.LocalPath) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) synchronizeLocallyResolved(ctx context.Context, pair *model.DocPair) error {
	return p.synchronizeLocallyModified(ctx, pair)
}

func (p *Processor) synchronizeLocallyModified(ctx context.Context, pair *model.DocPair) error {
	if pair.Folderish {
		return p.synchronize(pair)
	}
	if pair.RemoteRef == "" {
		return p.synchronizeLocallyCreated(ctx, pair)
	}

	info, err := p.local.TryGetInfo(pair.LocalPath)
	if err != nil || info == nil {
		return err
	}
	digest := info.Digest()
	if digest == model.UnaccessibleHash {
		return postpone("file is still being written", unaccessibleDelay)
	}

	if p.local.IsEqualDigests(digest, pair.RemoteDigest, pair.LocalPath) {
		p.logger.Debugf("Content of %s did not change", pair.LocalPath)
		pair.LocalDigest = digest
		if err := p.dao.UpdateLocalState(pair, info, dao.UpdateOptions{}); err != nil {
			return err
		}
		return p.synchronize(pair)
	}

	if !pair.RemoteCanUpdate {
		return p.refuseLocalUpdate(ctx, pair)
	}

	updated, err := p.remote.StreamUpdate(ctx, pair.RemoteRef, p.uploadRequest(pair, pair.RemoteParentRef, pair.RemoteParentPath))
	if err != nil {
		return err
	}
	return p.bind(pair, info, updated, pair.RemoteParentPath, model.NatureUpload)
}

// refuseLocalUpdate handles a local change the server will not accept,
// either by restoring the remote version or by parking the pair
func (p *Processor) refuseLocalUpdate(ctx context.Context, pair *model.DocPair) error {
	if p.localRollback {
		p.logger.Infof("Restoring the remote version of %s", pair.LocalPath)
		return p.forceRemote(pair)
	}

	locked, owner, err := p.remote.IsLocked(ctx, model.DocUID(pair.RemoteRef))
	if err != nil {
		p.logger.WithError(err).Debugf("Cannot check the lock of %s", pair.RemoteRef)
	}
	if locked {
		p.emit(eventLocked(pair, owner))
		return p.dao.UnsynchronizeState(pair, "LOCKED")
	}
	p.emitReadonly(pair, pair.LocalName, baseOf(pair.LocalParentPath))
	return p.dao.UnsynchronizeState(pair, "READONLY")
}

// pushLocalMove applies a local rename or move on the server, or rolls it
// back when the server refuses it. It returns the current remote item and
// its parent path.
func (p *Processor) pushLocalMove(ctx context.Context, pair, parent *model.DocPair) (*model.RemoteInfo, string, error) {
	var (
		current *model.RemoteInfo
		err     error
	)
	remoteParentPath := pair.RemoteParentPath

	if pair.LocalName != pair.RemoteName {
		if pair.RemoteCanRename {
			p.logger.Infof("Renaming %s to %q on the server", pair.RemoteRef, pair.LocalName)
			if current, err = p.remote.Rename(ctx, pair.RemoteRef, pair.LocalName); err != nil {
				return nil, "", err
			}
		} else if err := p.rollbackRename(pair, parent); err != nil {
			return nil, "", err
		}
	}

	if parent.RemoteRef != pair.RemoteParentRef {
		if pair.RemoteCanDelete && parent.RemoteCanCreateChild {
			p.logger.Infof("Moving %s below %s on the server", pair.RemoteRef, parent.RemoteRef)
			if current, err = p.remote.Move(ctx, pair.RemoteRef, parent.RemoteRef); err != nil {
				return nil, "", err
			}
			remoteParentPath = parent.RemotePath()
			if err := p.dao.UpdateRemoteParentPath(pair, remoteParentPath); err != nil {
				return nil, "", err
			}
		} else if err := p.rollbackMove(pair, parent); err != nil {
			return nil, "", err
		}
	}

	if current == nil {
		if current, err = p.remote.GetFsInfo(ctx, pair.RemoteRef); err != nil {
			return nil, "", err
		}
	}
	return current, remoteParentPath, nil
}

func (p *Processor) rollbackRename(pair, parent *model.DocPair) error {
	p.logger.Infof("Renaming %s back to %q, the server refuses the rename", pair.LocalPath, pair.RemoteName)
	info, err := p.local.Rename(pair.LocalPath, pair.RemoteName)
	if err != nil {
		return err
	}
	if err := p.dao.UpdateLocalParentPath(pair, info.Name, model.ParentPath(info.Path)); err != nil {
		return err
	}
	p.emitReadonly(pair, pair.RemoteName, parent.LocalName)
	return nil
}

func (p *Processor) rollbackMove(pair, parent *model.DocPair) error {
	origin, err := p.dao.GetNormalStateFromRemote(pair.RemoteParentRef)
	if err != nil {
		return err
	}
	if origin == nil {
		p.emitReadonly(pair, pair.LocalName, parent.LocalName)
		return p.dao.UnsynchronizeState(pair, "READONLY")
	}
	p.logger.Infof("Moving %s back to %s, the server refuses the move", pair.LocalPath, origin.LocalPath)
	info, err := p.local.Move(pair.LocalPath, origin.LocalPath, "")
	if err != nil {
		return err
	}
	if err := p.dao.UpdateLocalParentPath(pair, info.Name, origin.LocalPath); err != nil {
		return err
	}
	p.emitReadonly(pair, pair.LocalName, parent.LocalName)
	return nil
}

func (p *Processor) synchronizeLocallyMoved(ctx context.Context, pair *model.DocPair) error {
	parent, err := p.localParentOf(pair)
	if err != nil {
		return err
	}
	if parent.PairState == model.PairUnsynchronized {
		return p.dao.UnsynchronizeState(pair, "PARENT_UNSYNC")
	}
	if pair.RemoteRef == "" {
		return p.synchronizeLocallyCreated(ctx, pair)
	}

	current, remoteParentPath, err := p.pushLocalMove(ctx, pair, parent)
	if err != nil {
		return err
	}
	if pair.PairState == model.PairUnsynchronized {
		return nil
	}

	info, err := p.local.TryGetInfo(pair.LocalPath)
	if err != nil {
		return err
	}
	if info != nil && !info.Folderish && !p.local.IsEqualDigests(info.Digest(), current.Digest, pair.LocalPath) {
		// moved then edited before the move was synchronized
		pair.LocalState = model.LocalModified
		pair.RemoteState = model.RemoteSynchronized
		if _, err := p.dao.UpdateRemoteState(pair, current, dao.RemoteUpdateOptions{RemoteParentPath: remoteParentPath, Force: true}); err != nil {
			return err
		}
		return p.synchronizeLocallyModified(ctx, pair)
	}
	return p.bind(pair, info, current, remoteParentPath, "")
}

// synchronizeLocallyMovedCreated uploads again an item moved locally while
// it was deleted on the server
func (p *Processor) synchronizeLocallyMovedCreated(ctx context.Context, pair *model.DocPair) error {
	if err := p.local.RemoveRemoteID(pair.LocalPath); err != nil {
		return err
	}
	return p.dao.MarkDescendantsLocallyCreated(pair)
}

func (p *Processor) synchronizeLocallyMovedRemotelyModified(ctx context.Context, pair *model.DocPair) error {
	parent, err := p.localParentOf(pair)
	if err != nil {
		return err
	}
	if parent.PairState == model.PairUnsynchronized {
		return p.dao.UnsynchronizeState(pair, "PARENT_UNSYNC")
	}

	current, remoteParentPath, err := p.pushLocalMove(ctx, pair, parent)
	if err != nil {
		return err
	}
	pair.LocalState = model.LocalSynchronized
	pair.RemoteState = model.RemoteModified
	if _, err := p.dao.UpdateRemoteState(pair, current, dao.RemoteUpdateOptions{RemoteParentPath: remoteParentPath, Force: true}); err != nil {
		return err
	}
	return p.synchronizeRemotelyModified(ctx, pair)
}

func (p *Processor) synchronizeLocallyDeleted(ctx context.Context, pair *model.DocPair) error {
	if pair.RemoteRef == "" {
		return p.dao.RemoveState(pair, dao.RemoveOptions{})
	}

	if !p.syncDeletion || !pair.RemoteCanDelete {
		if !pair.RemoteCanDelete {
			p.emitReadonly(pair, pair.LocalName, baseOf(pair.LocalParentPath))
		}
		p.logger.Infof("Filtering %s out instead of deleting it on the server", pair.RemotePath())
		if err := p.dao.AddFilter(pair.RemotePath()); err != nil {
			return err
		}
		return p.dao.RemoveState(pair, dao.RemoveOptions{RemoteRecursion: true})
	}

	p.logger.Infof("Deleting %s on the server", pair.RemoteRef)
	if err := p.remote.Delete(ctx, pair.RemoteRef, pair.RemoteParentRef); err != nil && !isNotFound(err) {
		return err
	}
	if err := p.dao.RemoveState(pair, dao.RemoveOptions{RemoteRecursion: true}); err != nil {
		return err
	}

	// a sibling waiting on the same name can go on now
	if dedupe, err := p.dao.GetDedupePair(pair.LocalName, pair.RemoteParentRef, pair.ID); err == nil && dedupe != nil {
		if err := p.dao.ResetError(dedupe); err != nil {
			p.logger.WithError(err).Debug("Cannot reset the duplicate")
		}
	}

	// something else took the place of the deleted item
	info, err := p.local.TryGetInfo(pair.LocalPath)
	if err != nil || info == nil {
		return err
	}
	if info.Folderish != pair.Folderish {
		_, err = p.dao.InsertLocalState(info, pair.LocalParentPath)
	}
	return err
}

func (p *Processor) synchronizeDeleted(ctx context.Context, pair *model.DocPair) error {
	return p.dao.RemoveState(pair, dao.RemoveOptions{})
}

func (p *Processor) synchronizeDirectTransfer(ctx context.Context, pair *model.DocPair) error {
	p.logger.Debugf("Direct transfer of %s is handled by its session", pair.LocalPath)
	return nil
}
