package sync

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
)

func isNotFound(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}

func baseOf(p string) string {
	if p == "" || p == model.RootPath {
		return ""
	}
	return path.Base(p)
}

func eventLocked(pair *model.DocPair, owner string) events.Event {
	return events.Event{Kind: events.NewLocked, PairID: pair.ID, Path: pair.LocalPath, Name: pair.LocalName, Owner: owner}
}

// remoteParentOf returns the pair of the remote parent folder, it must exist
// locally already
func (p *Processor) remoteParentOf(pair *model.DocPair) (*model.DocPair, error) {
	parent, err := pairAtRemotePath(p.dao, pair.RemoteParentPath)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.LocalPath == "" {
		return nil, ErrParentNotSynced
	}
	switch parent.PairState {
	case model.PairRemotelyCreated, model.PairLocallyCreated:
		return nil, ErrParentNotSynced
	}
	return parent, nil
}

// download fetches the content of info into a partial file and installs it
// at localPath. A synchronized file with the same content is copied instead.
func (p *Processor) download(ctx context.Context, pair *model.DocPair, info *model.RemoteInfo, localPath string) error {
	partial, err := p.local.PartialPath(info.UID, info.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.local.CleanPartials(info.UID); err != nil {
			p.logger.WithError(err).Debugf("Cannot clean the partials of %s", info.UID)
		}
	}()

	copied := false
	if dup, err := p.dao.GetValidDuplicateFile(info.Digest); err == nil && dup != nil && dup.ID != pair.ID &&
		strings.EqualFold(dup.LocalDigest, info.Digest) && p.local.Exists(dup.LocalPath) {
		if err := p.local.CopyFile(dup.LocalPath, partial); err != nil {
			p.logger.WithError(err).Debugf("Cannot copy %s, downloading", dup.LocalPath)
		} else {
			p.logger.Debugf("Copied %s from %s", localPath, dup.LocalPath)
			copied = true
		}
	}
	if !copied {
		req := remote.DownloadRequest{PairID: pair.ID, Path: localPath, Info: info, Dest: partial}
		if err := p.remote.StreamContent(ctx, req); err != nil {
			return err
		}
	}
	return p.local.ReplaceWith(partial, localPath)
}

// finishDownload binds the local item at localPath to info once its content
// is in place
func (p *Processor) finishDownload(pair *model.DocPair, info *model.RemoteInfo, localPath, transfer string) error {
	if err := p.local.SetRemoteID(localPath, info.UID); err != nil {
		return err
	}
	if !info.LastModificationTime.IsZero() {
		if err := p.local.ChangeFileDate(localPath, info.LastModificationTime); err != nil {
			p.logger.WithError(err).Debugf("Cannot set the dates of %s", localPath)
		}
	}
	if localPath != pair.LocalPath {
		if err := p.dao.UpdateLocalParentPath(pair, path.Base(localPath), model.ParentPath(localPath)); err != nil {
			return err
		}
	}
	localInfo, err := p.local.GetInfo(localPath)
	if err != nil {
		return err
	}
	return p.bind(pair, localInfo, info, pair.RemoteParentPath, transfer)
}

func (p *Processor) synchronizeRemotelyCreated(ctx context.Context, pair *model.DocPair) error {
	if p.dao.IsFiltered(pair.RemotePath()) {
		p.logger.Debugf("%s is filtered", pair.RemotePath())
		return p.dao.RemoveState(pair, dao.RemoveOptions{RemoteRecursion: true})
	}
	parent, err := p.remoteParentOf(pair)
	if err != nil {
		return err
	}
	if parent.PairState == model.PairUnsynchronized {
		return p.dao.UnsynchronizeState(pair, "PARENT_UNSYNC")
	}

	info, err := p.remote.GetFsInfo(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}
	if !info.Folderish {
		if status := model.StatusOfDigest(info.Digest); status != model.DigestOK {
			return p.dao.UnsynchronizeState(pair, string(status))
		}
	}

	// an item already bound to this document stays where it is
	localPath := model.JoinPath(parent.LocalPath, local.SafeFilename(info.Name))
	existing, err := p.local.TryGetInfo(localPath)
	if err != nil {
		return err
	}
	if existing == nil || existing.RemoteRef != info.UID || existing.Folderish != info.Folderish {
		name, err := p.local.GetNewFile(parent.LocalPath, info.Name)
		if err != nil {
			return err
		}
		localPath = model.JoinPath(parent.LocalPath, name)
		existing = nil
	}

	release := p.unlockParent(localPath)
	defer release()

	transfer := ""
	switch {
	case info.Folderish && existing == nil:
		p.logger.Infof("Creating folder %s", localPath)
		if localPath, err = p.local.MakeFolder(parent.LocalPath, path.Base(localPath)); err != nil {
			return err
		}
	case !info.Folderish && (existing == nil || !p.local.IsEqualDigests(existing.Digest(), info.Digest, localPath)):
		p.logger.Infof("Downloading %s", localPath)
		if err := p.download(ctx, pair, info, localPath); err != nil {
			return err
		}
		transfer = model.NatureDownload
	}
	return p.finishDownload(pair, info, localPath, transfer)
}

func (p *Processor) synchronizeRemotelyModified(ctx context.Context, pair *model.DocPair) error {
	info, err := p.remote.GetFsInfo(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}

	current, err := p.local.TryGetInfo(pair.LocalPath)
	if err != nil {
		return err
	}
	if current == nil {
		p.logger.Infof("%s is gone locally, downloading it again", pair.LocalPath)
		return p.dao.MarkDescendantsRemotelyCreated(pair)
	}

	localPath := pair.LocalPath
	transfer := ""
	if !pair.Folderish && !p.local.IsEqualDigests(current.Digest(), info.Digest, localPath) {
		if status := model.StatusOfDigest(info.Digest); status != model.DigestOK {
			return p.dao.UnsynchronizeState(pair, string(status))
		}
		if pair.LocalDigest != "" && !strings.EqualFold(current.Digest(), pair.LocalDigest) {
			// edited locally since the last synchronization
			_, err := p.dao.SetConflictState(pair)
			return err
		}
		release := p.unlockParent(localPath)
		p.logger.Infof("Updating %s", localPath)
		err := p.download(ctx, pair, info, localPath)
		release()
		if err != nil {
			return err
		}
		transfer = model.NatureDownload
	}

	if localPath, err = p.applyRemoteMove(pair, info); err != nil {
		return err
	}
	return p.finishDownload(pair, info, localPath, transfer)
}

// applyRemoteMove replays a remote rename or move on the local item and
// returns its new local path
func (p *Processor) applyRemoteMove(pair *model.DocPair, info *model.RemoteInfo) (string, error) {
	if pair.IsRoot() {
		return pair.LocalPath, nil
	}
	parent, err := p.remoteParentOf(pair)
	if err != nil {
		return "", err
	}
	name := local.SafeFilename(info.Name)

	if parent.LocalPath != pair.LocalParentPath {
		p.logger.Infof("Moving %s to %s", pair.LocalPath, parent.LocalPath)
		release := p.unlockParent(pair.LocalPath)
		moved, err := p.local.Move(pair.LocalPath, parent.LocalPath, name)
		release()
		if err != nil {
			return "", err
		}
		if err := p.dao.UpdateLocalParentPath(pair, moved.Name, parent.LocalPath); err != nil {
			return "", err
		}
		return moved.Path, nil
	}

	if name != pair.LocalName {
		p.logger.Infof("Renaming %s to %q", pair.LocalPath, name)
		release := p.unlockParent(pair.LocalPath)
		renamed, err := p.local.Rename(pair.LocalPath, name)
		release()
		if err != nil {
			return "", err
		}
		if err := p.dao.UpdateLocalParentPath(pair, renamed.Name, pair.LocalParentPath); err != nil {
			return "", err
		}
		return renamed.Path, nil
	}
	return pair.LocalPath, nil
}

func (p *Processor) synchronizeRemotelyDeleted(ctx context.Context, pair *model.DocPair) error {
	if pair.LocalState == model.LocalUnknown || pair.IsRoot() {
		return p.dao.RemoveState(pair, dao.RemoveOptions{RemoteRecursion: true})
	}

	info, err := p.local.TryGetInfo(pair.LocalPath)
	if err != nil {
		return err
	}
	if info == nil {
		return p.dao.RemoveState(pair, dao.RemoveOptions{RemoteRecursion: true})
	}
	if info.RemoteRef != "" && info.RemoteRef != pair.RemoteRef {
		p.logger.Warnf("%s is bound to %s now, keeping it", pair.LocalPath, info.RemoteRef)
		return p.dao.RemoveState(pair, dao.RemoveOptions{})
	}

	p.logger.Infof("Deleting %s", pair.LocalPath)
	release := p.unlockParent(pair.LocalPath)
	err = p.local.Delete(pair.LocalPath)
	release()
	if err != nil {
		return err
	}
	if err := p.dao.RemoveState(pair, dao.RemoveOptions{RemoteRecursion: true}); err != nil {
		return err
	}
	p.emit(events.Event{Kind: events.DocDeleted, PairID: pair.ID, Path: pair.LocalPath, Name: pair.LocalName})
	return nil
}
