package sync

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// ResolveConflict settles a conflicted pair when both sides hold the same
// item, otherwise the user is notified. It runs every time a pair becomes
// conflicted and for every conflict at startup.
func (p *Processor) ResolveConflict(ctx context.Context, id int64) error {
	pair, err := p.dao.GetStateFromID(id)
	if err != nil || pair == nil {
		return err
	}
	if pair.PairState != model.PairConflicted {
		return nil
	}

	info, err := p.local.TryGetInfo(pair.LocalPath)
	if err != nil {
		return err
	}
	if info == nil || info.Folderish != pair.Folderish {
		p.notifyConflict(pair)
		return nil
	}
	if !pair.Folderish && !p.local.IsEqualDigests(info.Digest(), pair.RemoteDigest, pair.LocalPath) {
		p.notifyConflict(pair)
		return nil
	}

	// same content, only the location may differ
	if pair.LocalState == model.LocalMoved {
		p.logger.Infof("Conflict on %s reduced to a local move", pair.LocalPath)
		pair.LocalDigest = info.Digest()
		pair.RemoteState = model.RemoteSynchronized
		return p.dao.UpdateLocalState(pair, info, dao.DefaultUpdate)
	}
	sameParent, err := p.sameParent(pair)
	if err != nil {
		return err
	}
	if !sameParent || local.SafeFilename(pair.RemoteName) != pair.LocalName {
		p.notifyConflict(pair)
		return nil
	}

	p.logger.Infof("Conflict on %s resolved, both sides are equal", pair.LocalPath)
	if info.RemoteRef != pair.RemoteRef {
		if err := p.local.SetRemoteID(pair.LocalPath, pair.RemoteRef); err != nil {
			return err
		}
	}
	pair.LocalDigest = info.Digest()
	pair.LocalState = model.LocalSynchronized
	pair.RemoteState = model.RemoteSynchronized
	if err := p.dao.UpdateLocalState(pair, info, dao.UpdateOptions{}); err != nil {
		return err
	}
	return p.synchronize(pair)
}

func (p *Processor) sameParent(pair *model.DocPair) (bool, error) {
	parent, err := pairAtRemotePath(p.dao, pair.RemoteParentPath)
	if err != nil {
		return false, err
	}
	return parent != nil && parent.LocalPath == pair.LocalParentPath, nil
}

func (p *Processor) notifyConflict(pair *model.DocPair) {
	p.logger.Infof("Conflict on %s needs the user", pair.LocalPath)
	p.emit(events.Event{Kind: events.NewConflict, PairID: pair.ID, Path: pair.LocalPath, Name: pair.LocalName})
}

func (p *Processor) conflictedPair(id int64) (*model.DocPair, error) {
	pair, err := p.dao.GetStateFromID(id)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("pair %d: %w", id, ErrNotConflicted)
	}
	if pair.PairState != model.PairConflicted {
		return nil, ErrNotConflicted
	}
	return pair, nil
}

// ResolveWithLocal keeps the local version, it is uploaded over the remote one
func (p *Processor) ResolveWithLocal(id int64) error {
	pair, err := p.conflictedPair(id)
	if err != nil {
		return err
	}
	ok, err := p.dao.ForceLocal(pair)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pair %d changed meanwhile", id)
	}
	return nil
}

// ResolveWithRemote keeps the remote version, it is downloaded over the
// local one
func (p *Processor) ResolveWithRemote(id int64) error {
	pair, err := p.conflictedPair(id)
	if err != nil {
		return err
	}
	return p.forceRemote(pair)
}

// forceRemote queues the pair for a download overwriting the local copy.
// The current local digest is stored first so the download does not see a
// local edit.
func (p *Processor) forceRemote(pair *model.DocPair) error {
	if info, err := p.local.TryGetInfo(pair.LocalPath); err == nil && info != nil {
		pair.LocalDigest = info.Digest()
		pair.LocalState = model.LocalSynchronized
		pair.RemoteState = model.RemoteModified
		if err := p.dao.UpdateLocalState(pair, info, dao.UpdateOptions{}); err != nil {
			return err
		}
	}
	ok, err := p.dao.ForceRemote(pair)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pair %d changed meanwhile", pair.ID)
	}
	return nil
}

// ResolveWithDuplicate keeps both versions: the local one is renamed and
// uploaded as a new document, the remote one is downloaded under the
// original name
func (p *Processor) ResolveWithDuplicate(id int64) error {
	pair, err := p.conflictedPair(id)
	if err != nil {
		return err
	}

	renamed, err := p.local.Rename(pair.LocalPath, conflictName(pair.LocalName))
	if err != nil {
		return err
	}
	if err := p.local.RemoveRemoteID(renamed.Path); err != nil {
		return err
	}
	p.logger.Infof("Kept the local version of %s as %s", pair.LocalPath, renamed.Path)

	if err := p.dao.MarkDescendantsRemotelyCreated(pair); err != nil {
		return err
	}
	renamed.RemoteRef = ""
	_, err = p.dao.InsertLocalState(renamed, model.ParentPath(renamed.Path))
	return err
}

// conflictName gives "report (conflict).txt" for "report.txt"
func conflictName(name string) string {
	ext := path.Ext(name)
	if ext == name || strings.HasPrefix(name, ".") && strings.Count(name, ".") == 1 {
		ext = ""
	}
	return strings.TrimSuffix(name, ext) + " (conflict)" + ext
}
