package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/crdt"
	"github.com/disnet/flint-note-sync/internal/storage"
)

// SyncNow runs one full cycle: pull remote changes, push dirty documents,
// publish the updated manifest. Cancellation is honored between documents,
// never mid-document, so an interrupted cycle leaves every document either
// fully synced or untouched.
func (s *Syncer) SyncNow(ctx context.Context) error {
	s.setState(StateSyncing, nil)

	err := s.cycle(ctx)
	if err != nil {
		s.setState(StateError, err)
		if s.Status().Degraded {
			return fmt.Errorf("%w: %v", common.ErrSyncDegraded, err)
		}
		return err
	}
	s.setState(StateIdle, nil)
	return nil
}

func (s *Syncer) cycle(ctx context.Context) error {
	manifest, err := s.remote.LoadManifest(ctx)
	if errors.Is(err, common.ErrNotFound) {
		manifest = storage.NewManifest()
	} else if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	if err := s.pull(ctx, manifest); err != nil {
		return err
	}

	changed, err := s.push(ctx, manifest)
	if err != nil {
		return err
	}

	if changed {
		manifest.UpdatedAt = s.now()
		if err := s.remote.SaveManifest(ctx, manifest); err != nil {
			return fmt.Errorf("save manifest: %w", err)
		}
	}
	return nil
}

// pull merges every remote document the local store has not fully seen.
func (s *Syncer) pull(ctx context.Context, manifest *storage.Manifest) error {
	for docID, entry := range manifest.Documents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.inConflict(docID) {
			continue
		}

		localVec, err := s.store.Vector(docID)
		known := err == nil
		if known && len(entry.Vector) > 0 && localVec.Dominates(entry.Vector) {
			continue
		}

		data, err := s.remote.LoadDocument(ctx, docID)
		if errors.Is(err, common.ErrNotFound) {
			// Manifest entry without an object: another device is mid-upload.
			// The next cycle will see it.
			continue
		}
		if err != nil {
			return fmt.Errorf("pull %q: %w", docID, err)
		}

		info, err := crdt.InspectState(data)
		if err != nil {
			return fmt.Errorf("pull %q: %w", docID, err)
		}

		// A remote deletion landing on unsynced local edits is not merged
		// silently: the document is parked until the user decides.
		if info.Deleted && s.store.IsDirty(docID) {
			if snap, err := s.store.Get(docID); err == nil && !snap.Deleted {
				s.addConflict(ctx, docID)
				continue
			}
		}

		res, err := s.store.ApplyRemote(docID, data)
		if err != nil {
			return fmt.Errorf("merge %q: %w", docID, err)
		}
		if res.Changed && s.cfg.OnMerged != nil {
			s.cfg.OnMerged(ctx, docID)
		}
		if res.Concurrent {
			s.emit(Event{Kind: EventConcurrentMerge, DocID: docID})
		}
	}
	return nil
}

// push uploads dirty documents and refreshes their manifest entries.
// Reports whether anything changed.
func (s *Syncer) push(ctx context.Context, manifest *storage.Manifest) (bool, error) {
	dirty := s.store.TakeDirty()
	changed := false

	for _, docID := range dirty {
		if s.inConflict(docID) {
			// Parked documents stay dirty so resolution re-syncs them.
			s.store.MarkDirty(docID)
			continue
		}
		if err := ctx.Err(); err != nil {
			s.remarkDirty(dirty, docID)
			return changed, err
		}

		data, err := s.store.Serialize(docID)
		if err != nil {
			return changed, fmt.Errorf("serialize %q: %w", docID, err)
		}
		if err := s.remote.SaveDocument(ctx, docID, data); err != nil {
			s.remarkDirty(dirty, docID)
			return changed, fmt.Errorf("push %q: %w", docID, err)
		}

		vec, err := s.store.Vector(docID)
		if err != nil {
			return changed, err
		}
		snap, err := s.store.Get(docID)
		if err != nil {
			return changed, err
		}
		manifest.Documents[docID] = storage.ManifestEntry{
			Vector:  vec,
			Deleted: snap.Deleted,
			Size:    int64(len(data)),
		}
		changed = true
		if s.cfg.OnUploaded != nil {
			s.cfg.OnUploaded(ctx, docID)
		}
	}
	return changed, nil
}

// remarkDirty restores the dirty flag for docID and everything after it in
// the drained set, so a failed push loses nothing.
func (s *Syncer) remarkDirty(dirty []string, from string) {
	mark := false
	for _, id := range dirty {
		if id == from {
			mark = true
		}
		if mark {
			s.store.MarkDirty(id)
		}
	}
}

func (s *Syncer) inConflict(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conflicts[docID]
	return ok
}

func (s *Syncer) addConflict(ctx context.Context, docID string) {
	s.mu.Lock()
	_, dup := s.conflicts[docID]
	if !dup {
		s.conflicts[docID] = struct{}{}
		s.publishLocked()
	}
	s.mu.Unlock()
	if !dup {
		s.log.Warn(ctx, "deletion conflict", "doc", docID)
		s.emit(Event{Kind: EventDeletionConflict, DocID: docID})
	}
}
