// Package notes is the application boundary: the operations a UI calls.
// Every edit applies locally first and returns immediately; replication,
// persistence and trust run behind this surface and never block or break
// the editing path.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/crdt"
	"github.com/disnet/flint-note-sync/internal/localstore"
	"github.com/disnet/flint-note-sync/internal/logging"
	"github.com/disnet/flint-note-sync/internal/syncer"
	"github.com/disnet/flint-note-sync/internal/trust"
)

// Note is the materialized view handed to callers.
type Note struct {
	ID      string
	Text    string
	Meta    crdt.Metadata
	Deleted bool
}

// Service wires the document store, trust manager, local persistence and
// (once enabled) the sync orchestrator behind one API.
type Service struct {
	log   logging.Logger
	store *crdt.Store
	trust *trust.Manager
	local *localstore.Store // nil disables persistence

	mu         sync.Mutex
	syn        *syncer.Syncer
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

func NewService(log logging.Logger, store *crdt.Store, tm *trust.Manager, local *localstore.Store) *Service {
	return &Service{
		log:   log.With("component", "notes"),
		store: store,
		trust: tm,
		local: local,
	}
}

func noteOf(snap crdt.Snapshot) Note {
	return Note{ID: snap.ID, Text: snap.Text, Meta: snap.Meta, Deleted: snap.Deleted}
}

// CreateNote creates a note with the given text and metadata. The ID is
// fresh and never reused, so a recreated note never collides with the
// tombstone of an old one.
func (s *Service) CreateNote(ctx context.Context, text string, meta crdt.Metadata) (Note, error) {
	id, err := s.store.Create()
	if err != nil {
		return Note{}, err
	}
	snap, err := s.store.ApplyLocal(id, func(ed *crdt.Editor) error {
		if text != "" {
			ed.InsertText(0, text)
		}
		ed.SetMetadata(meta)
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	s.persist(ctx, id)
	return noteOf(snap), nil
}

// UpdateNote applies an edit function to the note. The edit is all or
// nothing: if fn fails, no change is observed.
func (s *Service) UpdateNote(ctx context.Context, id string, fn func(*crdt.Editor) error) (Note, error) {
	snap, err := s.store.ApplyLocal(id, fn)
	if err != nil {
		return Note{}, err
	}
	s.persist(ctx, id)
	return noteOf(snap), nil
}

// SetText replaces the note's entire text.
func (s *Service) SetText(ctx context.Context, id, text string) (Note, error) {
	return s.UpdateNote(ctx, id, func(ed *crdt.Editor) error {
		ed.SetText(text)
		return nil
	})
}

// GetNote returns the note, including soft-deleted ones: Deleted is part of
// the view, and callers decide what a tombstoned note looks like.
func (s *Service) GetNote(_ context.Context, id string) (Note, error) {
	snap, err := s.store.Get(id)
	if err != nil {
		return Note{}, err
	}
	return noteOf(snap), nil
}

// ListNotes returns all live (not soft-deleted) notes sorted by ID.
func (s *Service) ListNotes(_ context.Context) ([]Note, error) {
	ids := s.store.IDs()
	sort.Strings(ids)
	out := make([]Note, 0, len(ids))
	for _, id := range ids {
		snap, err := s.store.Get(id)
		if err != nil {
			return nil, err
		}
		if snap.Deleted {
			continue
		}
		out = append(out, noteOf(snap))
	}
	return out, nil
}

// DeleteNote soft-deletes the note. The content stays in the replicated
// state so the deletion can be surfaced, or reversed, on other devices.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	_, err := s.store.ApplyLocal(id, func(ed *crdt.Editor) error {
		ed.SetDeleted(true)
		return nil
	})
	if err != nil {
		return err
	}
	s.persist(ctx, id)
	return nil
}

// OnChange subscribes to materialized states of one note, covering local
// edits and merged remote changes alike.
func (s *Service) OnChange(id string) (<-chan crdt.Snapshot, func(), error) {
	return s.store.Watch(id)
}

// persist writes the note's current state to the local database, encrypted
// under the vault key. Persistence trouble is logged, never surfaced: the
// in-memory edit already succeeded.
func (s *Service) persist(ctx context.Context, id string) {
	if s.local == nil {
		return
	}
	session := s.trust.Session()
	if session == nil {
		return
	}
	state, err := s.store.Serialize(id)
	if err != nil {
		s.log.Warn(ctx, "persist: serialize failed", "doc", id, "err", err)
		return
	}
	ct, err := session.Encrypt(state)
	if err != nil {
		s.log.Warn(ctx, "persist: encrypt failed", "doc", id, "err", err)
		return
	}
	if err := s.local.SaveDocument(ctx, id, ct, s.store.IsDirty(id)); err != nil {
		s.log.Warn(ctx, "persist: save failed", "doc", id, "err", err)
	}
}

// markSynced clears the pending flag on the persisted row after a
// successful upload. A document edited again since the upload is dirty
// again and stays pending.
func (s *Service) markSynced(ctx context.Context, id string) {
	if s.local == nil {
		return
	}
	if s.store.IsDirty(id) {
		return
	}
	if err := s.local.MarkSynced(ctx, id); err != nil {
		s.log.Warn(ctx, "mark synced", "doc", id, "err", err)
	}
}

// LoadPersisted restores the working set from the local database at
// startup. Pending documents rejoin the dirty set so interrupted uploads
// resume.
func (s *Service) LoadPersisted(ctx context.Context) error {
	if s.local == nil {
		return nil
	}
	session := s.trust.Session()
	if session == nil {
		return common.ErrDeviceNotAuthorized
	}

	docs, err := s.local.LoadDocuments(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		state, err := session.Decrypt(d.State)
		if err != nil {
			return fmt.Errorf("decrypt persisted document %q: %w", d.ID, err)
		}
		if _, err := s.store.ApplyRemote(d.ID, state); err != nil {
			return fmt.Errorf("restore document %q: %w", d.ID, err)
		}
		if d.Pending {
			s.store.MarkDirty(d.ID)
		}
	}
	s.log.Info(ctx, "working set restored", "documents", len(docs))
	return nil
}

// EnableSync starts background replication through the given remote.
// Requires an authorized device. Safe to call once; enabling twice is an
// error.
func (s *Service) EnableSync(ctx context.Context, remote syncer.Remote, cfg syncer.Config) error {
	if s.trust.State() != trust.Authorized {
		return common.ErrDeviceNotAuthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syn != nil {
		return errors.New("sync already enabled")
	}

	// Write pulled documents through to the local database, and clear the
	// pending flag once an upload is acknowledged.
	cfg.OnMerged = func(ctx context.Context, id string) { s.persist(ctx, id) }
	cfg.OnUploaded = s.markSynced

	syn := syncer.New(s.log, s.store, remote, cfg)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Sync lives and dies on its own; its failures never reach the
		// editing path.
		if err := syn.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error(runCtx, "sync loop exited", "err", err)
		}
	}()

	s.syn = syn
	s.syncCancel = cancel
	s.syncDone = done
	syn.Trigger()
	return nil
}

// DisableSync stops background replication. Local editing continues.
func (s *Service) DisableSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syn == nil {
		return
	}
	s.syncCancel()
	<-s.syncDone
	s.syn = nil
	s.syncCancel = nil
	s.syncDone = nil
}

func (s *Service) currentSyncer() (*syncer.Syncer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syn == nil {
		return nil, common.ErrSyncDisabled
	}
	return s.syn, nil
}

// OnSyncStatus subscribes to sync status changes.
func (s *Service) OnSyncStatus() (<-chan syncer.Status, func(), error) {
	syn, err := s.currentSyncer()
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := syn.Subscribe()
	return ch, cancel, nil
}

// SyncStatus returns the current sync condition.
func (s *Service) SyncStatus() (syncer.Status, error) {
	syn, err := s.currentSyncer()
	if err != nil {
		return syncer.Status{}, err
	}
	return syn.Status(), nil
}

// SyncEvents delivers per-document sync notifications.
func (s *Service) SyncEvents() (<-chan syncer.Event, error) {
	syn, err := s.currentSyncer()
	if err != nil {
		return nil, err
	}
	return syn.Events(), nil
}

// TriggerSync requests a sync cycle soon.
func (s *Service) TriggerSync() error {
	syn, err := s.currentSyncer()
	if err != nil {
		return err
	}
	syn.Trigger()
	return nil
}

// ResolveDeletion settles a surfaced deletion conflict.
func (s *Service) ResolveDeletion(ctx context.Context, id string, keepLocal bool) error {
	syn, err := s.currentSyncer()
	if err != nil {
		return err
	}
	if err := syn.ResolveDeletion(ctx, id, keepLocal); err != nil {
		return err
	}
	s.persist(ctx, id)
	return nil
}

// RequestDeviceAuthorization publishes a join request and returns the
// verification code to show the user.
func (s *Service) RequestDeviceAuthorization(ctx context.Context) (string, error) {
	return s.trust.RequestAuthorization(ctx)
}

// CompleteDeviceAuthorization polls for the grant answering our request.
func (s *Service) CompleteDeviceAuthorization(ctx context.Context) (bool, error) {
	return s.trust.CompleteAuthorization(ctx)
}

// ApproveDevice grants vault access to the device showing this code.
func (s *Service) ApproveDevice(ctx context.Context, code string) error {
	return s.trust.ApproveDevice(ctx, code)
}

// RotateVaultKey retires the current vault key. Every document is
// re-encrypted locally under the new key and marked dirty so the next sync
// cycle re-uploads it; the old key is destroyed once re-encryption is done.
func (s *Service) RotateVaultKey(ctx context.Context) error {
	old, err := s.trust.RotateVaultKey(ctx)
	if err != nil {
		return err
	}
	defer old.Close()

	for _, id := range s.store.IDs() {
		s.store.MarkDirty(id)
	}
	s.ReencryptLocal(ctx)
	if err := s.TriggerSync(); err != nil && !errors.Is(err, common.ErrSyncDisabled) {
		return err
	}
	return nil
}

// ReencryptLocal rewrites every locally persisted document under the
// current vault key. Called after a rotated key is picked up from another
// device, so the local database never holds ciphertext the device can no
// longer open.
func (s *Service) ReencryptLocal(ctx context.Context) {
	for _, id := range s.store.IDs() {
		s.persist(ctx, id)
	}
}

// EnablePasswordBackup wraps the vault key under the user's password and
// persists the blob locally; the caller may additionally upload it.
func (s *Service) EnablePasswordBackup(ctx context.Context, password []byte) (*trust.Backup, error) {
	backup, err := s.trust.EnablePasswordBackup(password)
	if err != nil {
		return nil, err
	}
	if s.local != nil {
		blob, err := json.Marshal(backup)
		if err != nil {
			return nil, err
		}
		if err := s.local.PutKV(ctx, localstore.KeyBackupBlob, blob); err != nil {
			s.log.Warn(ctx, "store backup blob", "err", err)
		}
	}
	return backup, nil
}
