// Package syncer orchestrates background replication: a periodic cycle
// pushes dirty documents and pulls remote changes, with coalesced triggers,
// capped exponential backoff on failure, and explicit surfacing of deletion
// conflicts.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/crdt"
	"github.com/disnet/flint-note-sync/internal/logging"
	"github.com/disnet/flint-note-sync/internal/storage"
)

// State is the orchestrator's lifecycle state. Every cycle starts in
// Syncing and finishes in Idle or Error; there is no other transition.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the externally visible sync condition.
type Status struct {
	State     State
	LastSync  time.Time
	LastError string
	// Degraded is set after repeated consecutive failures. Editing is
	// unaffected; only replication lags.
	Degraded bool
	// Conflicts lists documents blocked on a deletion-conflict decision.
	Conflicts []string
}

// EventKind classifies per-document notifications.
type EventKind int

const (
	// EventConcurrentMerge: a pull merged changes made concurrently with
	// local edits. Informational; the merge already converged.
	EventConcurrentMerge EventKind = iota
	// EventDeletionConflict: another device deleted a document this device
	// has unsynced edits to. The document is excluded from sync until
	// ResolveDeletion is called.
	EventDeletionConflict
)

type Event struct {
	Kind  EventKind
	DocID string
}

// Remote is the slice of the encrypted store the syncer drives. Satisfied
// by *storage.EncryptedStore.
type Remote interface {
	SaveDocument(ctx context.Context, docID string, state []byte) error
	LoadDocument(ctx context.Context, docID string) ([]byte, error)
	RemoveDocument(ctx context.Context, docID string) error
	SaveManifest(ctx context.Context, m *storage.Manifest) error
	LoadManifest(ctx context.Context) (*storage.Manifest, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Interval between background cycles. Default 60s.
	Interval time.Duration
	// BackoffBase is the first retry delay after a failed cycle. Default 1s.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay. Default 2m.
	BackoffCap time.Duration
	// DegradedAfter is how many consecutive failed cycles flip the status
	// to degraded. Default 5.
	DegradedAfter int
	// OnMerged, when set, is called after a pulled remote state has been
	// merged into a document, so callers can write the result through to
	// their local store.
	OnMerged func(ctx context.Context, docID string)
	// OnUploaded, when set, is called after a document upload has been
	// acknowledged by the remote.
	OnUploaded func(ctx context.Context, docID string)
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 5
	}
}

// Syncer replicates a document store through a Remote.
type Syncer struct {
	log    logging.Logger
	store  *crdt.Store
	remote Remote
	cfg    Config
	now    func() time.Time

	trigger chan struct{}
	events  chan Event

	mu        sync.Mutex
	status    Status
	failures  int
	conflicts map[string]struct{}
	subs      map[int]chan Status
	nextSub   int
}

func New(log logging.Logger, store *crdt.Store, remote Remote, cfg Config) *Syncer {
	cfg.applyDefaults()
	return &Syncer{
		log:       log.With("component", "syncer"),
		store:     store,
		remote:    remote,
		cfg:       cfg,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		events:    make(chan Event, 16),
		conflicts: make(map[string]struct{}),
		subs:      make(map[int]chan Status),
	}
}

// Trigger requests a cycle soon. Triggers arriving while one is already
// pending coalesce into a single cycle.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns the current sync condition.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Syncer) statusLocked() Status {
	st := s.status
	st.Conflicts = make([]string, 0, len(s.conflicts))
	for id := range s.conflicts {
		st.Conflicts = append(st.Conflicts, id)
	}
	return st
}

// Subscribe delivers a Status on every state change. Slow subscribers lose
// intermediate states, never the latest.
func (s *Syncer) Subscribe() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Status, 4)
	key := s.nextSub
	s.nextSub++
	s.subs[key] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[key]; ok {
			delete(s.subs, key)
			close(ch)
		}
	}
	return ch, cancel
}

// Events delivers per-document notifications. The channel drops when full;
// Status always carries the authoritative conflict list.
func (s *Syncer) Events() <-chan Event { return s.events }

func (s *Syncer) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

func (s *Syncer) setState(state State, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	switch state {
	case StateIdle:
		s.status.LastError = ""
		s.status.LastSync = s.now()
		s.failures = 0
		s.status.Degraded = false
	case StateError:
		if lastErr != nil {
			s.status.LastError = lastErr.Error()
		}
		s.failures++
		if s.failures >= s.cfg.DegradedAfter {
			s.status.Degraded = true
		}
	}
	s.publishLocked()
}

func (s *Syncer) publishLocked() {
	st := s.statusLocked()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Run executes the background loop until ctx is cancelled: a cycle every
// Interval, plus one whenever local edits or Trigger calls arrive. A failed
// cycle is retried with capped exponential backoff before the loop goes
// back to waiting.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
		case <-s.store.Notify():
		}

		if err := s.syncWithRetry(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn(ctx, "sync cycle failed, will retry on next trigger", "err", err)
		}
	}
}

func (s *Syncer) syncWithRetry(ctx context.Context) error {
	b := retry.NewExponential(s.cfg.BackoffBase)
	b = retry.WithCappedDuration(s.cfg.BackoffCap, b)
	b = retry.WithMaxRetries(uint64(s.cfg.DegradedAfter), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.SyncNow(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// ResolveDeletion settles a surfaced deletion conflict. keepLocal revives
// the document with the local edits intact; otherwise the remote deletion
// is accepted. Either way the document rejoins sync and a cycle is
// requested.
func (s *Syncer) ResolveDeletion(ctx context.Context, docID string, keepLocal bool) error {
	s.mu.Lock()
	_, ok := s.conflicts[docID]
	s.mu.Unlock()
	if !ok {
		return common.ErrNotFound
	}

	// Merge the remote state first so the decision builds on top of it.
	data, err := s.remote.LoadDocument(ctx, docID)
	if err == nil {
		if _, err := s.store.ApplyRemote(docID, data); err != nil {
			return err
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	_, err = s.store.ApplyLocal(docID, func(ed *crdt.Editor) error {
		ed.SetDeleted(!keepLocal)
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.conflicts, docID)
	s.publishLocked()
	s.mu.Unlock()

	s.log.Info(ctx, "deletion conflict resolved", "doc", docID, "keepLocal", keepLocal)
	s.Trigger()
	return nil
}
