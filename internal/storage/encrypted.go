package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/disnet/flint-note-sync/internal/crdt"
	"github.com/disnet/flint-note-sync/internal/vault"
)

// Manifest is the replicated sync index: one entry per document with its
// version vector, so devices can tell what changed without downloading
// every document. Stored encrypted like everything else.
type Manifest struct {
	UpdatedAt time.Time                `json:"updatedAt"`
	Documents map[string]ManifestEntry `json:"documents"`
}

type ManifestEntry struct {
	Vector  crdt.VersionVector `json:"vector"`
	Deleted bool               `json:"deleted"`
	Size    int64              `json:"size"`
}

func NewManifest() *Manifest {
	return &Manifest{Documents: make(map[string]ManifestEntry)}
}

// EncryptedStore lays out one vault's data under its scope prefix and
// encrypts every object before it leaves the process:
//
//	{scope}/documents/{docID}
//	{scope}/sync/manifest
//
// The remote end only ever holds ciphertext and opaque IDs.
type EncryptedStore struct {
	store   ObjectStore
	session *vault.Session
	scope   string
}

func NewEncryptedStore(store ObjectStore, session *vault.Session, scope string) *EncryptedStore {
	return &EncryptedStore{store: store, session: session, scope: scope}
}

func (s *EncryptedStore) documentKey(docID string) string {
	return path.Join(s.scope, "documents", docID)
}

func (s *EncryptedStore) manifestKey() string {
	return path.Join(s.scope, "sync", "manifest")
}

// SaveDocument encrypts and uploads one document's replicated state.
func (s *EncryptedStore) SaveDocument(ctx context.Context, docID string, state []byte) error {
	ct, err := s.session.Encrypt(state)
	if err != nil {
		return fmt.Errorf("encrypt document %q: %w", docID, err)
	}
	return s.store.Put(ctx, s.documentKey(docID), ct)
}

// LoadDocument downloads and decrypts one document. ErrNotFound means the
// document was never uploaded; ErrAuthenticationFailure means the bytes
// exist but do not verify under the vault key. Callers must not treat the
// two alike: the first is normal on a fresh device, the second is tampering
// or a foreign vault's data.
func (s *EncryptedStore) LoadDocument(ctx context.Context, docID string) ([]byte, error) {
	ct, err := s.store.Get(ctx, s.documentKey(docID))
	if err != nil {
		return nil, err
	}
	pt, err := s.session.Decrypt(ct)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", docID, err)
	}
	return pt, nil
}

// RemoveDocument deletes the remote object. The replicated tombstone inside
// the document state is what tells other devices about the deletion; this
// only reclaims storage once every device has converged.
func (s *EncryptedStore) RemoveDocument(ctx context.Context, docID string) error {
	return s.store.Delete(ctx, s.documentKey(docID))
}

// ListDocumentIDs returns the IDs of all uploaded documents.
func (s *EncryptedStore) ListDocumentIDs(ctx context.Context) ([]string, error) {
	prefix := path.Join(s.scope, "documents") + "/"
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	return ids, nil
}

// SaveManifest encrypts and uploads the sync index.
func (s *EncryptedStore) SaveManifest(ctx context.Context, m *Manifest) error {
	pt, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	ct, err := s.session.Encrypt(pt)
	if err != nil {
		return fmt.Errorf("encrypt manifest: %w", err)
	}
	return s.store.Put(ctx, s.manifestKey(), ct)
}

// LoadManifest downloads and decrypts the sync index. ErrNotFound means no
// device has synced this vault yet.
func (s *EncryptedStore) LoadManifest(ctx context.Context) (*Manifest, error) {
	ct, err := s.store.Get(ctx, s.manifestKey())
	if err != nil {
		return nil, err
	}
	pt, err := s.session.Decrypt(ct)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	m := NewManifest()
	if err := json.Unmarshal(pt, m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Documents == nil {
		m.Documents = make(map[string]ManifestEntry)
	}
	return m, nil
}
