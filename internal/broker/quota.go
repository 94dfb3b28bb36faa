package broker

import (
	"context"
	"sync"
	"time"

	"github.com/disnet/flint-note-sync/internal/common"
)

// QuotaStore accounts storage usage per vault. Reserve must be atomic:
// concurrent reservations never overshoot the limit.
type QuotaStore interface {
	// Reserve adds requested bytes to the vault's usage if and only if
	// used+requested stays within limit, returning the new total; otherwise
	// it fails with ErrQuotaExceeded and changes nothing. Landing exactly
	// on the limit is allowed.
	Reserve(ctx context.Context, vaultID string, requested, limit int64) (int64, error)

	// Usage returns the vault's current accounted bytes.
	Usage(ctx context.Context, vaultID string) (int64, error)

	// Release subtracts bytes when content is deleted, flooring at zero.
	Release(ctx context.Context, vaultID string, bytes int64) error
}

// MemoryStore is an in-memory QuotaStore and ReplayStore for tests and
// single-node deployments.
type MemoryStore struct {
	mu    sync.Mutex
	usage map[string]int64
	jtis  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usage: make(map[string]int64),
		jtis:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) Reserve(_ context.Context, vaultID string, requested, limit int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage[vaultID]+requested > limit {
		return 0, common.ErrQuotaExceeded
	}
	s.usage[vaultID] += requested
	return s.usage[vaultID], nil
}

func (s *MemoryStore) Usage(_ context.Context, vaultID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[vaultID], nil
}

func (s *MemoryStore) Release(_ context.Context, vaultID string, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[vaultID] -= bytes
	if s.usage[vaultID] < 0 {
		s.usage[vaultID] = 0
	}
	return nil
}

func (s *MemoryStore) ConsumeJTI(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, exp := range s.jtis {
		if exp.Before(now) {
			delete(s.jtis, id)
		}
	}
	if _, used := s.jtis[jti]; used {
		return common.ErrInvalidToken
	}
	s.jtis[jti] = expiresAt
	return nil
}
