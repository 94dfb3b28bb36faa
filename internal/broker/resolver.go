package broker

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/disnet/flint-note-sync/internal/common"
)

// StaticKeyResolver serves issuer verification keys from a fixed map,
// loaded from configuration at startup.
type StaticKeyResolver struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewStaticKeyResolver() *StaticKeyResolver {
	return &StaticKeyResolver{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers the verification key for an issuer.
func (r *StaticKeyResolver) Add(issuer string, key ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[issuer] = key
}

func (r *StaticKeyResolver) ResolveKey(_ context.Context, issuer string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[issuer]
	if !ok {
		return nil, fmt.Errorf("issuer %q: %w", issuer, common.ErrNotFound)
	}
	return key, nil
}
