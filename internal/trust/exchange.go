package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/disnet/flint-note-sync/internal/common"
)

// Exchange is the rendezvous channel devices use during authorization. It
// only ever carries public keys and wrapped key material, so a hostile
// exchange learns nothing about the vault key.
type Exchange interface {
	// PublishRequest makes a join request visible to authorized devices.
	PublishRequest(ctx context.Context, req *AuthorizationRequest) error

	// PendingRequests lists the currently outstanding join requests.
	PendingRequests(ctx context.Context) ([]*AuthorizationRequest, error)

	// PublishGrant answers a request and retires it.
	PublishGrant(ctx context.Context, g *Grant) error

	// TakeGrant consumes the grant addressed to deviceID. A grant can be
	// taken exactly once: the second take, or a replayed copy of an already
	// consumed grant, fails with ErrGrantConsumed. ErrNotFound means no
	// grant has been published yet.
	TakeGrant(ctx context.Context, deviceID string) (*Grant, error)
}

// MemoryExchange is an in-process Exchange for single-machine use and tests.
type MemoryExchange struct {
	mu       sync.Mutex
	requests map[string]*AuthorizationRequest
	grants   map[string]*Grant
	consumed map[string]struct{}
}

func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{
		requests: make(map[string]*AuthorizationRequest),
		grants:   make(map[string]*Grant),
		consumed: make(map[string]struct{}),
	}
}

func (e *MemoryExchange) PublishRequest(_ context.Context, req *AuthorizationRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests[req.DeviceID] = req
	return nil
}

func (e *MemoryExchange) PendingRequests(_ context.Context) ([]*AuthorizationRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*AuthorizationRequest, 0, len(e.requests))
	for _, r := range e.requests {
		out = append(out, r)
	}
	return out, nil
}

func (e *MemoryExchange) PublishGrant(_ context.Context, g *Grant) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.consumed[grantFingerprint(g)]; done {
		return common.ErrGrantConsumed
	}
	e.grants[g.DeviceID] = g
	delete(e.requests, g.DeviceID)
	return nil
}

func (e *MemoryExchange) TakeGrant(_ context.Context, deviceID string) (*Grant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.grants[deviceID]
	if !ok {
		return nil, common.ErrNotFound
	}
	fp := grantFingerprint(g)
	if _, done := e.consumed[fp]; done {
		return nil, common.ErrGrantConsumed
	}
	e.consumed[fp] = struct{}{}
	delete(e.grants, deviceID)
	return g, nil
}

// grantFingerprint identifies a grant by content, so a replayed copy hashes
// to the same consumed entry.
func grantFingerprint(g *Grant) string {
	b, _ := json.Marshal(g)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
