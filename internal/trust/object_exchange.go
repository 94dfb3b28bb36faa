package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/disnet/flint-note-sync/internal/common"
)

// ObjectClient is the object-store surface the exchange needs. It matches
// the storage package's ObjectStore, so any bucket works as rendezvous.
type ObjectClient interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectExchange runs the authorization rendezvous through shared object
// storage, so devices that can both reach the bucket can pair without a
// dedicated channel. Requests and grants contain only public keys and
// wrapped key material, so they are stored as-is.
type ObjectExchange struct {
	store  ObjectClient
	prefix string
}

func NewObjectExchange(store ObjectClient, prefix string) *ObjectExchange {
	return &ObjectExchange{store: store, prefix: prefix}
}

func (e *ObjectExchange) requestKey(deviceID string) string {
	return path.Join(e.prefix, "sync", "auth", "requests", deviceID)
}

func (e *ObjectExchange) grantKey(deviceID string) string {
	return path.Join(e.prefix, "sync", "auth", "grants", deviceID)
}

func (e *ObjectExchange) consumedKey(fingerprint string) string {
	return path.Join(e.prefix, "sync", "auth", "consumed", fingerprint)
}

func (e *ObjectExchange) PublishRequest(ctx context.Context, req *AuthorizationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, e.requestKey(req.DeviceID), data)
}

func (e *ObjectExchange) PendingRequests(ctx context.Context) ([]*AuthorizationRequest, error) {
	keys, err := e.store.List(ctx, path.Join(e.prefix, "sync", "auth", "requests")+"/")
	if err != nil {
		return nil, err
	}
	out := make([]*AuthorizationRequest, 0, len(keys))
	for _, k := range keys {
		data, err := e.store.Get(ctx, k)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		req := &AuthorizationRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("malformed authorization request at %q: %w", k, err)
		}
		out = append(out, req)
	}
	return out, nil
}

func (e *ObjectExchange) PublishGrant(ctx context.Context, g *Grant) error {
	if _, err := e.store.Get(ctx, e.consumedKey(grantFingerprint(g))); err == nil {
		return common.ErrGrantConsumed
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, e.grantKey(g.DeviceID), data); err != nil {
		return err
	}
	return e.store.Delete(ctx, e.requestKey(g.DeviceID))
}

func (e *ObjectExchange) TakeGrant(ctx context.Context, deviceID string) (*Grant, error) {
	data, err := e.store.Get(ctx, e.grantKey(deviceID))
	if err != nil {
		return nil, err
	}
	g := &Grant{}
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("malformed grant: %w", err)
	}

	fp := grantFingerprint(g)
	if _, err := e.store.Get(ctx, e.consumedKey(fp)); err == nil {
		return nil, common.ErrGrantConsumed
	}
	if err := e.store.Put(ctx, e.consumedKey(fp), []byte{1}); err != nil {
		return nil, err
	}
	if err := e.store.Delete(ctx, e.grantKey(deviceID)); err != nil {
		return nil, err
	}
	return g, nil
}
