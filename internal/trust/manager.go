package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/logging"
	"github.com/disnet/flint-note-sync/internal/vault"
)

// Manager drives the trust protocol for one device. It owns the device's
// long-term key pair, the vault session once authorized, and the replicated
// device registry.
type Manager struct {
	log logging.Logger
	ex  Exchange
	now func() time.Time

	mu        sync.Mutex
	state     State
	deviceID  string
	deviceKey *KeyPair
	ephemeral *KeyPair
	request   *AuthorizationRequest
	identity  *VaultIdentity
	session   *vault.Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithKeyPair supplies a persisted long-term device key instead of
// generating a fresh one.
func WithKeyPair(kp *KeyPair) Option {
	return func(m *Manager) { m.deviceKey = kp }
}

// NewManager creates an unbootstrapped manager with a fresh long-term device
// key pair.
func NewManager(log logging.Logger, ex Exchange, deviceID string, opts ...Option) (*Manager, error) {
	kp, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		log:       log.With("component", "trust", "device", deviceID),
		ex:        ex,
		now:       time.Now,
		state:     Unbootstrapped,
		deviceID:  deviceID,
		deviceKey: kp,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// State reports the device's protocol state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DeviceID returns this device's identifier.
func (m *Manager) DeviceID() string { return m.deviceID }

// Session returns the vault session, or nil before authorization.
func (m *Manager) Session() *vault.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Identity returns a copy of the vault identity, or nil before authorization.
func (m *Manager) Identity() *VaultIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	cp := *m.identity
	cp.Devices = append([]Device(nil), m.identity.Devices...)
	return &cp
}

// Restore brings a device straight to the authorized state from persisted
// identity and an unlocked session, used at process startup.
func (m *Manager) Restore(identity *VaultIdentity, session *vault.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authorized {
		return fmt.Errorf("restore: device already authorized")
	}
	if identity == nil || identity.VaultID == "" {
		return fmt.Errorf("restore: missing vault identity")
	}
	m.identity = identity
	m.session = session
	m.state = Authorized
	return nil
}

// CreateVault bootstraps a brand-new vault on a first device: fresh vault ID,
// fresh vault key, and a registry containing only this device.
func (m *Manager) CreateVault(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unbootstrapped {
		return fmt.Errorf("create vault: device is %s", m.state)
	}
	m.session = vault.NewRandomSession()
	m.identity = &VaultIdentity{
		VaultID: uuid.NewString(),
		Devices: []Device{{ID: m.deviceID, PublicKey: m.deviceKey.PublicKey(), AddedAt: m.now()}},
	}
	m.state = Authorized
	m.log.Info(ctx, "vault created", "vault", m.identity.VaultID)
	return nil
}

// RequestAuthorization publishes a join request with a fresh ephemeral key
// pair and returns the verification code to display to the user. The code
// must be read back on an already-authorized device.
func (m *Manager) RequestAuthorization(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authorized {
		return "", fmt.Errorf("request authorization: device already authorized")
	}

	eph, err := NewKeyPair()
	if err != nil {
		return "", err
	}
	req := &AuthorizationRequest{
		DeviceID:           m.deviceID,
		EphemeralPublicKey: eph.PublicKey(),
		LongTermPublicKey:  m.deviceKey.PublicKey(),
		Timestamp:          m.now(),
	}
	if err := m.ex.PublishRequest(ctx, req); err != nil {
		return "", fmt.Errorf("publish authorization request: %w", err)
	}
	m.ephemeral = eph
	m.request = req
	m.state = AwaitingAuthorization
	m.log.Info(ctx, "authorization requested", "code", req.Code())
	return req.Code(), nil
}

// CompleteAuthorization polls for the grant answering our outstanding
// request. It returns false with no error while the grant has not arrived
// yet; callers poll until it returns true or fails.
func (m *Manager) CompleteAuthorization(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AwaitingAuthorization {
		return false, fmt.Errorf("complete authorization: device is %s", m.state)
	}
	if m.request.Expired(m.now()) {
		m.ephemeral = nil
		m.request = nil
		m.state = Unbootstrapped
		return false, common.ErrRequestExpired
	}

	g, err := m.ex.TakeGrant(ctx, m.deviceID)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	wk, err := m.ephemeral.SharedWrapKey(g.AuthorizerPublicKey)
	if err != nil {
		return false, err
	}
	defer common.Wipe(wk)

	session, err := vault.UnwrapKey(wk, g.WrappedVaultKey)
	if err != nil {
		return false, fmt.Errorf("unwrap granted vault key: %w", err)
	}

	m.session = session
	m.identity = &VaultIdentity{
		VaultID: g.VaultID,
		Devices: []Device{
			{ID: g.AuthorizerDeviceID, PublicKey: g.AuthorizerPublicKey, AddedAt: g.Timestamp},
			{ID: m.deviceID, PublicKey: m.deviceKey.PublicKey(), AddedAt: m.now()},
		},
	}
	m.ephemeral = nil
	m.request = nil
	m.state = Authorized
	m.log.Info(ctx, "authorization completed", "vault", g.VaultID, "authorizer", g.AuthorizerDeviceID)
	return true, nil
}

// ApproveDevice answers the pending join request matching code. The user
// types the code shown on the new device; a mismatch or an expired request
// grants nothing.
func (m *Manager) ApproveDevice(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authorized {
		return common.ErrDeviceNotAuthorized
	}

	reqs, err := m.ex.PendingRequests(ctx)
	if err != nil {
		return err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	var match *AuthorizationRequest
	for _, r := range reqs {
		if r.Code() == code {
			match = r
			break
		}
	}
	if match == nil {
		return fmt.Errorf("approve device: %w: no request matches code", common.ErrNotFound)
	}
	if match.Expired(m.now()) {
		return common.ErrRequestExpired
	}

	wk, err := m.deviceKey.SharedWrapKey(match.EphemeralPublicKey)
	if err != nil {
		return err
	}
	defer common.Wipe(wk)
	wrapped, err := m.session.WrapKey(wk)
	if err != nil {
		return err
	}

	g := &Grant{
		VaultID:             m.identity.VaultID,
		DeviceID:            match.DeviceID,
		WrappedVaultKey:     wrapped,
		AuthorizerDeviceID:  m.deviceID,
		AuthorizerPublicKey: m.deviceKey.PublicKey(),
		Timestamp:           m.now(),
	}
	if err := m.ex.PublishGrant(ctx, g); err != nil {
		return fmt.Errorf("publish grant: %w", err)
	}
	m.identity.Devices = append(m.identity.Devices, Device{
		ID:        match.DeviceID,
		PublicKey: match.LongTermPublicKey,
		AddedAt:   m.now(),
	})
	m.log.Info(ctx, "device approved", "device", match.DeviceID)
	return nil
}

// RevokeDevice removes a device from the registry. Revocation alone does not
// change the vault key: a revoked device that already held it could still
// read old ciphertext, so callers pair this with RotateVaultKey.
func (m *Manager) RevokeDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authorized {
		return common.ErrDeviceNotAuthorized
	}
	if deviceID == m.deviceID {
		return fmt.Errorf("revoke device: cannot revoke the local device")
	}
	for i, d := range m.identity.Devices {
		if d.ID == deviceID {
			m.identity.Devices = append(m.identity.Devices[:i], m.identity.Devices[i+1:]...)
			m.log.Info(ctx, "device revoked", "device", deviceID)
			return nil
		}
	}
	return fmt.Errorf("revoke device %q: %w", deviceID, common.ErrNotFound)
}

// RotateVaultKey generates a fresh vault key and publishes a rekey grant for
// every other registered device. Content must be re-encrypted by the caller
// before the old session is discarded, so the old session stays usable until
// this returns.
func (m *Manager) RotateVaultKey(ctx context.Context) (*vault.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authorized {
		return nil, common.ErrDeviceNotAuthorized
	}

	next := vault.NewRandomSession()
	for _, d := range m.identity.Devices {
		if d.ID == m.deviceID {
			continue
		}
		wk, err := m.deviceKey.SharedWrapKey(d.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("rotate for %q: %w", d.ID, err)
		}
		wrapped, err := next.WrapKey(wk)
		common.Wipe(wk)
		if err != nil {
			return nil, err
		}
		g := &Grant{
			VaultID:             m.identity.VaultID,
			DeviceID:            d.ID,
			WrappedVaultKey:     wrapped,
			AuthorizerDeviceID:  m.deviceID,
			AuthorizerPublicKey: m.deviceKey.PublicKey(),
			Timestamp:           m.now(),
		}
		if err := m.ex.PublishGrant(ctx, g); err != nil {
			return nil, fmt.Errorf("publish rekey grant for %q: %w", d.ID, err)
		}
	}

	old := m.session
	m.session = next
	m.log.Info(ctx, "vault key rotated", "devices", len(m.identity.Devices))
	// The old session is handed back so the caller can re-encrypt existing
	// content under the new key before closing it.
	return old, nil
}

// RefreshKey picks up a rekey grant published by another device after a
// rotation and swaps the local session to the new vault key. Returns false
// with no error when no grant is pending.
func (m *Manager) RefreshKey(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authorized {
		return false, common.ErrDeviceNotAuthorized
	}

	g, err := m.ex.TakeGrant(ctx, m.deviceID)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	wk, err := m.deviceKey.SharedWrapKey(g.AuthorizerPublicKey)
	if err != nil {
		return false, err
	}
	defer common.Wipe(wk)
	session, err := vault.UnwrapKey(wk, g.WrappedVaultKey)
	if err != nil {
		return false, fmt.Errorf("unwrap rotated vault key: %w", err)
	}

	m.session.Close()
	m.session = session
	m.log.Info(ctx, "vault key refreshed", "authorizer", g.AuthorizerDeviceID)
	return true, nil
}

// Logout closes the vault session and returns the device to the
// unbootstrapped state. The registry is kept so the vault ID survives.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.ephemeral = nil
	m.request = nil
	m.state = Unbootstrapped
}
