package trust

import (
	"errors"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/vault"
)

// Backup is the password-recovery blob: the vault key wrapped under a key
// stretched from the user's password. Safe to store server-side; without the
// password it is indistinguishable from random bytes past the salt.
type Backup struct {
	Salt    []byte `json:"salt"`
	Wrapped []byte `json:"wrapped"`
}

// EnablePasswordBackup wraps the vault key under a password-derived key with
// a fresh salt. Requires an authorized device.
func (m *Manager) EnablePasswordBackup(password []byte) (*Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authorized {
		return nil, common.ErrDeviceNotAuthorized
	}

	salt := vault.NewSalt()
	wk, err := vault.DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer common.Wipe(wk)

	wrapped, err := m.session.WrapKey(wk)
	if err != nil {
		return nil, err
	}
	return &Backup{Salt: salt, Wrapped: wrapped}, nil
}

// OpenBackup unlocks a backup blob with the password and returns a session
// owning the vault key. Wrong password and corrupt blob fail identically.
func OpenBackup(password []byte, b *Backup) (*vault.Session, error) {
	wk, err := vault.DeriveKey(password, b.Salt)
	if err != nil {
		return nil, err
	}
	defer common.Wipe(wk)

	session, err := vault.UnwrapKey(wk, b.Wrapped)
	if err != nil {
		return nil, common.ErrIncorrectPasswordOrCorruptBackup
	}
	return session, nil
}

// RecoverFromBackup unlocks the vault key from a password backup, used when
// no other device is reachable. A wrong password and a corrupt blob fail
// identically: the AEAD tag check cannot tell them apart, and surfacing a
// difference would hand an attacker a password oracle.
func (m *Manager) RecoverFromBackup(vaultID string, password []byte, b *Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authorized {
		return errors.New("recover from backup: device already authorized")
	}

	session, err := OpenBackup(password, b)
	if err != nil {
		return err
	}

	m.session = session
	m.identity = &VaultIdentity{
		VaultID: vaultID,
		Devices: []Device{{ID: m.deviceID, PublicKey: m.deviceKey.PublicKey(), AddedAt: m.now()}},
	}
	m.state = Authorized
	return nil
}
