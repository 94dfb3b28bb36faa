package trust

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// RequestTTL bounds how long an authorization request stays grantable.
const RequestTTL = 15 * time.Minute

// codeAlphabet excludes easily confused characters (0/O, 1/I/L, U/V).
const codeAlphabet = "ABCDEFGHJKMNPQRSTWXYZ23456789"

// State tracks a device's progress through the trust protocol.
type State int

const (
	// Unbootstrapped: no vault key on this device.
	Unbootstrapped State = iota
	// AwaitingAuthorization: a join request is outstanding.
	AwaitingAuthorization
	// Authorized: the device holds the vault key. Terminal until revoked.
	Authorized
)

func (s State) String() string {
	switch s {
	case Unbootstrapped:
		return "unbootstrapped"
	case AwaitingAuthorization:
		return "awaiting-authorization"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Device is one entry of the vault's append-only device set. A device is
// authorized if and only if it appears here with the key that unwrapped the
// vault key.
type Device struct {
	ID        string    `json:"deviceId"`
	PublicKey []byte    `json:"publicKey"`
	AddedAt   time.Time `json:"addedAt"`
}

// VaultIdentity describes one replicated collection. VaultID is created once
// and never reissued; the raw vault key is deliberately absent.
type VaultIdentity struct {
	VaultID string   `json:"vaultId"`
	Devices []Device `json:"devices"`
}

// AuthorizationRequest is the ephemeral, single-use join request a new
// device publishes. LongTermPublicKey registers the device; the ephemeral
// key exists only for the one key agreement of this request.
type AuthorizationRequest struct {
	DeviceID           string    `json:"deviceId"`
	EphemeralPublicKey []byte    `json:"ephemeralPublicKey"`
	LongTermPublicKey  []byte    `json:"longTermPublicKey"`
	Timestamp          time.Time `json:"timestamp"`
}

// Expired reports whether the request is past its grant window.
func (r *AuthorizationRequest) Expired(now time.Time) bool {
	return now.After(r.Timestamp.Add(RequestTTL))
}

// Code derives the short human-verifiable code shown on both devices. Six
// characters over a 29-symbol alphabet: collisions within the 15-minute
// window are negligible.
func (r *AuthorizationRequest) Code() string {
	h := sha256.New()
	h.Write([]byte(r.DeviceID))
	h.Write(r.EphemeralPublicKey)
	h.Write(r.LongTermPublicKey)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.Timestamp.Unix()))
	h.Write(ts[:])
	sum := h.Sum(nil)

	code := make([]byte, 6)
	for i := range code {
		code[i] = codeAlphabet[int(sum[i])%len(codeAlphabet)]
	}
	return string(code)
}

// Grant carries the vault key, wrapped under the one-time shared secret, to
// a requesting device. Consumed exactly once.
type Grant struct {
	VaultID             string    `json:"vaultId"`
	DeviceID            string    `json:"deviceId"`
	WrappedVaultKey     []byte    `json:"wrappedVaultKey"`
	AuthorizerDeviceID  string    `json:"authorizerDeviceId"`
	AuthorizerPublicKey []byte    `json:"authorizerPublicKey"`
	Timestamp           time.Time `json:"timestamp"`
}
