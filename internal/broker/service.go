package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/disnet/flint-note-sync/internal/logging"
)

// Config tunes the broker service.
type Config struct {
	// Audience the broker expects in presented tokens.
	Audience string
	// QuotaLimitBytes is the per-vault storage ceiling.
	QuotaLimitBytes int64
	// CredentialTTL is clamped to MaxCredentialTTL.
	CredentialTTL time.Duration
}

// Service ties verification, quota accounting and credential minting
// together. One verified token yields at most one credential.
type Service struct {
	log      logging.Logger
	verifier *Verifier
	quota    QuotaStore
	minter   Minter
	cfg      Config
	now      func() time.Time
}

func NewService(log logging.Logger, verifier *Verifier, quota QuotaStore, minter Minter, cfg Config) *Service {
	if cfg.CredentialTTL <= 0 || cfg.CredentialTTL > MaxCredentialTTL {
		cfg.CredentialTTL = MaxCredentialTTL
	}
	return &Service{
		log:      log.With("component", "broker"),
		verifier: verifier,
		quota:    quota,
		minter:   minter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// IssueRequest is one credential exchange: the device's access token, the
// public key it proves possession of, and how many bytes the coming upload
// will add.
type IssueRequest struct {
	Token           string
	DevicePublicKey []byte
	RequestedBytes  int64
}

// Quota reports storage accounting for a vault alongside an issued
// credential, so devices can show usage without a second round trip.
type Quota struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
}

// IssueCredentials verifies the token, reserves quota for the announced
// upload, and mints a path-scoped credential. Quota is checked before
// minting: a request that would push usage past the limit issues nothing.
func (s *Service) IssueCredentials(ctx context.Context, req IssueRequest) (*Credential, Quota, error) {
	quota := Quota{LimitBytes: s.cfg.QuotaLimitBytes}

	claims, err := s.verifier.Verify(ctx, req.Token, req.DevicePublicKey)
	if err != nil {
		return nil, Quota{}, err
	}

	if req.RequestedBytes < 0 {
		return nil, Quota{}, fmt.Errorf("negative requested bytes")
	}
	if req.RequestedBytes > 0 {
		used, err := s.quota.Reserve(ctx, claims.VaultID, req.RequestedBytes, s.cfg.QuotaLimitBytes)
		if err != nil {
			s.log.Info(ctx, "credential refused", "vault", claims.VaultID, "requested", req.RequestedBytes, "err", err)
			return nil, Quota{}, err
		}
		quota.UsedBytes = used
	} else {
		used, err := s.quota.Usage(ctx, claims.VaultID)
		if err != nil {
			return nil, Quota{}, fmt.Errorf("read usage: %w", err)
		}
		quota.UsedBytes = used
	}

	expiresAt := s.now().Add(s.cfg.CredentialTTL)
	cred, err := s.minter.Mint(ScopePrefix(claims.VaultID), expiresAt)
	if err != nil {
		// Undo the reservation: nothing will be uploaded under it.
		if req.RequestedBytes > 0 {
			if rerr := s.quota.Release(ctx, claims.VaultID, req.RequestedBytes); rerr != nil {
				s.log.Error(ctx, "release after failed mint", "vault", claims.VaultID, "err", rerr)
			}
		}
		return nil, Quota{}, fmt.Errorf("mint credential: %w", err)
	}

	s.log.Info(ctx, "credential issued",
		"vault", claims.VaultID, "prefix", cred.PathPrefix, "used", quota.UsedBytes, "expires", cred.ExpiresAt)
	return cred, quota, nil
}

// Usage reports the accounted bytes for the vault a valid token names.
func (s *Service) Usage(ctx context.Context, vaultID string) (int64, error) {
	return s.quota.Usage(ctx, vaultID)
}
