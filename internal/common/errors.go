// Package common defines shared constants and sentinel errors used across
// the sync engine components. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Storage / repository errors.
	ErrNotFound = errors.New("not found")

	// ErrAuthenticationFailure is returned when an AEAD open fails: wrong
	// key, tampered blob, or data from a foreign scope. It is deliberately
	// distinct from ErrNotFound so callers can tell "never synced" from
	// "corrupted or foreign data".
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrCorruptDelta is returned when replicated document bytes cannot be
	// decoded or fail structural validation. State is never partially
	// mutated by a corrupt delta.
	ErrCorruptDelta = errors.New("corrupt delta")

	// Credential broker errors.
	ErrUnauthorized  = errors.New("unauthorized")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")

	// Device trust errors.
	ErrRequestExpired      = errors.New("authorization request expired")
	ErrGrantConsumed       = errors.New("authorization grant already consumed")
	ErrDeviceNotAuthorized = errors.New("device not authorized")

	// ErrIncorrectPasswordOrCorruptBackup covers both a wrong password and
	// a damaged backup blob. The two cases must stay indistinguishable to
	// avoid a password oracle.
	ErrIncorrectPasswordOrCorruptBackup = errors.New("incorrect password or corrupt backup")

	// Sync orchestrator errors.
	ErrDeletionConflict = errors.New("deletion conflict requires resolution")
	ErrSyncDegraded     = errors.New("sync degraded")
	ErrSyncDisabled     = errors.New("sync not enabled")
)
