// Package localstore persists the device's working set in a local SQLite
// database: serialized document states (ciphertext), their pending-upload
// flags, and a small keyspace for identity material. It stores bytes as
// given; encryption is the caller's concern.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/dbx"
	"github.com/disnet/flint-note-sync/internal/localstore/migrations"
)

// Well-known kv keys.
const (
	KeyVaultIdentity = "vault_identity"
	KeyDeviceKey     = "device_key"
	KeyBackupBlob    = "backup_blob"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the local database and applies
// migrations. SQLite allows one writer; the pool is capped accordingly.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// StoredDocument is one persisted document row.
type StoredDocument struct {
	ID      string
	State   []byte
	Pending bool
}

// SaveDocument upserts a document's serialized state. pending marks it as
// awaiting upload, so the dirty set survives restarts.
func (s *Store) SaveDocument(ctx context.Context, id string, state []byte, pending bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, state, pending, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET state = $2, pending = $3, updated_at = $4`,
		id, state, pending, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// MarkSynced clears the pending flag without touching the state.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET pending = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// LoadDocuments returns every persisted document.
func (s *Store) LoadDocuments(ctx context.Context) ([]StoredDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, pending FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []StoredDocument
	for rows.Next() {
		var d StoredDocument
		if err := rows.Scan(&d.ID, &d.State, &d.Pending); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// DeleteDocument removes a document row. Idempotent.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// PutKV stores a value under a well-known key.
func (s *Store) PutKV(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = $2`,
		key, value)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetKV returns the value for key, or ErrNotFound.
func (s *Store) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return value, nil
}

// DeleteKV removes a key. Idempotent.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ReplaceAll swaps the entire document set in one transaction, used after
// key rotation re-encrypts everything.
func (s *Store) ReplaceAll(ctx context.Context, docs []StoredDocument) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		now := time.Now().Unix()
		for _, d := range docs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO documents (id, state, pending, updated_at) VALUES ($1, $2, $3, $4)`,
				d.ID, d.State, d.Pending, now)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		return nil
	})
}
