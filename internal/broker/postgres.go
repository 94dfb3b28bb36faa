package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/disnet/flint-note-sync/internal/broker/migrations"
	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/dbx"
)

// PostgresStore backs QuotaStore and ReplayStore with Postgres, for broker
// deployments that run more than one replica.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, applies migrations, and returns the store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return nil, err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Reserve runs check-and-add inside one transaction with the vault row
// locked, so concurrent reservations across replicas serialize.
func (s *PostgresStore) Reserve(ctx context.Context, vaultID string, requested, limit int64) (int64, error) {
	var total int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var used int64
		err := tx.QueryRowContext(ctx,
			`SELECT used_bytes FROM vault_quota WHERE vault_id = $1 FOR UPDATE`,
			vaultID).Scan(&used)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			used = 0
		case err != nil:
			return fmt.Errorf("db error: %w", err)
		}

		if used+requested > limit {
			return common.ErrQuotaExceeded
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO vault_quota (vault_id, used_bytes) VALUES ($1, $2)
			 ON CONFLICT (vault_id) DO UPDATE SET used_bytes = vault_quota.used_bytes + $2`,
			vaultID, requested)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		total = used + requested
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *PostgresStore) Usage(ctx context.Context, vaultID string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT used_bytes FROM vault_quota WHERE vault_id = $1`, vaultID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return used, nil
}

func (s *PostgresStore) Release(ctx context.Context, vaultID string, bytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE vault_quota SET used_bytes = GREATEST(used_bytes - $2, 0) WHERE vault_id = $1`,
		vaultID, bytes)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ConsumeJTI inserts the token ID; a conflict means the token was already
// spent. Expired rows are swept opportunistically.
func (s *PostgresStore) ConsumeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM used_tokens WHERE expires_at < now()`)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO used_tokens (jti, expires_at) VALUES ($1, $2)
		 ON CONFLICT (jti) DO NOTHING`,
		jti, expiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrInvalidToken
	}
	return nil
}
