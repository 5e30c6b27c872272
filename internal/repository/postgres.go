package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/quota"
)

const createUsageTable = `
	CREATE TABLE IF NOT EXISTS quota_usage (
		actor_id   TEXT PRIMARY KEY,
		usage      JSONB NOT NULL,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresUsageRepository stores one JSONB usage document per actor and
// detects lost updates through a version column.
type PostgresUsageRepository struct {
	db *sql.DB
}

var _ quota.Store = (*PostgresUsageRepository)(nil)

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

// Migrate creates the usage table if it does not exist.
func (r *PostgresUsageRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createUsageTable); err != nil {
		return fmt.Errorf("create quota_usage table: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) Get(ctx context.Context, actorID string) (*domain.UsageRecord, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT usage FROM quota_usage WHERE actor_id = $1`,
		actorID,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return domain.NewUsageRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}

	return domain.DecodeUsageRecord(data)
}

func (r *PostgresUsageRepository) Update(ctx context.Context, actorID string, fn quota.TxFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		data    []byte
		version int64
		exists  = true
	)
	err = tx.QueryRowContext(ctx,
		`SELECT usage, version FROM quota_usage WHERE actor_id = $1`,
		actorID,
	).Scan(&data, &version)
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return mapPostgresError(fmt.Errorf("query usage: %w", err))
	}

	rec, err := domain.DecodeUsageRecord(data)
	if err != nil {
		return err
	}

	commit, err := fn(rec)
	if err != nil || !commit {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}

	var res sql.Result
	if exists {
		res, err = tx.ExecContext(ctx, `
			UPDATE quota_usage
			SET usage = $2, version = version + 1, updated_at = $3
			WHERE actor_id = $1 AND version = $4
		`, actorID, string(payload), time.Now(), version)
	} else {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO quota_usage (actor_id, usage, version, updated_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (actor_id) DO NOTHING
		`, actorID, string(payload), time.Now())
	}
	if err != nil {
		return mapPostgresError(fmt.Errorf("write usage: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return mapPostgresError(fmt.Errorf("commit usage: %w", err))
	}
	return nil
}

// mapPostgresError turns serialization failures and deadlocks into
// domain.ErrConflict so they are retried like any lost race.
func mapPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Message)
		}
	}
	return err
}
