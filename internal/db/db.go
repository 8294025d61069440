// Package db is the PostgreSQL implementation of pipeline.Store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// PostgreSQL error codes worth retrying a whole transaction for.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

type DB struct {
	*sql.DB
}

var _ pipeline.Store = (*DB)(nil)

// New opens and pings the database.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn}, nil
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// withTx runs fn in a transaction, retrying the whole transaction on
// serialization failures and deadlocks.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second

	op := func() error {
		err := db.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			log.Debug().Err(err).Str("component", "db").Msg("Retrying transaction")
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (db *DB) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func execOne(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, notFound error, query string, args ...interface{}) error {
	result, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
