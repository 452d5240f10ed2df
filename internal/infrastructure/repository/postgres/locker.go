package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// AdvisoryLocker maps lock keys onto session-level postgres advisory locks.
// Each held lock pins one pooled connection, so the number of locks held at
// once is bounded to leave the rest of the pool for regular queries.
type AdvisoryLocker struct {
	db   *sql.DB
	held *semaphore.Weighted
}

func NewAdvisoryLocker(db *sql.DB, maxHeld int) *AdvisoryLocker {
	if maxHeld <= 0 {
		maxHeld = 1
	}
	return &AdvisoryLocker{db: db, held: semaphore.NewWeighted(int64(maxHeld))}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	if err := l.held.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.held.Release(1)
		return nil, fmt.Errorf("advisory lock %s: acquire connection: %w", key, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		l.held.Release(1)
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer l.held.Release(1)
			if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
				// The lock lives as long as the connection, so a connection
				// that failed to unlock must not go back to the pool.
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			_ = conn.Close()
		})
	}, nil
}
