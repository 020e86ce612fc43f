package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLLocker stores leases in the locks table. An expired row is taken over
// by the next Acquire.
type SQLLocker struct {
	db  *sql.DB
	Now func() time.Time
}

func NewSQLLocker(db *sql.DB) *SQLLocker {
	return &SQLLocker{db: db, Now: time.Now}
}

func (l *SQLLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	now := l.Now().UTC()
	lease := &Lease{Key: key, Owner: newOwner(), ExpiresAt: now.Add(ttl)}

	result, err := l.db.ExecContext(ctx, `
		INSERT INTO locks (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?`,
		lease.Key, lease.Owner, lease.ExpiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if n == 0 {
		return nil, ErrLockHeld
	}
	return lease, nil
}

func (l *SQLLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, lease.Key, lease.Owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Key, err)
	}
	return nil
}
