package store

import (
	"context"
	"fmt"
	"time"
)

// Advisory lock IDs used by the background jobs
const (
	LockNightly   = 1001
	LockReconcile = 1002
)

// TryAdvisoryLock attempts to acquire an integer-keyed advisory lock for the
// given owner. It never waits: if the lock is live under another owner the
// call returns ErrLockHeld immediately. Stale locks (past their expiry) are
// claimed in the same statement, so a crashed holder cannot wedge the jobs.
func (s *Store) TryAdvisoryLock(ctx context.Context, lockID int64, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO advisory_locks (lock_id, owner, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(lock_id) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		 WHERE advisory_locks.expires_at <= excluded.acquired_at
			OR advisory_locks.owner = excluded.owner`,
		lockID, owner, ms(now), ms(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("acquire advisory lock %d: %w", lockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleaseAdvisoryLock releases a lock held by owner; releasing a lock that
// was lost or never held is a no-op.
func (s *Store) ReleaseAdvisoryLock(ctx context.Context, lockID int64, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM advisory_locks WHERE lock_id = ? AND owner = ?`,
		lockID, owner); err != nil {
		return fmt.Errorf("release advisory lock %d: %w", lockID, err)
	}
	return nil
}
