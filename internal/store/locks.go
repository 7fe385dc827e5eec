package store

import (
	"context"

	"regioncron/internal/domain"
)

// ClaimLock writes l unless another holder's lease is still valid at
// l.AcquiredAt. It is a single conditional upsert, so concurrent claimers
// against the same database can never both win.
func (s *Store) ClaimLock(ctx context.Context, l domain.TaskLock) (bool, error) {
	res, err := s.exec(ctx, `
INSERT INTO task_locks (task_name, holder_id, acquired_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (task_name) DO UPDATE
SET holder_id = excluded.holder_id,
    acquired_at = excluded.acquired_at,
    expires_at = excluded.expires_at
WHERE task_locks.expires_at <= excluded.acquired_at`,
		l.TaskName, l.HolderID, millis(l.AcquiredAt), millis(l.ExpiresAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeleteLock removes the lock row only while holderID still owns it.
func (s *Store) DeleteLock(ctx context.Context, taskName, holderID string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM task_locks WHERE task_name=? AND holder_id=?`, taskName, holderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) ListLocks(ctx context.Context) ([]domain.TaskLock, error) {
	rows, err := s.query(ctx, `SELECT task_name, holder_id, acquired_at, expires_at FROM task_locks ORDER BY task_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []domain.TaskLock
	for rows.Next() {
		var (
			l                 domain.TaskLock
			acquired, expires int64
		)
		if err := rows.Scan(&l.TaskName, &l.HolderID, &acquired, &expires); err != nil {
			return nil, err
		}
		l.AcquiredAt = fromMillis(acquired)
		l.ExpiresAt = fromMillis(expires)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
