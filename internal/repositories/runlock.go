package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ferndale/cratesync/internal/shared"
)

// RunLock is the advisory marker that prevents two sync runs from racing on
// one entity store. A second invocation while a run is active fails fast
// with [shared.ErrRunActive] instead of executing concurrently.
type RunLock struct {
	db *sql.DB
}

// NewRunLock creates a RunLock backed by the given database connection
func NewRunLock(db *sql.DB) *RunLock {
	return &RunLock{db: db}
}

// Acquire claims the lock for runID. Stale locks older than maxAge are
// broken, covering processes that died without releasing.
func (l *RunLock) Acquire(runID string, maxAge time.Duration) error {
	now := time.Now().UTC()

	return WithTx(l.db, func(tx *sql.Tx) error {
		var (
			holder     string
			acquiredAt time.Time
		)
		err := tx.QueryRow(`SELECT run_id, acquired_at FROM sync_lock WHERE id = 1`).Scan(&holder, &acquiredAt)
		switch {
		case err == sql.ErrNoRows:
			// free
		case err != nil:
			return fmt.Errorf("failed to read run lock: %w", err)
		case now.Sub(acquiredAt) < maxAge:
			return fmt.Errorf("%w: held by run %s since %s", shared.ErrRunActive, holder, acquiredAt.Format(time.RFC3339))
		default:
			if _, err := tx.Exec(`DELETE FROM sync_lock WHERE id = 1`); err != nil {
				return fmt.Errorf("failed to break stale run lock: %w", err)
			}
		}

		if _, err := tx.Exec(`INSERT INTO sync_lock (id, run_id, acquired_at) VALUES (1, ?, ?)`, runID, now); err != nil {
			return fmt.Errorf("failed to acquire run lock: %w", err)
		}
		return nil
	})
}

// Release frees the lock if runID still holds it.
func (l *RunLock) Release(runID string) error {
	if _, err := l.db.Exec(`DELETE FROM sync_lock WHERE id = 1 AND run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
