package db

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/logger"
)

// WithExclusiveLock runs fn while holding the PostgreSQL advisory lock shared
// by all admin tools. SQLite databases have a single writer and run fn
// directly.
func (d *Database) WithExclusiveLock(ctx context.Context, fn func() error) error {
	if d.flavor != Postgres {
		return fn()
	}

	// Advisory locks belong to a session, so the same connection has to
	// take and release it.
	conn, err := d.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve a connection: %w", err)
	}
	defer conn.Close()

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.PopdAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire exclusive database lock, is another popd-admin running?")
	}
	logger.Info("Database: acquired exclusive lock")

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var unlocked bool
		if err := conn.QueryRowContext(releaseCtx, "SELECT pg_advisory_unlock($1)", consts.PopdAdvisoryLockID).Scan(&unlocked); err != nil {
			logger.Warn("Database: failed to release exclusive lock", "error", err)
		} else if !unlocked {
			logger.Warn("Database: exclusive lock was not held at release")
		}
	}()

	return fn()
}
