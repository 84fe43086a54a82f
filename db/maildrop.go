package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/maildrop"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/pkg/passwd"
	"github.com/migadu/popd/server/idgen"
	"github.com/migadu/popd/storage"
)

var (
	_ maildrop.Backend     = (*Database)(nil)
	_ maildrop.Provisioner = (*Database)(nil)
)

func (d *Database) UserExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var one int
	err := d.DB.QueryRowContext(ctx, d.rebind(`SELECT 1 FROM users WHERE name = ?`), name).Scan(&one)
	observe("user_exists", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return true, nil
}

func (d *Database) Authenticate(ctx context.Context, name, password string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var hash string
	err := d.DB.QueryRowContext(ctx, d.rebind(`SELECT password_hash FROM users WHERE name = ?`), name).Scan(&hash)
	observe("authenticate", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return consts.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up credentials: %w", err)
	}
	if err := passwd.Verify(hash, password); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrAuthenticationFailed, err)
	}
	return nil
}

func (d *Database) SetUser(ctx context.Context, name, hash string) error {
	if name == "" {
		return errors.New("user name cannot be empty")
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO users (name, password_hash) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET password_hash = excluded.password_hash`), name, hash)
	observe("set_user", start, err)
	if err != nil {
		return fmt.Errorf("failed to store user %s: %w", name, err)
	}
	return nil
}

// Lock inserts a row into maildrop_locks. Rows older than the lock TTL are
// taken over. While held, the row is refreshed periodically.
func (d *Database) Lock(ctx context.Context, name string) (func(), error) {
	token := idgen.New()
	now := time.Now()

	lockCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	if _, err := d.DB.ExecContext(lockCtx, d.rebind(`DELETE FROM maildrop_locks WHERE user_name = ? AND locked_at < ?`),
		name, now.Add(-d.lockTTL).Unix()); err != nil {
		observe("lock", start, err)
		return nil, fmt.Errorf("failed to expire stale lock: %w", err)
	}
	res, err := d.DB.ExecContext(lockCtx, d.rebind(`
		INSERT INTO maildrop_locks (user_name, token, locked_at) VALUES (?, ?, ?)
		ON CONFLICT (user_name) DO NOTHING`), name, token, now.Unix())
	observe("lock", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to lock maildrop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, consts.ErrMailboxLocked
	}

	done := make(chan struct{})
	go d.refreshLock(name, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			ctx, cancel := d.withTimeout(context.Background())
			defer cancel()
			if _, err := d.DB.ExecContext(ctx, d.rebind(`DELETE FROM maildrop_locks WHERE user_name = ? AND token = ?`), name, token); err != nil {
				logger.Warn("Database: failed to release maildrop lock", "user", name, "error", err)
			}
		})
	}, nil
}

func (d *Database) refreshLock(name, token string, done <-chan struct{}) {
	ticker := time.NewTicker(d.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case t := <-ticker.C:
			ctx, cancel := d.withTimeout(context.Background())
			_, err := d.DB.ExecContext(ctx, d.rebind(`UPDATE maildrop_locks SET locked_at = ? WHERE user_name = ? AND token = ?`),
				t.Unix(), name, token)
			cancel()
			if err != nil {
				logger.Warn("Database: failed to refresh maildrop lock", "user", name, "error", err)
			}
		}
	}
}

func (d *Database) List(ctx context.Context, name string) ([]maildrop.Entry, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := d.DB.QueryContext(ctx, d.rebind(`SELECT id, size FROM messages WHERE user_name = ? ORDER BY id`), name)
	if err != nil {
		observe("list", start, err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var entries []maildrop.Entry
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			observe("list", start, err)
			return nil, err
		}
		entries = append(entries, maildrop.Entry{ID: strconv.FormatInt(id, 10), Size: size})
	}
	err = rows.Err()
	observe("list", start, err)
	return entries, err
}

func parseID(e maildrop.Entry) (int64, error) {
	id, err := strconv.ParseInt(e.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", consts.ErrMessageNotFound, e.ID)
	}
	return id, nil
}

func (d *Database) Open(ctx context.Context, name string, e maildrop.Entry) (io.ReadCloser, error) {
	id, err := parseID(e)
	if err != nil {
		return nil, err
	}

	qctx, cancel := d.withTimeout(ctx)
	start := time.Now()
	var hash string
	var size int64
	var body []byte
	var external bool
	err = d.DB.QueryRowContext(qctx, d.rebind(`SELECT content_hash, size, body, body IS NULL FROM messages WHERE id = ? AND user_name = ?`),
		id, name).Scan(&hash, &size, &body, &external)
	cancel()
	observe("open", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	if external {
		return d.openBody(ctx, name, hash, size)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// openBody streams a body kept in object storage. Bodies small enough for
// the cache are copied into it as they are read.
func (d *Database) openBody(ctx context.Context, name, hash string, size int64) (io.ReadCloser, error) {
	if d.cache != nil {
		if body, err := d.cache.Get(hash); err == nil {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if d.bodies == nil {
		return nil, fmt.Errorf("%w: body of %s is in object storage, which is not configured", consts.ErrMessageNotAvailable, hash)
	}
	rc, err := d.bodies.Get(ctx, helpers.NewS3Key(name, hash))
	if err != nil {
		return nil, err
	}
	if d.cache == nil || !d.cache.Accepts(size) {
		return rc, nil
	}
	cr := &cachingReader{closer: rc, cache: d.cache, hash: hash, size: size}
	cr.reader = io.TeeReader(rc, &cr.buf)
	return cr, nil
}

// cachingReader stores the body in the cache once it has been read to EOF
// with the expected size.
type cachingReader struct {
	reader io.Reader
	closer io.Closer
	buf    bytes.Buffer
	cache  BodyCache
	hash   string
	size   int64
	stored bool
}

func (r *cachingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err == io.EOF && !r.stored {
		r.stored = true
		if int64(r.buf.Len()) == r.size {
			if perr := r.cache.Put(r.hash, r.buf.Bytes()); perr != nil {
				logger.Debug("Database: body not cached", "hash", r.hash, "error", perr)
			}
		}
		r.buf = bytes.Buffer{}
	}
	return n, err
}

func (r *cachingReader) Close() error {
	return r.closer.Close()
}

// Remove deletes the message row. When the body lives in object storage and
// no other message of the user references it, the object is deleted too. A
// row that is already gone counts as removed.
func (d *Database) Remove(ctx context.Context, name string, e maildrop.Entry) error {
	id, err := parseID(e)
	if err != nil {
		return err
	}

	qctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var hash string
	var external bool
	err = d.DB.QueryRowContext(qctx, d.rebind(`SELECT content_hash, body IS NULL FROM messages WHERE id = ? AND user_name = ?`),
		id, name).Scan(&hash, &external)
	if errors.Is(err, sql.ErrNoRows) {
		observe("remove", start, nil)
		return nil
	}
	if err != nil {
		observe("remove", start, err)
		return fmt.Errorf("failed to load message: %w", err)
	}

	_, err = d.DB.ExecContext(qctx, d.rebind(`DELETE FROM messages WHERE id = ? AND user_name = ?`), id, name)
	observe("remove", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	if !external || d.bodies == nil {
		return nil
	}
	var refs int
	if err := d.DB.QueryRowContext(qctx, d.rebind(`SELECT COUNT(*) FROM messages WHERE user_name = ? AND content_hash = ?`),
		name, hash).Scan(&refs); err != nil {
		logger.Warn("Database: failed to count body references", "hash", hash, "error", err)
		return nil
	}
	if refs == 0 {
		if err := d.bodies.Delete(ctx, helpers.NewS3Key(name, hash)); err != nil {
			// The row is gone; a leftover object only costs space.
			logger.Warn("Database: failed to delete body object", "hash", hash, "error", err)
		}
	}
	return nil
}

// Deliver stores a message for name and returns its ID.
func (d *Database) Deliver(ctx context.Context, name string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ok, err := d.UserExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", consts.ErrUserNotFound, name)
	}

	hash := storage.ContentHash(body)
	var inline any = body
	if d.bodies != nil {
		if err := d.bodies.Put(ctx, helpers.NewS3Key(name, hash), body); err != nil {
			return "", err
		}
		inline = nil
	}

	qctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var id int64
	err = d.DB.QueryRowContext(qctx, d.rebind(`
		INSERT INTO messages (user_name, size, content_hash, body, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		name, len(body), hash, inline, time.Now().Unix()).Scan(&id)
	observe("deliver", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (d *Database) Stats(ctx context.Context) (*metrics.Stats, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var stats metrics.Stats
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.Users)
	if err == nil {
		err = d.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM messages`).Scan(&stats.Messages, &stats.Bytes)
	}
	observe("stats", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	return &stats, nil
}

// ExistingContentHashes returns the subset of hashes still referenced by a
// message. The body cache uses it to drop unreferenced entries.
func (d *Database) ExistingContentHashes(ctx context.Context, hashes []string) ([]string, error) {
	const batchSize = 500

	var found []string
	for len(hashes) > 0 {
		n := min(len(hashes), batchSize)
		batch := hashes[:n]
		hashes = hashes[n:]

		args := make([]any, len(batch))
		for i, h := range batch {
			args[i] = h
		}
		query := `SELECT DISTINCT content_hash FROM messages WHERE content_hash IN (?` + strings.Repeat(",?", len(batch)-1) + `)`

		qctx, cancel := d.withTimeout(ctx)
		rows, err := d.DB.QueryContext(qctx, d.rebind(query), args...)
		if err != nil {
			cancel()
			return nil, err
		}
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				cancel()
				return nil, err
			}
			found = append(found, h)
		}
		err = rows.Err()
		rows.Close()
		cancel()
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}
