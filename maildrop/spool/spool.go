// Package spool stores maildrops on the local filesystem.
//
// Layout under the root directory:
//
//	passwd          one "user:hash" line per user, hashes as in pkg/passwd
//	<user>/         one regular file per message, listed in name order
//	<user>/.lock    present while a session holds the maildrop
//
// Files starting with "." are ignored. Delivered messages are named so that
// lexical order is delivery order.
package spool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/maildrop"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/pkg/passwd"
	"github.com/migadu/popd/server/idgen"
)

const (
	passwdFile = "passwd"
	lockFile   = consts.LockFileName
)

var (
	_ maildrop.Backend     = (*Backend)(nil)
	_ maildrop.Provisioner = (*Backend)(nil)
)

type Backend struct {
	root    string
	lockTTL time.Duration

	// passwdMu serialises rewrites of the passwd file.
	passwdMu sync.Mutex
}

// New opens a spool rooted at root, creating the directory if needed. Locks
// older than lockTTL are considered abandoned and are broken.
func New(root string, lockTTL time.Duration) (*Backend, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spool root: %w", err)
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Backend{root: root, lockTTL: lockTTL}, nil
}

// validUser rejects names that would escape the spool root or collide with
// the passwd file.
func validUser(name string) error {
	if name == "" || name == passwdFile || strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\:\x00") {
		return fmt.Errorf("invalid user name %q", name)
	}
	return nil
}

func (b *Backend) userDir(name string) string {
	return filepath.Join(b.root, name)
}

// readPasswd returns the hash stored for every user.
func (b *Backend) readPasswd() (map[string]string, error) {
	f, err := os.Open(filepath.Join(b.root, passwdFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		users[name] = hash
	}
	return users, scanner.Err()
}

func (b *Backend) lookup(name string) (string, error) {
	if err := validUser(name); err != nil {
		return "", consts.ErrUserNotFound
	}
	users, err := b.readPasswd()
	if err != nil {
		return "", fmt.Errorf("failed to read passwd: %w", err)
	}
	hash, ok := users[name]
	if !ok {
		return "", consts.ErrUserNotFound
	}
	return hash, nil
}

// SetUser creates or updates a user and its maildrop directory.
func (b *Backend) SetUser(_ context.Context, name, hash string) error {
	if err := validUser(name); err != nil {
		return err
	}
	b.passwdMu.Lock()
	defer b.passwdMu.Unlock()

	users, err := b.readPasswd()
	if err != nil {
		return err
	}
	users[name] = hash

	// The directory comes first so a failure leaves no passwd entry behind.
	if err := os.MkdirAll(b.userDir(name), 0o750); err != nil {
		return err
	}

	var sb strings.Builder
	for _, u := range slices.Sorted(maps.Keys(users)) {
		fmt.Fprintf(&sb, "%s:%s\n", u, users[u])
	}
	tmp := filepath.Join(b.root, "."+passwdFile+".tmp")
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(b.root, passwdFile))
}

// Deliver stores a message for name and returns its file name.
func (b *Backend) Deliver(_ context.Context, name string, r io.Reader) (string, error) {
	if _, err := b.lookup(name); err != nil {
		return "", err
	}
	dir := b.userDir(name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	id := idgen.FileName(time.Now())
	tmp, err := os.CreateTemp(dir, ".deliver-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, id)); err != nil {
		return "", err
	}
	return id, nil
}

func (b *Backend) UserExists(_ context.Context, name string) (bool, error) {
	_, err := b.lookup(name)
	if errors.Is(err, consts.ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Backend) Authenticate(_ context.Context, name, password string) error {
	hash, err := b.lookup(name)
	if err != nil {
		return err
	}
	if err := passwd.Verify(hash, password); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrAuthenticationFailed, err)
	}
	return nil
}

// Lock creates <user>/.lock exclusively. While held, the lock file's
// modification time is refreshed so long sessions are not mistaken for
// abandoned ones.
func (b *Backend) Lock(_ context.Context, name string) (func(), error) {
	if err := validUser(name); err != nil {
		return nil, consts.ErrUserNotFound
	}
	dir := b.userDir(name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFile)

	f, err := b.createLock(path)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(b.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case t := <-ticker.C:
				if err := os.Chtimes(path, t, t); err != nil {
					logger.Warn("Spool: failed to refresh lock", "user", name, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Spool: failed to remove lock", "user", name, "error", err)
			}
		})
	}, nil
}

func (b *Backend) createLock(path string) (*os.File, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < b.lockTTL {
			return nil, consts.ErrMailboxLocked
		}
		logger.Info("Spool: breaking stale lock", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, consts.ErrMailboxLocked
}

func (b *Backend) List(_ context.Context, name string) ([]maildrop.Entry, error) {
	if err := validUser(name); err != nil {
		return nil, consts.ErrUserNotFound
	}
	dirEntries, err := os.ReadDir(b.userDir(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]maildrop.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), ".") || !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, maildrop.Entry{ID: de.Name(), Size: info.Size()})
	}
	return entries, nil
}

func (b *Backend) messagePath(name string, e maildrop.Entry) (string, error) {
	if err := validUser(name); err != nil {
		return "", consts.ErrUserNotFound
	}
	if e.ID == "" || strings.HasPrefix(e.ID, ".") || strings.ContainsAny(e.ID, "/\\") {
		return "", consts.ErrMessageNotFound
	}
	return filepath.Join(b.userDir(name), e.ID), nil
}

func (b *Backend) Open(_ context.Context, name string, e maildrop.Entry) (io.ReadCloser, error) {
	path, err := b.messagePath(name, e)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, consts.ErrMessageNotFound
	}
	return f, err
}

// Remove deletes a message file. A file that is already gone counts as
// removed.
func (b *Backend) Remove(_ context.Context, name string, e maildrop.Entry) error {
	path, err := b.messagePath(name, e)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context) (*metrics.Stats, error) {
	users, err := b.readPasswd()
	if err != nil {
		return nil, err
	}
	stats := &metrics.Stats{Users: int64(len(users))}
	for name := range users {
		entries, err := b.List(ctx, name)
		if err != nil {
			return nil, err
		}
		stats.Messages += int64(len(entries))
		for _, e := range entries {
			stats.Bytes += e.Size
		}
	}
	return stats, nil
}
