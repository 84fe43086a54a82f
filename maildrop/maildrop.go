// Package maildrop connects the POP3 session engine to a message store.
//
// A Backend stores users and messages. Directory adapts a Backend to
// pop3.Directory; the Maildrop it opens holds the backend lock for the
// session, snapshots the message listing and keeps deletion marks in memory
// until CommitDeletions applies them.
package maildrop

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/authcache"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/server/pop3"
)

// Entry identifies one stored message.
type Entry struct {
	ID   string
	Size int64
}

// Backend is a message store.
type Backend interface {
	// UserExists reports whether user has a maildrop.
	UserExists(ctx context.Context, user string) (bool, error)
	// Authenticate returns nil when password matches, consts.ErrUserNotFound
	// or consts.ErrAuthenticationFailed when it does not.
	Authenticate(ctx context.Context, user, password string) error
	// Lock takes exclusive access to the maildrop of user. It fails with
	// consts.ErrMailboxLocked if another session holds the lock.
	Lock(ctx context.Context, user string) (unlock func(), err error)
	// List returns the messages of user in a stable order.
	List(ctx context.Context, user string) ([]Entry, error)
	Open(ctx context.Context, user string, e Entry) (io.ReadCloser, error)
	Remove(ctx context.Context, user string, e Entry) error
}

// Provisioner is implemented by backends that accept new users and
// deliveries. The admin tool and the HTTP API use it.
type Provisioner interface {
	// SetUser creates user or replaces its password hash.
	SetUser(ctx context.Context, user, hash string) error
	// Deliver stores a message for user and returns its ID.
	Deliver(ctx context.Context, user string, r io.Reader) (string, error)
	Stats(ctx context.Context) (*metrics.Stats, error)
}

// Store is a Backend that can also be provisioned.
type Store interface {
	Backend
	Provisioner
}

// Directory implements pop3.Directory on top of a Backend.
type Directory struct {
	backend Backend
	auth    *authcache.AuthCache
}

func NewDirectory(backend Backend) *Directory {
	return &Directory{backend: backend}
}

// WithAuthCache makes the directory accept a password that authenticated
// recently without asking the backend again.
func (d *Directory) WithAuthCache(c *authcache.AuthCache) *Directory {
	d.auth = c
	return d
}

func (d *Directory) ValidateUser(ctx context.Context, name string, password *string) (bool, error) {
	if password == nil {
		return d.backend.UserExists(ctx, name)
	}
	if d.auth != nil && d.auth.Verify(name, *password) {
		return true, nil
	}
	err := d.backend.Authenticate(ctx, name, *password)
	switch {
	case err == nil:
		if d.auth != nil {
			d.auth.Remember(name, *password)
		}
		return true, nil
	case errors.Is(err, consts.ErrAuthenticationFailed), errors.Is(err, consts.ErrUserNotFound):
		if d.auth != nil {
			d.auth.Invalidate(name)
		}
		return false, nil
	default:
		return false, err
	}
}

func (d *Directory) OpenMailbox(ctx context.Context, name string) (pop3.Mailbox, error) {
	md, err := Open(ctx, d.backend, name)
	if err != nil {
		return nil, err
	}
	return md, nil
}

// Maildrop is a locked snapshot of one user's messages. Message indexes are
// positions in the snapshot and never change while it is open.
type Maildrop struct {
	backend  Backend
	user     string
	messages []*message
	unlock   func()
	closed   bool
}

type message struct {
	md      *Maildrop
	entry   Entry
	deleted bool
	removed bool // deleted and committed; cannot be restored
}

// Open locks the maildrop of user and snapshots its listing.
func Open(ctx context.Context, backend Backend, user string) (*Maildrop, error) {
	unlock, err := backend.Lock(ctx, user)
	if err != nil {
		return nil, err
	}
	entries, err := backend.List(ctx, user)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to list maildrop of %s: %w", user, err)
	}

	md := &Maildrop{
		backend:  backend,
		user:     user,
		messages: make([]*message, len(entries)),
		unlock:   unlock,
	}
	for i, e := range entries {
		md.messages[i] = &message{md: md, entry: e}
	}
	return md, nil
}

func (md *Maildrop) MessageCount(includeDeleted bool) int {
	if includeDeleted {
		return len(md.messages)
	}
	n := 0
	for _, m := range md.messages {
		if !m.deleted {
			n++
		}
	}
	return n
}

func (md *Maildrop) TotalSize() int64 {
	var total int64
	for _, m := range md.messages {
		if !m.deleted {
			total += m.entry.Size
		}
	}
	return total
}

func (md *Maildrop) Message(index int) (pop3.Message, bool) {
	if index < 0 || index >= len(md.messages) || md.messages[index].deleted {
		return nil, false
	}
	return md.messages[index], true
}

func (md *Maildrop) MarkDeleted(msg pop3.Message) {
	if m, ok := msg.(*message); ok && m.md == md {
		m.deleted = true
	}
}

func (md *Maildrop) UndeleteAll() int {
	n := 0
	for _, m := range md.messages {
		if m.deleted && !m.removed {
			m.deleted = false
			n++
		}
	}
	return n
}

// CommitDeletions removes every marked message. Each removal is attempted
// independently; the number of failures is returned and nothing is rolled
// back.
func (md *Maildrop) CommitDeletions(ctx context.Context) int {
	failed := 0
	for _, m := range md.messages {
		if !m.deleted || m.removed {
			continue
		}
		if err := md.backend.Remove(ctx, md.user, m.entry); err != nil {
			logger.Warn("Maildrop: failed to remove message", "user", md.user, "id", m.entry.ID, "error", err)
			failed++
			continue
		}
		m.removed = true
	}
	return failed
}

// Close releases the lock. Deletion marks are discarded.
func (md *Maildrop) Close() error {
	if md.closed {
		return nil
	}
	md.closed = true
	md.unlock()
	return nil
}

func (m *message) Size() int64 {
	return m.entry.Size
}

func (m *message) Content(ctx context.Context) (io.ReadCloser, error) {
	rc, err := m.md.backend.Open(ctx, m.md.user, m.entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", consts.ErrMessageNotAvailable, m.entry.ID, err)
	}
	return rc, nil
}
