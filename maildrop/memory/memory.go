// Package memory is an in-process maildrop backend for tests and local
// development. Nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/maildrop"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/pkg/passwd"
	"github.com/migadu/popd/server/idgen"
)

type user struct {
	passwordHash string
	messages     []stored
	locked       bool
}

type stored struct {
	id   string
	body []byte
}

var (
	_ maildrop.Backend     = (*Backend)(nil)
	_ maildrop.Provisioner = (*Backend)(nil)
)

type Backend struct {
	mu    sync.Mutex
	users map[string]*user

	// RemoveHook, when set, is called before a message is removed. A
	// non-nil error aborts that removal.
	RemoveHook func(user, id string) error
}

func New() *Backend {
	return &Backend{users: make(map[string]*user)}
}

// AddUser creates a user with a plain-text password.
func (b *Backend) AddUser(name, password string) error {
	hash, err := passwd.Hash(passwd.SchemePlain, password)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[name]; ok {
		return fmt.Errorf("%w: %s", consts.ErrUserExists, name)
	}
	b.users[name] = &user{passwordHash: hash}
	return nil
}

// SetUser creates a user or replaces the password hash of an existing one.
func (b *Backend) SetUser(_ context.Context, name, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.users[name]; ok {
		u.passwordHash = hash
		return nil
	}
	b.users[name] = &user{passwordHash: hash}
	return nil
}

// Deliver appends a message to the maildrop of name and returns its ID.
func (b *Backend) Deliver(_ context.Context, name string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", consts.ErrUserNotFound, name)
	}
	id := idgen.New()
	u.messages = append(u.messages, stored{id: id, body: append([]byte(nil), body...)})
	return id, nil
}

func (b *Backend) UserExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.users[name]
	return ok, nil
}

func (b *Backend) Authenticate(_ context.Context, name, password string) error {
	b.mu.Lock()
	u, ok := b.users[name]
	b.mu.Unlock()
	if !ok {
		return consts.ErrUserNotFound
	}
	if err := passwd.Verify(u.passwordHash, password); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrAuthenticationFailed, err)
	}
	return nil
}

func (b *Backend) Lock(_ context.Context, name string) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[name]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	if u.locked {
		return nil, consts.ErrMailboxLocked
	}
	u.locked = true

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			u.locked = false
			b.mu.Unlock()
		})
	}, nil
}

func (b *Backend) List(_ context.Context, name string) ([]maildrop.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[name]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	entries := make([]maildrop.Entry, len(u.messages))
	for i, m := range u.messages {
		entries[i] = maildrop.Entry{ID: m.id, Size: int64(len(m.body))}
	}
	return entries, nil
}

func (b *Backend) Open(_ context.Context, name string, e maildrop.Entry) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[name]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	for _, m := range u.messages {
		if m.id == e.ID {
			return io.NopCloser(bytes.NewReader(m.body)), nil
		}
	}
	return nil, consts.ErrMessageNotFound
}

func (b *Backend) Remove(_ context.Context, name string, e maildrop.Entry) error {
	if b.RemoveHook != nil {
		if err := b.RemoveHook(name, e.ID); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[name]
	if !ok {
		return consts.ErrUserNotFound
	}
	for i, m := range u.messages {
		if m.id == e.ID {
			u.messages = append(u.messages[:i], u.messages[i+1:]...)
			return nil
		}
	}
	return consts.ErrMessageNotFound
}

// Users returns the user names in sorted order.
func (b *Backend) Users() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.users))
	for name := range b.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Backend) Stats(context.Context) (*metrics.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := &metrics.Stats{Users: int64(len(b.users))}
	for _, u := range b.users {
		stats.Messages += int64(len(u.messages))
		for _, m := range u.messages {
			stats.Bytes += int64(len(m.body))
		}
	}
	return stats, nil
}
