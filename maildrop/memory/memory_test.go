package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/pkg/passwd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.AddUser("alice", "pw"))

	assert.NoError(t, b.Authenticate(ctx, "alice", "pw"))
	assert.ErrorIs(t, b.Authenticate(ctx, "alice", "nope"), consts.ErrAuthenticationFailed)
	assert.ErrorIs(t, b.Authenticate(ctx, "carol", "pw"), consts.ErrUserNotFound)

	assert.ErrorIs(t, b.AddUser("alice", "other"), consts.ErrUserExists)
}

func TestSetUserReplacesHash(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.AddUser("alice", "old"))

	hash, err := passwd.Hash(passwd.SchemeSSHA512, "new")
	require.NoError(t, err)
	require.NoError(t, b.SetUser(ctx, "alice", hash))

	assert.NoError(t, b.Authenticate(ctx, "alice", "new"))
	assert.Error(t, b.Authenticate(ctx, "alice", "old"))
}

func TestLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.AddUser("alice", "pw"))

	unlock, err := b.Lock(ctx, "alice")
	require.NoError(t, err)

	_, err = b.Lock(ctx, "alice")
	assert.ErrorIs(t, err, consts.ErrMailboxLocked)

	unlock()
	unlock()

	unlock2, err := b.Lock(ctx, "alice")
	require.NoError(t, err)
	unlock2()

	_, err = b.Lock(ctx, "nobody")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestDeliverListOpenRemove(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.AddUser("alice", "pw"))

	id1, err := b.Deliver(ctx, "alice", strings.NewReader("first\r\n"))
	require.NoError(t, err)
	id2, err := b.Deliver(ctx, "alice", strings.NewReader("second\r\n"))
	require.NoError(t, err)

	entries, err := b.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, int64(7), entries[0].Size)
	assert.Equal(t, id2, entries[1].ID)

	rc, err := b.Open(ctx, "alice", entries[1])
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second\r\n", string(body))

	require.NoError(t, b.Remove(ctx, "alice", entries[0]))
	assert.ErrorIs(t, b.Remove(ctx, "alice", entries[0]), consts.ErrMessageNotFound)

	_, err = b.Open(ctx, "alice", entries[0])
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)

	_, err = b.Deliver(ctx, "nobody", strings.NewReader("x"))
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestRemoveHook(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.AddUser("alice", "pw"))
	_, err := b.Deliver(ctx, "alice", strings.NewReader("x"))
	require.NoError(t, err)

	boom := errors.New("boom")
	b.RemoveHook = func(user, id string) error { return boom }

	entries, err := b.List(ctx, "alice")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Remove(ctx, "alice", entries[0]), boom)

	entries, err = b.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.AddUser("alice", "pw"))
	require.NoError(t, b.AddUser("bob", "pw"))
	_, err := b.Deliver(ctx, "alice", strings.NewReader("12345"))
	require.NoError(t, err)
	_, err = b.Deliver(ctx, "bob", strings.NewReader("123"))
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Users)
	assert.Equal(t, int64(2), stats.Messages)
	assert.Equal(t, int64(8), stats.Bytes)
	assert.Equal(t, []string{"alice", "bob"}, b.Users())
}
