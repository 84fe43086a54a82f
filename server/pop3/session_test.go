package pop3

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/migadu/popd/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteAndResetScenario(t *testing.T) {
	dir := newFakeDirectory()
	out, s := runScript(t, dir, SessionOptions{}, script(
		"STAT\r\n",
		"DELE 1\r\n",
		"STAT\r\n",
		"RSET\r\n",
		"STAT\r\n",
	)...)

	assert.Equal(t, []string{
		"+OK name is a valid mailbox",
		"+OK Password is valid, mail loaded",
		"+OK 2 320",
		"+OK message 1 deleted",
		"+OK 1 200",
		"+OK 1 messages restored",
		"+OK 2 320",
	}, out)
	assert.Equal(t, StateTransacting, s.State())

	mb := dir.boxes["bob"]
	assert.False(t, mb.committed, "disconnect must not commit")
	assert.Equal(t, 1, mb.closed)
}

func TestListBeyondMailbox(t *testing.T) {
	out, _ := runScript(t, newFakeDirectory(), SessionOptions{}, script("LIST 5\r\n")...)
	assert.Equal(t, "-ERR no such message, only 2 messages in maildrop", out[2])
}

func TestRetrPreconditions(t *testing.T) {
	out, s := runScript(t, newFakeDirectory(), SessionOptions{}, "RETR 1\r\n")
	assert.Equal(t, []string{"-ERR Bad sequence of commands"}, out)
	assert.Equal(t, StateUnauthenticated, s.State())

	out, _ = runScript(t, newFakeDirectory(), SessionOptions{}, script("RETR\r\n")...)
	assert.Equal(t, "-ERR Syntax error in parameters or arguments", out[2])
}

func TestTransactionCommandsRequireAuthentication(t *testing.T) {
	for _, verb := range []string{"STAT", "LIST", "RETR 1", "DELE 1", "RSET", "NOOP"} {
		t.Run(verb, func(t *testing.T) {
			out, s := runScript(t, newFakeDirectory(), SessionOptions{}, "USER bob\r\n", verb+"\r\n")
			assert.Equal(t, "-ERR Bad sequence of commands", out[1])
			assert.Equal(t, StateUserIdentified, s.State())
		})
	}
}

func TestAuthentication(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		out, s := runScript(t, newFakeDirectory(), SessionOptions{}, "USER alice\r\n", "PASS x\r\n")
		assert.Equal(t, []string{"-ERR never heard of mailbox name", "-ERR Bad sequence of commands"}, out)
		assert.Equal(t, StateUnauthenticated, s.State())
	})

	t.Run("wrong password forces new USER", func(t *testing.T) {
		out, s := runScript(t, newFakeDirectory(), SessionOptions{}, "USER bob\r\n", "PASS wrong\r\n", "PASS secret\r\n")
		assert.Equal(t, []string{
			"+OK name is a valid mailbox",
			"-ERR Password is invalid",
			"-ERR Bad sequence of commands",
		}, out)
		assert.Equal(t, StateUnauthenticated, s.State())
		assert.Empty(t, s.candidateUser)
	})

	t.Run("USER twice", func(t *testing.T) {
		out, _ := runScript(t, newFakeDirectory(), SessionOptions{}, "USER bob\r\n", "USER bob\r\n")
		assert.Equal(t, "-ERR Bad sequence of commands", out[1])
	})

	t.Run("arity", func(t *testing.T) {
		out, _ := runScript(t, newFakeDirectory(), SessionOptions{}, "USER\r\n", "USER bob extra\r\n")
		assert.Equal(t, []string{
			"-ERR Syntax error in parameters or arguments",
			"-ERR Syntax error in parameters or arguments",
		}, out)
	})

	t.Run("locked maildrop", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.openErr = consts.ErrMailboxLocked
		out, s := runScript(t, dir, SessionOptions{}, login()...)
		assert.Equal(t, "-ERR [IN-USE] unable to lock maildrop", out[1])
		assert.Equal(t, StateUnauthenticated, s.State())
	})

	t.Run("backend failure", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.lookupErr = errors.New("db down")
		out, s := runScript(t, dir, SessionOptions{}, "USER bob\r\n")
		assert.True(t, strings.HasPrefix(out[0], "-ERR "))
		assert.Equal(t, StateUnauthenticated, s.State())
	})
}

func TestList(t *testing.T) {
	out, _ := runScript(t, newFakeDirectory(), SessionOptions{}, script(
		"LIST\r\n",
		"DELE 1\r\n",
		"LIST\r\n",
		"LIST 1\r\n",
		"LIST 2\r\n",
		"LIST 0\r\n",
		"LIST abc\r\n",
		"LIST 1 2\r\n",
	)...)

	assert.Equal(t, []string{
		"+OK 2 messages (320 octets)",
		"1 120",
		"2 200",
		".",
		"+OK message 1 deleted",
		"+OK 1 messages (200 octets)",
		"2 200",
		".",
		"-ERR message 1 is marked as deleted",
		"+OK 2 200",
		"-ERR Invalid arguments",
		"-ERR Invalid arguments",
		"-ERR Syntax error in parameters or arguments",
	}, out[2:])
}

func TestListOutOfRangeUsesVisibleCount(t *testing.T) {
	out, _ := runScript(t, newFakeDirectory(), SessionOptions{}, script("DELE 2\r\n", "LIST 3\r\n", "LIST 99999999999999999999\r\n")...)
	assert.Equal(t, "-ERR no such message, only 1 messages in maildrop", out[3])
	assert.Equal(t, "-ERR no such message, only 1 messages in maildrop", out[4])
}

func TestDele(t *testing.T) {
	out, _ := runScript(t, newFakeDirectory(), SessionOptions{}, script(
		"DELE 2\r\n",
		"DELE 2\r\n",
		"DELE 3\r\n",
		"DELE 0\r\n",
		"DELE two\r\n",
		"STAT\r\n",
	)...)

	assert.Equal(t, []string{
		"+OK message 2 deleted",
		"-ERR message 2 already deleted",
		"-ERR Invalid arguments",
		"-ERR Invalid arguments",
		"-ERR Syntax error in parameters or arguments",
		"+OK 1 120",
	}, out[2:])
}

func TestRetr(t *testing.T) {
	dir := newFakeDirectory()
	dir.boxes["bob"] = newFakeMailbox("Subject: hi\r\n\r\nbody\r\n", "no newline at end")

	out, _ := runScript(t, dir, SessionOptions{}, script("RETR 1\r\n", "RETR 2\r\n", "STAT\r\n")...)
	assert.Equal(t, []string{
		"+OK 21 octets",
		"Subject: hi",
		"",
		"body",
		".",
		"+OK 17 octets",
		"no newline at end",
		".",
		"+OK 2 38",
	}, out[2:])
}

func TestRetrErrors(t *testing.T) {
	dir := newFakeDirectory()
	dir.boxes["bob"].messages[1].openErr = consts.ErrMessageNotAvailable

	out, s := runScript(t, dir, SessionOptions{}, script(
		"DELE 1\r\n",
		"RETR 1\r\n",
		"RETR 3\r\n",
		"RETR 0\r\n",
		"RETR x\r\n",
		"RETR 2\r\n",
		"NOOP\r\n",
	)...)
	assert.Equal(t, []string{
		"+OK message 1 deleted",
		"-ERR no such message",
		"-ERR no such message",
		"-ERR Syntax error in parameters or arguments",
		"-ERR Syntax error in parameters or arguments",
		"-ERR message not available",
		"+OK",
	}, out[2:])
	assert.Equal(t, StateTransacting, s.State())
}

func TestRetrReadFailureTerminates(t *testing.T) {
	dir := newFakeDirectory()
	dir.boxes["bob"].messages[0].readErr = errors.New("disk error")

	out, _ := runScript(t, dir, SessionOptions{}, script("RETR 1\r\n", "NOOP\r\n")...)
	assert.Equal(t, "+OK 120 octets", out[2])
	assert.NotContains(t, out, "+OK")
	assert.Equal(t, 1, dir.boxes["bob"].closed)
}

func TestRetrDotStuffing(t *testing.T) {
	body := ".hidden\r\nplain\r\n.\r\n"
	for _, tc := range []struct {
		stuff bool
		want  []string
	}{
		{false, []string{".hidden", "plain", "."}},
		{true, []string{"..hidden", "plain", ".."}},
	} {
		dir := newFakeDirectory()
		dir.boxes["bob"] = newFakeMailbox(body)
		out, _ := runScript(t, dir, SessionOptions{StuffDots: tc.stuff}, script("RETR 1\r\n")...)
		assert.Equal(t, append(append([]string{"+OK 19 octets"}, tc.want...), "."), out[2:], "stuff=%v", tc.stuff)
	}
}

func TestQuit(t *testing.T) {
	t.Run("before authentication", func(t *testing.T) {
		out, s := runScript(t, newFakeDirectory(), SessionOptions{}, "QUIT\r\n", "NOOP\r\n")
		assert.Equal(t, []string{"+OK Service closing transmission channel"}, out)
		assert.Equal(t, StateClosing, s.State())
	})

	t.Run("commits deletions", func(t *testing.T) {
		dir := newFakeDirectory()
		out, _ := runScript(t, dir, SessionOptions{}, script("DELE 2\r\n", "QUIT\r\n", "STAT\r\n")...)
		assert.Equal(t, []string{"+OK message 2 deleted", "+OK Service closing transmission channel"}, out[2:])

		mb := dir.boxes["bob"]
		assert.True(t, mb.committed)
		assert.Equal(t, []int{1}, mb.removed)
		assert.Equal(t, 1, mb.closed)
	})

	t.Run("with nothing to delete", func(t *testing.T) {
		dir := newFakeDirectory()
		out, _ := runScript(t, dir, SessionOptions{}, script("QUIT extra args\r\n")...)
		assert.Equal(t, "+OK Service closing transmission channel", out[2])
		assert.Empty(t, dir.boxes["bob"].removed)
	})

	t.Run("partial commit failure", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.boxes["bob"].failRemove[0] = true
		out, s := runScript(t, dir, SessionOptions{}, script("DELE 1\r\n", "DELE 2\r\n", "QUIT\r\n", "NOOP\r\n")...)
		assert.Equal(t, []string{
			"+OK message 1 deleted",
			"+OK message 2 deleted",
			"-ERR some deleted messages not removed",
		}, out[2:])
		assert.Equal(t, StateClosing, s.State())
		assert.Equal(t, []int{1}, dir.boxes["bob"].removed)
		assert.Equal(t, 1, dir.boxes["bob"].closed)
	})
}

func TestDispatchMisc(t *testing.T) {
	out, s := runScript(t, newFakeDirectory(), SessionOptions{},
		"FOO\r\n",
		"top 1 10\r\n",
		"UIDL\r\n",
		"APOP bob digest\r\n",
		"user bob\r\n",
		"pAsS secret\r\n",
		"noop\r\n",
	)
	assert.Equal(t, []string{
		"-ERR Syntax error, command unrecognized",
		"-ERR Command not implemented",
		"-ERR Command not implemented",
		"-ERR Command not implemented",
		"+OK name is a valid mailbox",
		"+OK Password is valid, mail loaded",
		"+OK",
	}, out)
	assert.Equal(t, "bob", s.UserName)
}

func TestFramingErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"blank line", "\r\nNOOP\r\n", "-ERR Syntax error, blank command unrecognized"},
		{"only whitespace", "  \t \r\nNOOP\r\n", "-ERR Syntax error, blank command unrecognized"},
		{"nul byte", "US\x00ER bob\r\nNOOP\r\n", "-ERR Syntax error, command unrecognized"},
		{"too long", "USER " + strings.Repeat("x", 40) + "\r\nNOOP\r\n", "-ERR Syntax error, command unrecognized"},
		{"unterminated", "USER bob", "-ERR Syntax error, command unrecognized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := runScript(t, newFakeDirectory(), SessionOptions{MaxLineLength: 32}, tt.input)
			assert.Equal(t, []string{tt.want}, out)
		})
	}
}

func TestBareLineFeedAccepted(t *testing.T) {
	out, _ := runScript(t, newFakeDirectory(), SessionOptions{}, "USER bob\n", "PASS secret\n", "STAT\n")
	assert.Equal(t, "+OK 2 320", out[2])
}

func TestWriteFailureTerminates(t *testing.T) {
	dir := newFakeDirectory()
	input := strings.Join(script("LIST\r\n", "DELE 1\r\n", "QUIT\r\n"), "")
	greeting := len("+OK POP3 Server on pop.example.com ready\r\n")
	conn := &failingWriter{Reader: strings.NewReader(input), limit: greeting + 40}

	s := NewSession(conn, dir, SessionOptions{Hostname: "pop.example.com"})
	s.Serve(context.Background())

	mb := dir.boxes["bob"]
	assert.False(t, mb.committed)
	assert.False(t, mb.messages[0].deleted, "DELE must not run after the connection broke")
	assert.Equal(t, 1, mb.closed)
}

func TestCountersInvariant(t *testing.T) {
	dir := newFakeDirectory()
	dir.boxes["bob"] = newFakeMailbox("a\r\n", "bb\r\n", "ccc\r\n", "dddd\r\n", "eeeee\r\n")
	s := NewSession(&scriptConn{Reader: strings.NewReader("")}, dir, SessionOptions{})
	ctx := context.Background()

	require.Equal(t, outcomeOK, s.dispatch(ctx, []string{"USER", "bob"}))
	require.Equal(t, outcomeOK, s.dispatch(ctx, []string{"PASS", "secret"}))

	verbs := [][]string{{"STAT"}, {"LIST"}, {"RSET"}, {"NOOP"}}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		var words []string
		switch rng.Intn(4) {
		case 0, 1:
			words = []string{"DELE", []string{"0", "1", "2", "3", "4", "5", "6", "x"}[rng.Intn(8)]}
		case 2:
			words = []string{"RETR", []string{"1", "3", "5", "7"}[rng.Intn(4)]}
		default:
			words = verbs[rng.Intn(len(verbs))]
		}
		beforeDeleted := s.mailbox.MessageCount(true) - s.mailbox.MessageCount(false)

		s.dispatch(ctx, words)

		assert.LessOrEqual(t, s.view.count, s.view.countAll)
		assert.Equal(t, s.mailbox.MessageCount(false), s.view.count)
		assert.Equal(t, s.mailbox.TotalSize(), s.view.octets)
		if words[0] == "RETR" {
			assert.Equal(t, beforeDeleted, s.mailbox.MessageCount(true)-s.mailbox.MessageCount(false))
		}
	}
}

func TestParseOrdinal(t *testing.T) {
	tests := []struct {
		in    string
		index int
		ok    bool
	}{
		{"1", 0, true},
		{"42", 41, true},
		{"0", -1, true},
		{"", 0, false},
		{"-1", 0, false},
		{"+1", 0, false},
		{"1a", 0, false},
	}
	for _, tt := range tests {
		index, ok := parseOrdinal(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.index, index, tt.in)
		}
	}

	index, ok := parseOrdinal("99999999999999999999999")
	assert.True(t, ok)
	assert.Greater(t, index, 1<<40)
}
