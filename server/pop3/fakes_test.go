package pop3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/migadu/popd/consts"
)

type fakeMessage struct {
	body    string
	deleted bool
	openErr error
	readErr error
}

func (m *fakeMessage) Size() int64 { return int64(len(m.body)) }

func (m *fakeMessage) Content(context.Context) (io.ReadCloser, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.readErr != nil {
		return io.NopCloser(io.MultiReader(strings.NewReader(m.body[:len(m.body)/2]), errReader{m.readErr})), nil
	}
	return io.NopCloser(strings.NewReader(m.body)), nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type fakeMailbox struct {
	messages   []*fakeMessage
	failRemove map[int]bool
	removed    []int
	committed  bool
	closed     int
}

func newFakeMailbox(bodies ...string) *fakeMailbox {
	mb := &fakeMailbox{failRemove: map[int]bool{}}
	for _, b := range bodies {
		mb.messages = append(mb.messages, &fakeMessage{body: b})
	}
	return mb
}

func (mb *fakeMailbox) MessageCount(includeDeleted bool) int {
	n := 0
	for _, m := range mb.messages {
		if includeDeleted || !m.deleted {
			n++
		}
	}
	return n
}

func (mb *fakeMailbox) TotalSize() int64 {
	var total int64
	for _, m := range mb.messages {
		if !m.deleted {
			total += m.Size()
		}
	}
	return total
}

func (mb *fakeMailbox) Message(index int) (Message, bool) {
	if index < 0 || index >= len(mb.messages) || mb.messages[index].deleted {
		return nil, false
	}
	return mb.messages[index], true
}

func (mb *fakeMailbox) MarkDeleted(msg Message) {
	msg.(*fakeMessage).deleted = true
}

func (mb *fakeMailbox) UndeleteAll() int {
	n := 0
	for _, m := range mb.messages {
		if m.deleted {
			m.deleted = false
			n++
		}
	}
	return n
}

func (mb *fakeMailbox) CommitDeletions(context.Context) int {
	mb.committed = true
	failed := 0
	for i, m := range mb.messages {
		if !m.deleted {
			continue
		}
		if mb.failRemove[i] {
			failed++
			continue
		}
		mb.removed = append(mb.removed, i)
	}
	return failed
}

func (mb *fakeMailbox) Close() error {
	mb.closed++
	return nil
}

type fakeDirectory struct {
	passwords map[string]string
	boxes     map[string]*fakeMailbox
	openErr   error
	lookupErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		passwords: map[string]string{"bob": "secret"},
		boxes: map[string]*fakeMailbox{
			"bob": newFakeMailbox(strings.Repeat("a", 118)+"\r\n", strings.Repeat("b", 198)+"\r\n"),
		},
	}
}

func (d *fakeDirectory) ValidateUser(_ context.Context, name string, password *string) (bool, error) {
	if d.lookupErr != nil {
		return false, d.lookupErr
	}
	stored, ok := d.passwords[name]
	if !ok {
		return false, nil
	}
	return password == nil || *password == stored, nil
}

func (d *fakeDirectory) OpenMailbox(_ context.Context, name string) (Mailbox, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	mb, ok := d.boxes[name]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	return mb, nil
}

// scriptConn feeds a fixed client script and records the server output.
type scriptConn struct {
	io.Reader
	out bytes.Buffer
}

func (c *scriptConn) Write(p []byte) (int, error) { return c.out.Write(p) }

// failingWriter accepts limit bytes and then fails every write.
type failingWriter struct {
	io.Reader
	limit   int
	written bytes.Buffer
}

var errBrokenPipe = errors.New("broken pipe")

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written.Len()+len(p) > w.limit {
		return 0, errBrokenPipe
	}
	return w.written.Write(p)
}

// runScript serves the given client lines and returns the server response
// lines without the greeting.
func runScript(t *testing.T, dir Directory, opts SessionOptions, lines ...string) ([]string, *POP3Session) {
	t.Helper()
	conn := &scriptConn{Reader: strings.NewReader(strings.Join(lines, ""))}
	if opts.Hostname == "" {
		opts.Hostname = "pop.example.com"
	}
	s := NewSession(conn, dir, opts)
	s.Serve(context.Background())

	out := strings.Split(strings.TrimSuffix(conn.out.String(), "\r\n"), "\r\n")
	if len(out) == 0 || out[0] != "+OK POP3 Server on "+opts.Hostname+" ready" {
		t.Fatalf("unexpected greeting in %q", conn.out.String())
	}
	return out[1:], s
}

func login() []string {
	return []string{"USER bob\r\n", "PASS secret\r\n"}
}

func script(lines ...string) []string {
	return append(login(), lines...)
}
