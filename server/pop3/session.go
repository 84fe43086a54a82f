package pop3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/server"
	"github.com/migadu/popd/server/idgen"
)

const (
	DefaultMaxLineLength  = 1024
	DefaultCommandTimeout = 10 * time.Minute
)

// Framing errors. Each one ends the session after a single -ERR line.
var (
	errLineTruncated = errors.New("command line truncated")
	errNulByte       = errors.New("command line contains NUL byte")
	errBlankLine     = errors.New("blank command line")
)

// SessionOptions configures a single session.
type SessionOptions struct {
	Hostname       string        // announced in the greeting
	MaxLineLength  int           // including CRLF; 0 means DefaultMaxLineLength
	CommandTimeout time.Duration // idle limit between commands; 0 disables it
	StuffDots      bool          // byte-stuff RETR payload lines starting with "."
	RemoteIP       string
}

type POP3Session struct {
	server.Session
	srv       *POP3Server // nil outside of a listener
	conn      io.ReadWriter
	reader    *bufio.Reader
	out       *responseWriter
	directory Directory

	commandTimeout time.Duration
	stuffDots      bool

	state         State
	candidateUser string  // set by USER, consumed by PASS
	mailbox       Mailbox // set by a successful PASS
	view          mailboxView

	authenticated bool
	startTime     time.Time
	closeOnce     sync.Once
}

// NewSession creates a session speaking POP3 over conn. If conn implements
// SetReadDeadline the command timeout is enforced.
func NewSession(conn io.ReadWriter, directory Directory, opts SessionOptions) *POP3Session {
	maxLine := opts.MaxLineLength
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	s := &POP3Session{
		conn:           conn,
		reader:         bufio.NewReaderSize(conn, maxLine),
		out:            newResponseWriter(conn),
		directory:      directory,
		commandTimeout: opts.CommandTimeout,
		stuffDots:      opts.StuffDots,
		state:          StateUnauthenticated,
		startTime:      time.Now(),
	}
	s.Id = idgen.New()
	s.Protocol = "POP3"
	s.HostName = opts.Hostname
	s.RemoteIP = opts.RemoteIP
	return s
}

// State returns the current protocol phase.
func (s *POP3Session) State() State {
	return s.state
}

// Serve greets the client and processes commands until QUIT, a fatal
// framing error, a transport failure or ctx cancellation. The maildrop is
// always released on return; deletions are committed only by QUIT.
func (s *POP3Session) Serve(ctx context.Context) {
	defer s.close()

	s.out.ok("POP3 Server on %s ready", s.HostName)
	if err := s.out.flush(); err != nil {
		s.logWriteError(err)
		return
	}
	s.DebugLog("connected")

	for {
		if ctx.Err() != nil {
			s.shutdownNotice()
			return
		}
		words, err := s.readCommand(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.shutdownNotice()
				return
			}
			s.handleReadError(err)
			return
		}
		s.DebugLog("C: %s", helpers.MaskSensitive(strings.Join(words, " "), "PASS"))

		if s.dispatch(ctx, words) == outcomeTerminate {
			return
		}
	}
}

// readCommand reads one line and splits it into words. The first word is the
// verb.
func (s *POP3Session) readCommand(ctx context.Context) ([]string, error) {
	if s.commandTimeout > 0 {
		if d, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			d.SetReadDeadline(time.Now().Add(s.commandTimeout))
			// A shutdown interrupt may have been overwritten above.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	raw, err := s.reader.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, errLineTruncated
	case errors.Is(err, io.EOF) && len(raw) > 0:
		// final line without a terminator
		return nil, errLineTruncated
	case err != nil:
		return nil, err
	}

	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, errNulByte
	}
	words := strings.Fields(string(raw))
	if len(words) == 0 {
		return nil, errBlankLine
	}
	return words, nil
}

func (s *POP3Session) handleReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, errLineTruncated), errors.Is(err, errNulByte):
		kind := "truncated"
		if errors.Is(err, errNulByte) {
			kind = "nul"
		}
		metrics.ProtocolErrors.WithLabelValues(kind).Inc()
		s.Log("closing session: %v", err)
		s.out.fail(msgUnrecognized)
	case errors.Is(err, errBlankLine):
		metrics.ProtocolErrors.WithLabelValues("blank").Inc()
		s.Log("closing session: %v", err)
		s.out.fail(msgBlankCommand)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.Log("timed out")
		if d, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
			d.SetWriteDeadline(time.Now().Add(5 * time.Second))
		}
		s.out.fail("Connection timed out due to inactivity")
	case server.IsConnectionError(err):
		s.Log("client dropped connection")
		return
	default:
		s.WarnLog("read error: %v", err)
		return
	}
	if err := s.out.flush(); err != nil {
		s.logWriteError(err)
	}
}

func (s *POP3Session) shutdownNotice() {
	s.Log("closing session for server shutdown")
	if d, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	s.out.fail("Server shutting down, please reconnect")
	if err := s.out.flush(); err != nil {
		s.logWriteError(err)
	}
}

func (s *POP3Session) logWriteError(err error) {
	if server.IsConnectionError(err) {
		s.Log("client dropped connection while writing: %v", err)
		return
	}
	s.WarnLog("write error: %v", err)
}

func (s *POP3Session) markAuthenticated() {
	s.authenticated = true
	metrics.AuthenticatedConnectionsCurrent.Inc()
	if s.srv != nil {
		s.srv.authenticatedConnections.Add(1)
	}
}

// close releases the maildrop. Pending deletions are discarded.
func (s *POP3Session) close() {
	s.closeOnce.Do(func() {
		if s.mailbox != nil {
			if err := s.mailbox.Close(); err != nil {
				s.WarnLog("failed to release maildrop: %v", err)
			}
		}
		if s.authenticated {
			metrics.AuthenticatedConnectionsCurrent.Dec()
			if s.srv != nil {
				s.srv.authenticatedConnections.Add(-1)
			}
		}
		s.DebugLog("session ended after %s in state %s", time.Since(s.startTime).Round(time.Millisecond), s.state)
	})
}
