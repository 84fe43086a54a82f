package pop3

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/pkg/metrics"
)

type handlerFunc func(s *POP3Session, ctx context.Context, args []string) outcome

// command describes a verb: its handler and the preconditions checked before
// the handler runs. maxArgs < 0 means no upper bound.
type command struct {
	handler        handlerFunc
	state          State
	minArgs        int
	maxArgs        int
	notImplemented bool
}

var commands = map[string]command{
	"USER": {handler: (*POP3Session).handleUser, state: StateUnauthenticated, minArgs: 1, maxArgs: 1},
	"PASS": {handler: (*POP3Session).handlePass, state: StateUserIdentified, minArgs: 1, maxArgs: 1},
	"STAT": {handler: (*POP3Session).handleStat, state: StateTransacting},
	"LIST": {handler: (*POP3Session).handleList, state: StateTransacting, maxArgs: 1},
	"RETR": {handler: (*POP3Session).handleRetr, state: StateTransacting, minArgs: 1, maxArgs: 1},
	"DELE": {handler: (*POP3Session).handleDele, state: StateTransacting, minArgs: 1, maxArgs: 1},
	"RSET": {handler: (*POP3Session).handleRset, state: StateTransacting},
	"NOOP": {handler: (*POP3Session).handleNoop, state: StateTransacting},
	"QUIT": {handler: (*POP3Session).handleQuit, state: stateAny, maxArgs: -1},

	"TOP":  {notImplemented: true},
	"UIDL": {notImplemented: true},
	"APOP": {notImplemented: true},
}

// dispatch runs one parsed command line and flushes its response.
func (s *POP3Session) dispatch(ctx context.Context, words []string) outcome {
	verb := strings.ToUpper(words[0])
	args := words[1:]
	start := time.Now()

	cmd, known := commands[verb]
	var result outcome
	switch {
	case !known:
		s.out.fail(msgUnrecognized)
		result = outcomeFailed
		verb = "UNKNOWN"
	case cmd.notImplemented:
		s.DebugLog("command not implemented: %s", verb)
		s.out.fail(msgNotImplemented)
		result = outcomeFailed
	case cmd.state != stateAny && cmd.state != s.state:
		s.out.fail(msgBadSequence)
		result = outcomeFailed
	case len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs):
		s.out.fail(msgSyntaxError)
		result = outcomeFailed
	default:
		result = cmd.handler(s, ctx, args)
	}

	if err := s.out.flush(); err != nil {
		s.logWriteError(err)
		result = outcomeTerminate
	}

	metrics.CommandsTotal.WithLabelValues(verb, result.String()).Inc()
	metrics.CommandDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	return result
}

func (s *POP3Session) handleUser(ctx context.Context, args []string) outcome {
	name := args[0]
	valid, err := s.directory.ValidateUser(ctx, name, nil)
	if err != nil {
		s.WarnLog("user lookup failed for %q: %v", name, err)
		s.out.fail("Internal server error, try again later")
		return outcomeFailed
	}
	if !valid {
		s.out.fail("never heard of mailbox name")
		return outcomeFailed
	}

	s.candidateUser = name
	s.state = StateUserIdentified
	s.out.ok("name is a valid mailbox")
	return outcomeOK
}

func (s *POP3Session) handlePass(ctx context.Context, args []string) outcome {
	user := s.candidateUser
	password := args[0]

	// Any failure below forces a fresh USER.
	s.candidateUser = ""
	s.state = StateUnauthenticated

	valid, err := s.directory.ValidateUser(ctx, user, &password)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("error").Inc()
		s.WarnLog("credential check failed for %q: %v", user, err)
		s.out.fail("Internal server error, try again later")
		return outcomeFailed
	}
	if !valid {
		metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
		s.Log("authentication failed for %q", user)
		s.out.fail("Password is invalid")
		return outcomeFailed
	}

	mbox, err := s.directory.OpenMailbox(ctx, user)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxLocked) {
			metrics.AuthenticationAttempts.WithLabelValues("locked").Inc()
			s.Log("maildrop of %q is locked by another session", user)
			s.out.fail("[IN-USE] unable to lock maildrop")
			return outcomeFailed
		}
		metrics.AuthenticationAttempts.WithLabelValues("error").Inc()
		s.WarnLog("failed to open maildrop of %q: %v", user, err)
		s.out.fail("Unable to open maildrop, try again later")
		return outcomeFailed
	}

	s.mailbox = mbox
	s.UserName = user
	s.view.refresh(mbox)
	s.state = StateTransacting
	s.markAuthenticated()
	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()
	s.Log("authenticated, %d messages (%d octets)", s.view.count, s.view.octets)

	s.out.ok("Password is valid, mail loaded")
	return outcomeOK
}

func (s *POP3Session) handleStat(_ context.Context, _ []string) outcome {
	s.out.ok("%d %d", s.view.count, s.view.octets)
	return outcomeOK
}

func (s *POP3Session) handleList(_ context.Context, args []string) outcome {
	if len(args) == 0 {
		s.out.ok("%d messages (%d octets)", s.view.count, s.view.octets)
		for i := 0; i < s.view.countAll; i++ {
			if msg, ok := s.mailbox.Message(i); ok {
				s.out.writeLine("%d %d", i+1, msg.Size())
			}
		}
		s.out.end()
		return outcomeOK
	}

	index, ok := parseOrdinal(args[0])
	if !ok || index < 0 {
		s.out.fail(msgInvalidArguments)
		return outcomeFailed
	}
	msg, found := s.resolve(index)
	switch found {
	case lookupOutOfRange:
		s.out.fail("no such message, only %d messages in maildrop", s.view.count)
		return outcomeFailed
	case lookupDeleted:
		s.out.fail("message %d is marked as deleted", index+1)
		return outcomeFailed
	}
	s.out.ok("%d %d", index+1, msg.Size())
	return outcomeOK
}

func (s *POP3Session) handleRetr(ctx context.Context, args []string) outcome {
	index, ok := parseOrdinal(args[0])
	if !ok || index < 0 {
		s.out.fail(msgSyntaxError)
		return outcomeFailed
	}
	msg, found := s.resolve(index)
	if found != lookupFound {
		s.out.fail("no such message")
		return outcomeFailed
	}

	// Open before the +OK so a storage failure can still be reported.
	content, err := msg.Content(ctx)
	if err != nil {
		s.WarnLog("failed to open message %d: %v", index+1, err)
		s.out.fail("message not available")
		return outcomeFailed
	}
	defer content.Close()

	s.out.ok("%d octets", msg.Size())
	n, err := s.out.payload(content, s.stuffDots)
	metrics.BytesRetrieved.Add(float64(n))
	if err != nil {
		// The +OK is already out; the block cannot be completed.
		s.WarnLog("read of message %d failed after %d octets: %v", index+1, n, err)
		s.out.flush()
		return outcomeTerminate
	}
	s.out.end()
	s.DebugLog("retrieved message %d (%d octets)", index+1, n)
	return outcomeOK
}

func (s *POP3Session) handleDele(_ context.Context, args []string) outcome {
	index, ok := parseOrdinal(args[0])
	if !ok {
		s.out.fail(msgSyntaxError)
		return outcomeFailed
	}
	msg, found := s.resolve(index)
	switch found {
	case lookupOutOfRange:
		s.out.fail(msgInvalidArguments)
		return outcomeFailed
	case lookupDeleted:
		s.out.fail("message %d already deleted", index+1)
		return outcomeFailed
	}

	s.mailbox.MarkDeleted(msg)
	s.view.refresh(s.mailbox)
	s.out.ok("message %d deleted", index+1)
	return outcomeOK
}

func (s *POP3Session) handleRset(_ context.Context, _ []string) outcome {
	restored := s.mailbox.UndeleteAll()
	s.view.refresh(s.mailbox)
	s.out.ok("%d messages restored", restored)
	return outcomeOK
}

func (s *POP3Session) handleNoop(_ context.Context, _ []string) outcome {
	s.out.ok("")
	return outcomeOK
}

func (s *POP3Session) handleQuit(ctx context.Context, _ []string) outcome {
	if s.state != StateTransacting {
		s.state = StateClosing
		s.out.ok(msgClosing)
		return outcomeTerminate
	}

	s.state = StateClosing
	pending := s.view.countAll - s.view.count
	failed := s.mailbox.CommitDeletions(ctx)
	if pending > 0 {
		metrics.MessagesDeleted.WithLabelValues("success").Add(float64(pending - failed))
		metrics.MessagesDeleted.WithLabelValues("failure").Add(float64(failed))
	}
	if failed > 0 {
		s.WarnLog("%d of %d deletions could not be applied", failed, pending)
		s.out.fail("some deleted messages not removed")
		return outcomeTerminate
	}
	s.Log("committed %d deletions", pending)
	s.out.ok(msgClosing)
	return outcomeTerminate
}
