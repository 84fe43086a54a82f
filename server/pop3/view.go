package pop3

import (
	"math"
	"strconv"
)

// mailboxView caches the counters reported by STAT and LIST. It is refreshed
// from the mailbox after every command that changes deletion marks.
type mailboxView struct {
	count    int   // messages not marked deleted
	octets   int64 // size of messages not marked deleted
	countAll int   // messages including deleted ones
}

func (v *mailboxView) refresh(m Mailbox) {
	v.count = m.MessageCount(false)
	v.octets = m.TotalSize()
	v.countAll = m.MessageCount(true)
}

// lookup classifies a message index.
type lookup int

const (
	lookupFound lookup = iota
	lookupDeleted
	lookupOutOfRange
)

// resolve maps a 0-based index to a message. LIST, RETR and DELE all go
// through it so they agree on which ordinals exist.
func (s *POP3Session) resolve(index int) (Message, lookup) {
	if index < 0 || index >= s.view.countAll {
		return nil, lookupOutOfRange
	}
	msg, ok := s.mailbox.Message(index)
	if !ok {
		return nil, lookupDeleted
	}
	return msg, lookupFound
}

// parseOrdinal converts a 1-based message number to a 0-based index. Only
// plain decimal digits are accepted. Numbers too large for an int map to an
// index past any mailbox.
func parseOrdinal(arg string) (int, bool) {
	if arg == "" {
		return 0, false
	}
	for i := 0; i < len(arg); i++ {
		if arg[i] < '0' || arg[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return math.MaxInt, true
	}
	return n - 1, true
}
