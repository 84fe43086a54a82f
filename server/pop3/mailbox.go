package pop3

import (
	"context"
	"io"
)

// Directory validates users and opens their maildrops.
type Directory interface {
	// ValidateUser reports whether name is a known maildrop. With a non-nil
	// password it also checks the credential.
	ValidateUser(ctx context.Context, name string, password *string) (bool, error)

	// OpenMailbox takes exclusive access to the user's maildrop. The caller
	// must Close the returned handle.
	OpenMailbox(ctx context.Context, name string) (Mailbox, error)
}

// Mailbox is an opened maildrop. Messages are addressed by 0-based index in
// listing order; indexes stay stable for the lifetime of the handle.
type Mailbox interface {
	MessageCount(includeDeleted bool) int
	// TotalSize is the size in octets of messages not marked deleted.
	TotalSize() int64
	// Message returns the message at index, or false if the index is out of
	// range or the message is marked deleted.
	Message(index int) (Message, bool)
	MarkDeleted(msg Message)
	// UndeleteAll clears every deletion mark and returns how many were set.
	UndeleteAll() int
	// CommitDeletions removes marked messages from the store and returns the
	// number of removals that failed.
	CommitDeletions(ctx context.Context) int
	// Close releases the maildrop without committing deletions.
	Close() error
}

// Message is a single message of an opened Mailbox.
type Message interface {
	Size() int64
	Content(ctx context.Context) (io.ReadCloser, error)
}
