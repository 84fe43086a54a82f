// Package idgen generates short, sortable identifiers for sessions and
// spooled messages.
package idgen

import (
	"fmt"
	"time"

	"github.com/rs/xid"
)

// New returns a 20 character globally unique ID. IDs generated later sort
// after earlier ones when compared as strings.
func New() string {
	return xid.New().String()
}

// FileName returns a maildrop file name for a message delivered at t. Names
// sort lexically in delivery order.
func FileName(t time.Time) string {
	return fmt.Sprintf("%020d.%s", t.UnixNano(), xid.NewWithTime(t).String())
}
