package helpers

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/popd/consts"
)

// ErrNoHeader is returned by ParseMessage for input without a header block.
// It wraps consts.ErrMalformedMessage.
var ErrNoHeader = fmt.Errorf("%w: message has no header fields", consts.ErrMalformedMessage)

// MessageSummary holds the header fields logged on delivery.
type MessageSummary struct {
	From      string
	Subject   string
	MessageID string
}

// ParseMessage checks that body is an RFC 5322 message and returns a summary
// of its header. Unknown charsets are tolerated.
func ParseMessage(body []byte) (*MessageSummary, error) {
	entity, err := message.Read(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	if entity.Header.Len() == 0 {
		return nil, ErrNoHeader
	}

	h := mail.Header{Header: entity.Header}
	summary := &MessageSummary{}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		summary.From = from[0].Address
	} else {
		summary.From = h.Get("From")
	}
	if subject, err := h.Subject(); err == nil {
		summary.Subject = subject
	}
	if id, err := h.MessageID(); err == nil {
		summary.MessageID = id
	}
	summary.From = SanitizeHeaderValue(summary.From)
	summary.Subject = SanitizeHeaderValue(summary.Subject)
	summary.MessageID = SanitizeHeaderValue(summary.MessageID)
	return summary, nil
}

// NormalizeCRLF converts bare LF line endings to CRLF, so that stored sizes
// match the octets sent on the wire.
func NormalizeCRLF(body []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(body) + len(body)/40)

	r := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] == '\n' {
				line = bytes.TrimRight(line[:len(line)-1], "\r")
				out.Write(line)
				out.WriteString("\r\n")
			} else {
				out.Write(line)
			}
		}
		if err != nil {
			break
		}
	}
	return out.Bytes()
}
