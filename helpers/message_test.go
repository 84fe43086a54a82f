package helpers

import (
	"testing"

	"github.com/migadu/popd/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	body := "From: Alice <alice@example.org>\r\n" +
		"To: bob@example.org\r\n" +
		"Subject: =?UTF-8?Q?caf=C3=A9?=\r\n" +
		"Message-ID: <1234@example.org>\r\n" +
		"\r\n" +
		"Hello\r\n"

	summary, err := ParseMessage([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", summary.From)
	assert.Equal(t, "café", summary.Subject)
	assert.Equal(t, "1234@example.org", summary.MessageID)
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("\r\njust a body\r\n"))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = ParseMessage([]byte("this is not a header line\r\n\r\nbody"))
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)
}

func TestNormalizeCRLF(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a\nb\n", "a\r\nb\r\n"},
		{"a\r\nb\r\n", "a\r\nb\r\n"},
		{"a\nb", "a\r\nb"},
		{"", ""},
		{"\n\n", "\r\n\r\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(NormalizeCRLF([]byte(tt.in))), "%q", tt.in)
	}
}
