package pop3

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test.local"},
		DNSNames:     []string{"test.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestServerImplicitTLS(t *testing.T) {
	srv := startTestServer(t, newFakeDirectory(), POP3ServerOptions{TLSConfig: selfSignedConfig(t)})

	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"pop3"},
	})
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	assert.Equal(t, "+OK POP3 Server on test.local ready", c.readLine())
	assert.Equal(t, "pop3", conn.ConnectionState().NegotiatedProtocol)
	assert.Equal(t, uint16(tls.VersionTLS13), conn.ConnectionState().Version)

	assert.Equal(t, "+OK name is a valid mailbox", c.cmd("USER bob"))
	assert.True(t, strings.HasPrefix(c.cmd("PASS secret"), "+OK"))
	assert.Equal(t, "+OK Service closing transmission channel", c.cmd("QUIT"))
}

func TestServerTLSConfigIsCopied(t *testing.T) {
	cfg := selfSignedConfig(t)
	srv := startTestServer(t, newFakeDirectory(), POP3ServerOptions{TLSConfig: cfg})

	assert.Empty(t, cfg.NextProtos, "caller's config is not modified")
	assert.Equal(t, []string{"pop3"}, srv.tlsConfig.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), srv.tlsConfig.MinVersion)
}
