package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	timeout, err := cfg.POP3.GetCommandTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, timeout)
	assert.Equal(t, 1024, cfg.POP3.GetMaxLineLength())
	assert.False(t, cfg.POP3.StuffDots)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "popd.toml")
	content := `
[logging]
level = "  debug  "

[pop3]
addr = ":1110"
hostname = "mail.example.com"
max_line_length = 512
command_timeout = "2m"
stuff_dots = true

[maildrop]
backend = "memory"

[unknown_section]
foo = "bar"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":1110", cfg.POP3.Addr)
	assert.Equal(t, "mail.example.com", cfg.POP3.GetHostname())
	assert.Equal(t, 512, cfg.POP3.GetMaxLineLength())
	assert.True(t, cfg.POP3.StuffDots)
	assert.Equal(t, BackendMemory, cfg.Maildrop.Backend)

	timeout, err := cfg.POP3.GetCommandTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, timeout)

	// Untouched sections keep their defaults.
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfigFromFileSyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pop3\naddr = 1"), 0o600))

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.toml")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Maildrop.Backend = "mbox" }, "unknown maildrop backend"},
		{"spool without path", func(c *Config) { c.Maildrop.SpoolPath = "" }, "spool_path"},
		{"sqlite without dsn", func(c *Config) {
			c.Maildrop.Backend = BackendSQLite
			c.Database.DSN = ""
		}, "database.dsn"},
		{"tls without cert", func(c *Config) { c.POP3.TLS = true }, "tls_cert_file"},
		{"unknown tls provider", func(c *Config) {
			c.POP3.TLS = true
			c.POP3.TLSProvider = "selfsigned"
		}, "tls_provider"},
		{"letsencrypt without domains", func(c *Config) {
			c.POP3.TLS = true
			c.POP3.TLSProvider = "letsencrypt"
			c.POP3.LetsEncrypt.Email = "admin@example.org"
		}, "letsencrypt.domains"},
		{"letsencrypt s3 cache without s3", func(c *Config) {
			c.POP3.TLS = true
			c.POP3.TLSProvider = "letsencrypt"
			c.POP3.LetsEncrypt = LetsEncryptConfig{Email: "admin@example.org", Domains: []string{"pop.example.org"}, S3Cache: true}
		}, "s3_cache"},
		{"bad auth cache ttl", func(c *Config) { c.Maildrop.AuthCacheTTL = "often" }, "auth_cache_ttl"},
		{"tiny line limit", func(c *Config) { c.POP3.MaxLineLength = 4 }, "max_line_length"},
		{"bad timeout", func(c *Config) { c.POP3.CommandTimeout = "soon" }, "command_timeout"},
		{"s3 with spool", func(c *Config) {
			c.S3.Enabled = true
			c.S3.Endpoint = "s3.example.com"
			c.S3.Bucket = "bodies"
		}, "requires the sqlite or postgres backend"},
		{"api without key", func(c *Config) { c.HTTPAPI.Start = true }, "api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateLetsEncrypt(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.POP3.TLS = true
	cfg.POP3.TLSProvider = "letsencrypt"
	cfg.POP3.LetsEncrypt = LetsEncryptConfig{
		Email:    "admin@example.org",
		Domains:  []string{"pop.example.org"},
		CacheDir: "/var/lib/popd/acme",
	}
	assert.NoError(t, cfg.Validate())
}

func TestAuthCacheTTL(t *testing.T) {
	cfg := NewDefaultConfig()
	ttl, err := cfg.Maildrop.GetAuthCacheTTL()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)

	cfg.Maildrop.AuthCacheTTL = ""
	ttl, err = cfg.Maildrop.GetAuthCacheTTL()
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestLocalCacheSizes(t *testing.T) {
	cfg := NewDefaultConfig()
	capacity, err := cfg.LocalCache.GetCapacity()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), capacity)

	maxObj, err := cfg.LocalCache.GetMaxObjectSize()
	require.NoError(t, err)
	assert.Equal(t, int64(5<<20), maxObj)
}
