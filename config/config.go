// Package config holds the TOML configuration of the popd server.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/popd/helpers"
)

// Maildrop backends.
const (
	BackendMemory   = "memory"
	BackendSpool    = "spool"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// POP3ServerConfig holds POP3 server configuration.
type POP3ServerConfig struct {
	Start               bool     `toml:"start"`
	Addr                string   `toml:"addr"`
	Hostname            string   `toml:"hostname"`               // Name announced in the greeting (default: os.Hostname)
	MaxConnections      int      `toml:"max_connections"`        // Maximum concurrent connections
	MaxConnectionsPerIP int      `toml:"max_connections_per_ip"` // Maximum connections per IP address
	MaxLineLength       int      `toml:"max_line_length"`        // Longest accepted command line including CRLF (default: 1024)
	CommandTimeout      string   `toml:"command_timeout"`        // Maximum idle time before disconnection (default: 10m)
	StuffDots           bool     `toml:"stuff_dots"`             // Byte-stuff RETR lines starting with "." (default: forward verbatim)
	TrustedNetworks     []string `toml:"trusted_networks"`       // Networks exempt from the per-IP limit

	// Implicit TLS (POP3S)
	TLS         bool              `toml:"tls"`
	TLSProvider string            `toml:"tls_provider"` // "file" (default) or "letsencrypt"
	TLSCertFile string            `toml:"tls_cert_file"`
	TLSKeyFile  string            `toml:"tls_key_file"`
	LetsEncrypt LetsEncryptConfig `toml:"letsencrypt"`
}

// GetCommandTimeout parses the command timeout duration for POP3
func (c *POP3ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 10 * time.Minute, nil // RFC 1939 §3: autologout timer of at least 10 minutes
	}
	return helpers.ParseDuration(c.CommandTimeout)
}

// GetMaxLineLength returns the command line limit, falling back to 1024 bytes.
func (c *POP3ServerConfig) GetMaxLineLength() int {
	if c.MaxLineLength <= 0 {
		return 1024
	}
	return c.MaxLineLength
}

// GetHostname returns the configured hostname or the system hostname.
func (c *POP3ServerConfig) GetHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

// LetsEncryptConfig configures automatic certificates for the POP3 listener.
type LetsEncryptConfig struct {
	Email         string   `toml:"email"`
	Domains       []string `toml:"domains"`
	DefaultDomain string   `toml:"default_domain"` // Certificate for clients without SNI (default: first domain)
	HTTPAddr      string   `toml:"http_addr"`      // Listener for HTTP-01 challenges (default: ":80")
	CacheDir      string   `toml:"cache_dir"`      // Local certificate cache
	S3Cache       bool     `toml:"s3_cache"`       // Keep certificates in the S3 bucket instead of cache_dir
	DirectoryURL  string   `toml:"directory_url"`  // ACME directory (default: Let's Encrypt production)
}

// MaildropConfig selects and configures the maildrop backend.
type MaildropConfig struct {
	Backend   string `toml:"backend"`    // memory, spool, sqlite or postgres
	SpoolPath string `toml:"spool_path"` // Root directory of the spool backend
	LockTTL   string `toml:"lock_ttl"`   // Age after which a maildrop lock is considered stale (default: 30m)
	// How long a successful login is remembered, skipping the password hash
	// check on the next one. Empty or "0" disables the cache.
	AuthCacheTTL string `toml:"auth_cache_ttl"`
}

// GetLockTTL parses the stale lock threshold.
func (c *MaildropConfig) GetLockTTL() (time.Duration, error) {
	if c.LockTTL == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(c.LockTTL)
}

// GetAuthCacheTTL parses the authentication cache lifetime. Zero means
// disabled.
func (c *MaildropConfig) GetAuthCacheTTL() (time.Duration, error) {
	if c.AuthCacheTTL == "" {
		return 0, nil
	}
	return helpers.ParseDuration(c.AuthCacheTTL)
}

// DatabaseConfig holds the SQL backend configuration.
type DatabaseConfig struct {
	DSN          string `toml:"dsn"`           // sqlite file path or postgres connection URL
	QueryTimeout string `toml:"query_timeout"` // Timeout for individual queries (default: 30s)
	AutoMigrate  bool   `toml:"auto_migrate"`  // Apply pending migrations at startup
	MaxConns     int    `toml:"max_conns"`     // Maximum open connections (0 = driver default)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// S3Config holds S3 configuration for message bodies.
type S3Config struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// LocalCacheConfig holds the on-disk body cache configuration.
type LocalCacheConfig struct {
	Path          string `toml:"path"`
	Capacity      string `toml:"capacity"`
	MaxObjectSize string `toml:"max_object_size"`
	PurgeInterval string `toml:"purge_interval"`
}

// GetCapacity parses the cache capacity.
func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		return 1 << 30, nil
	}
	return helpers.ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the largest body stored in the cache.
func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		return 5 << 20, nil
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// GetPurgeInterval parses the cache purge interval.
func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// HTTPAPIConfig holds configuration for the admin HTTP API.
type HTTPAPIConfig struct {
	Start  bool   `toml:"start"`
	Addr   string `toml:"addr"`
	APIKey string `toml:"api_key"`
	// Client IPs or CIDRs allowed to reach the API (empty = any)
	AllowedHosts []string `toml:"allowed_hosts"`
}

// Config holds the complete popd configuration.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	POP3       POP3ServerConfig `toml:"pop3"`
	Maildrop   MaildropConfig   `toml:"maildrop"`
	Database   DatabaseConfig   `toml:"database"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
}

// NewDefaultConfig returns a configuration usable for local development.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		POP3: POP3ServerConfig{
			Start:          true,
			Addr:           ":110",
			MaxConnections: 1000,
			MaxLineLength:  1024,
			CommandTimeout: "10m",
		},
		Maildrop: MaildropConfig{
			Backend:      BackendSpool,
			SpoolPath:    "/var/spool/popd",
			LockTTL:      "30m",
			AuthCacheTTL: "5m",
		},
		Database: DatabaseConfig{
			DSN:          "/var/lib/popd/popd.db",
			QueryTimeout: "30s",
			AutoMigrate:  true,
		},
		LocalCache: LocalCacheConfig{
			Path:          "/var/cache/popd",
			Capacity:      "1GB",
			MaxObjectSize: "5MB",
			PurgeInterval: "10m",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8080",
		},
	}
}

// Validate checks the configuration for settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Maildrop.Backend {
	case BackendMemory:
	case BackendSpool:
		if c.Maildrop.SpoolPath == "" {
			return fmt.Errorf("maildrop.spool_path is required for the %q backend", BackendSpool)
		}
	case BackendSQLite, BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the %q backend", c.Maildrop.Backend)
		}
	default:
		return fmt.Errorf("unknown maildrop backend %q", c.Maildrop.Backend)
	}

	if c.POP3.TLS {
		if err := c.validateTLS(); err != nil {
			return err
		}
	}
	if c.POP3.MaxLineLength != 0 && c.POP3.MaxLineLength < 16 {
		return fmt.Errorf("pop3.max_line_length must be at least 16, got %d", c.POP3.MaxLineLength)
	}
	if _, err := c.POP3.GetCommandTimeout(); err != nil {
		return fmt.Errorf("invalid pop3.command_timeout: %w", err)
	}
	if _, err := c.Maildrop.GetLockTTL(); err != nil {
		return fmt.Errorf("invalid maildrop.lock_ttl: %w", err)
	}
	if _, err := c.Maildrop.GetAuthCacheTTL(); err != nil {
		return fmt.Errorf("invalid maildrop.auth_cache_ttl: %w", err)
	}

	if c.S3.Enabled {
		if c.Maildrop.Backend != BackendSQLite && c.Maildrop.Backend != BackendPostgres {
			return fmt.Errorf("s3 body storage requires the sqlite or postgres backend")
		}
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3.endpoint and s3.bucket are required when s3 is enabled")
		}
	}

	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is started")
	}
	return nil
}

func (c *Config) validateTLS() error {
	switch c.POP3.TLSProvider {
	case "", "file":
		if c.POP3.TLSCertFile == "" || c.POP3.TLSKeyFile == "" {
			return fmt.Errorf("pop3.tls_cert_file and pop3.tls_key_file are required when pop3.tls is enabled")
		}
	case "letsencrypt":
		le := c.POP3.LetsEncrypt
		if le.Email == "" || len(le.Domains) == 0 {
			return fmt.Errorf("pop3.letsencrypt.email and pop3.letsencrypt.domains are required for the letsencrypt provider")
		}
		if le.S3Cache && !c.S3.Enabled {
			return fmt.Errorf("pop3.letsencrypt.s3_cache requires s3 to be enabled")
		}
		if !le.S3Cache && le.CacheDir == "" {
			return fmt.Errorf("pop3.letsencrypt.cache_dir is required unless s3_cache is set")
		}
	default:
		return fmt.Errorf("unknown pop3.tls_provider %q", c.POP3.TLSProvider)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace
// from all string fields. Unknown keys are logged and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	metadata, err := toml.DecodeFile(configPath, cfg)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return fmt.Errorf("configuration file '%s' line %d: %s", configPath, perr.Position.Line, perr.Message)
		}
		return err
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// trimStringFields recursively trims surrounding whitespace from every string
// reachable from v.
func trimStringFields(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
