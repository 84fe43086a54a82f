// Package tlsmanager provides the certificate source for implicit TLS on the
// POP3 listener: a certificate/key pair on disk that is reloaded when it
// changes, or certificates obtained from Let's Encrypt through autocert.
package tlsmanager

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/migadu/popd/logger"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

const (
	ProviderFile        = "file"
	ProviderLetsEncrypt = "letsencrypt"
)

// ErrMissingServerName is returned for handshakes without SNI when no
// default domain is configured.
var ErrMissingServerName = errors.New("missing server name")

// ErrHostNotAllowed is returned for handshakes naming a domain outside the
// configured list.
var ErrHostNotAllowed = errors.New("host not allowed")

type Options struct {
	Provider string // "file" (default) or "letsencrypt"

	CertFile string
	KeyFile  string

	Email         string
	Domains       []string
	DefaultDomain string // used for clients that send no SNI (default: first domain)
	DirectoryURL  string // ACME directory (default: Let's Encrypt production)
	// Cache stores account keys and certificates. CacheDir is used when nil.
	Cache    autocert.Cache
	CacheDir string
}

type Manager struct {
	tlsConfig   *tls.Config
	autocertMgr *autocert.Manager
}

func New(opts Options) (*Manager, error) {
	switch opts.Provider {
	case "", ProviderFile:
		return newFileManager(opts)
	case ProviderLetsEncrypt:
		return newLetsEncryptManager(opts)
	}
	return nil, fmt.Errorf("unknown TLS provider: %s (must be '%s' or '%s')", opts.Provider, ProviderFile, ProviderLetsEncrypt)
}

func newFileManager(opts Options) (*Manager, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, fmt.Errorf("cert and key files are required for the %s provider", ProviderFile)
	}
	r, err := newReloader(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, err
	}
	logger.Info("TLS: loaded certificate from files", "cert", opts.CertFile, "key", opts.KeyFile)
	return &Manager{
		tlsConfig: &tls.Config{
			GetCertificate: r.GetCertificate,
			MinVersion:     tls.VersionTLS12,
			Renegotiation:  tls.RenegotiateNever,
		},
	}, nil
}

func newLetsEncryptManager(opts Options) (*Manager, error) {
	if opts.Email == "" {
		return nil, fmt.Errorf("an account email is required for the %s provider", ProviderLetsEncrypt)
	}
	if len(opts.Domains) == 0 {
		return nil, fmt.Errorf("at least one domain is required for the %s provider", ProviderLetsEncrypt)
	}

	cache := opts.Cache
	if cache == nil {
		if opts.CacheDir == "" {
			return nil, fmt.Errorf("a certificate cache directory is required for the %s provider", ProviderLetsEncrypt)
		}
		cache = autocert.DirCache(opts.CacheDir)
	}

	directoryURL := opts.DirectoryURL
	if directoryURL == "" {
		directoryURL = autocert.DefaultACMEDirectory
	}

	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      opts.Email,
		HostPolicy: autocert.HostWhitelist(opts.Domains...),
		Cache:      cache,
		Client:     &acme.Client{DirectoryURL: directoryURL},
	}

	defaultDomain := opts.DefaultDomain
	if defaultDomain == "" {
		defaultDomain = opts.Domains[0]
	}

	base := mgr.TLSConfig()
	m := &Manager{autocertMgr: mgr}
	m.tlsConfig = &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name, err := resolveServerName(hello.ServerName, defaultDomain, func(n string) error {
				return mgr.HostPolicy(hello.Context(), n)
			})
			if err != nil {
				logger.Debug("TLS: refused certificate request", "server_name", hello.ServerName, "error", err)
				return nil, err
			}
			h := *hello
			h.ServerName = name
			cert, err := base.GetCertificate(&h)
			if err != nil {
				logger.Error("TLS: failed to get certificate", "server_name", name, "error", err)
				return nil, err
			}
			return cert, nil
		},
		NextProtos:    []string{acme.ALPNProto},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	logger.Info("TLS: Let's Encrypt autocert initialized", "domains", opts.Domains, "default_domain", defaultDomain)
	return m, nil
}

// resolveServerName applies the default domain to SNI-less handshakes and
// checks the result against policy. DNS names compare case-insensitively.
func resolveServerName(serverName, defaultDomain string, policy func(string) error) (string, error) {
	if serverName == "" {
		if defaultDomain == "" {
			return "", ErrMissingServerName
		}
		serverName = defaultDomain
	}
	serverName = strings.ToLower(serverName)
	if err := policy(serverName); err != nil {
		return "", fmt.Errorf("%w: %s", ErrHostNotAllowed, serverName)
	}
	return serverName, nil
}

// TLSConfig returns the configuration for the TLS listener.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// HTTPHandler answers ACME HTTP-01 challenges and must be reachable on port
// 80 of every configured domain. It is nil for the file provider.
func (m *Manager) HTTPHandler() http.Handler {
	if m.autocertMgr == nil {
		return nil
	}
	return m.autocertMgr.HTTPHandler(nil)
}
