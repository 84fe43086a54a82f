package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/popd/backend"
	"github.com/migadu/popd/config"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/maildrop"
	"github.com/migadu/popd/pkg/authcache"
	"github.com/migadu/popd/pkg/errors"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/server/httpapi"
	"github.com/migadu/popd/server/pop3"
	"github.com/migadu/popd/tlsmanager"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("popd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "POPD: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "POPD: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("popd starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	be, err := backend.Open(ctx, &cfg)
	if err != nil {
		errorHandler.FatalError("open maildrop backend", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer be.Close()

	collector := metrics.NewCollector(be.Store, be.CacheStats, 60*time.Second)
	go collector.Start(ctx)

	errChan := make(chan error, 4)

	var pop3Server *pop3.POP3Server
	if cfg.POP3.Start {
		pop3Server, err = startPOP3(ctx, &cfg, be, errChan)
		if err != nil {
			errorHandler.FatalError("create POP3 server", err)
			os.Exit(errorHandler.WaitForExit())
		}
		defer pop3Server.Close()
	}

	if cfg.HTTPAPI.Start {
		opts := httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
		}
		if pop3Server != nil {
			opts.Sessions = pop3Server
		}
		if be.CacheStats != nil {
			opts.Cache = be.CacheStats
		}
		go httpapi.Start(ctx, be.Store, opts, errChan)
	}

	if !cfg.POP3.Start && !cfg.HTTPAPI.Start {
		logger.Warn("No server enabled in configuration, nothing to do")
		return
	}

	select {
	case <-ctx.Done():
		logger.Info("Waiting for POP3 sessions to finish...")
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		if pop3Server != nil {
			pop3Server.Close()
		}
		be.Close()
		os.Exit(errorHandler.WaitForExit())
	}
}

func startPOP3(ctx context.Context, cfg *config.Config, be *backend.Backend, errChan chan error) (*pop3.POP3Server, error) {
	commandTimeout, err := cfg.POP3.GetCommandTimeout()
	if err != nil {
		return nil, err
	}

	authCacheTTL, err := cfg.Maildrop.GetAuthCacheTTL()
	if err != nil {
		return nil, err
	}
	directory := maildrop.NewDirectory(be.Store)
	if authCacheTTL > 0 {
		directory.WithAuthCache(authcache.New(ctx, authCacheTTL, 0, 0))
	}

	var tlsConfig *tls.Config
	if cfg.POP3.TLS {
		tlsMgr, err := newTLSManager(cfg, be)
		if err != nil {
			return nil, err
		}
		tlsConfig = tlsMgr.TLSConfig()
		if h := tlsMgr.HTTPHandler(); h != nil {
			go serveACMEChallenges(ctx, cfg.POP3.LetsEncrypt.HTTPAddr, h, errChan)
		}
	}

	server, err := pop3.New(ctx, directory, pop3.POP3ServerOptions{
		Addr:                cfg.POP3.Addr,
		Hostname:            cfg.POP3.GetHostname(),
		TLSConfig:           tlsConfig,
		MaxConnections:      cfg.POP3.MaxConnections,
		MaxConnectionsPerIP: cfg.POP3.MaxConnectionsPerIP,
		TrustedNetworks:     cfg.POP3.TrustedNetworks,
		MaxLineLength:       cfg.POP3.GetMaxLineLength(),
		CommandTimeout:      commandTimeout,
		StuffDots:           cfg.POP3.StuffDots,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Starting POP3 server", "addr", cfg.POP3.Addr, "tls", cfg.POP3.TLS)
	go server.Start(errChan)
	return server, nil
}

func newTLSManager(cfg *config.Config, be *backend.Backend) (*tlsmanager.Manager, error) {
	le := cfg.POP3.LetsEncrypt
	opts := tlsmanager.Options{
		Provider:      cfg.POP3.TLSProvider,
		CertFile:      cfg.POP3.TLSCertFile,
		KeyFile:       cfg.POP3.TLSKeyFile,
		Email:         le.Email,
		Domains:       le.Domains,
		DefaultDomain: le.DefaultDomain,
		DirectoryURL:  le.DirectoryURL,
		CacheDir:      le.CacheDir,
	}
	if le.S3Cache {
		if be.Objects == nil {
			return nil, fmt.Errorf("certificate cache in S3 requested but the backend has no S3 store")
		}
		opts.Cache = tlsmanager.NewS3Cache(be.Objects)
	}
	return tlsmanager.New(opts)
}

// serveACMEChallenges answers HTTP-01 challenges until ctx is cancelled.
func serveACMEChallenges(ctx context.Context, addr string, handler http.Handler, errChan chan error) {
	if addr == "" {
		addr = ":80"
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving ACME HTTP-01 challenges", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("ACME challenge listener failed: %w", err)
	}
}

// loadAndValidateConfig loads the TOML file, falling back to defaults when the
// default path is missing, and exits on invalid settings.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}
