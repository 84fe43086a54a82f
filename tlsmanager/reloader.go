package tlsmanager

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/migadu/popd/logger"
)

// checkInterval bounds how often the certificate files are stat'ed.
const checkInterval = 10 * time.Second

// reloader serves a certificate pair from disk and picks up replaced files,
// so renewals done by an external tool need no restart.
type reloader struct {
	certFile, keyFile string

	mu          sync.Mutex
	cert        *tls.Certificate
	certModTime time.Time
	keyModTime  time.Time
	lastCheck   time.Time
	now         func() time.Time
}

func newReloader(certFile, keyFile string) (*reloader, error) {
	r := &reloader{certFile: certFile, keyFile: keyFile, now: time.Now}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *reloader) modTimes() (time.Time, time.Time, error) {
	ci, err := os.Stat(r.certFile)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	ki, err := os.Stat(r.keyFile)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return ci.ModTime(), ki.ModTime(), nil
}

// load reads the pair. Caller holds mu or owns r exclusively.
func (r *reloader) load() error {
	certMod, keyMod, err := r.modTimes()
	if err != nil {
		return fmt.Errorf("failed to stat certificate: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	r.cert = &cert
	r.certModTime = certMod
	r.keyModTime = keyMod
	r.lastCheck = r.now()
	return nil
}

func (r *reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Sub(r.lastCheck) < checkInterval {
		return r.cert, nil
	}
	r.lastCheck = r.now()

	certMod, keyMod, err := r.modTimes()
	if err != nil {
		logger.Warn("TLS: cannot stat certificate files, serving the loaded one", "error", err)
		return r.cert, nil
	}
	if certMod.Equal(r.certModTime) && keyMod.Equal(r.keyModTime) {
		return r.cert, nil
	}

	if err := r.load(); err != nil {
		// A renewal tool may have written only one of the files so far.
		logger.Warn("TLS: certificate reload failed, serving the loaded one", "error", err)
		return r.cert, nil
	}
	logger.Info("TLS: reloaded certificate", "cert", r.certFile)
	return r.cert, nil
}
