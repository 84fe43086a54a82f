package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
	serverPkg "github.com/migadu/popd/server"
)

type POP3Server struct {
	addr      string
	hostname  string
	directory Directory
	appCtx    context.Context
	cancel    context.CancelFunc
	tlsConfig *tls.Config
	limiter   *serverPkg.ConnectionLimiter

	maxLineLength  int
	commandTimeout time.Duration
	stuffDots      bool
	drainTimeout   time.Duration

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]net.Conn
	sessionsWg          sync.WaitGroup
}

type POP3ServerOptions struct {
	Addr                string
	Hostname            string
	TLSConfig           *tls.Config // implicit TLS (POP3S) when set
	MaxConnections      int
	MaxConnectionsPerIP int
	TrustedNetworks     []string
	MaxLineLength       int
	CommandTimeout      time.Duration
	StuffDots           bool
	DrainTimeout        time.Duration // how long Close waits for sessions (default 30s)
}

func New(appCtx context.Context, directory Directory, options POP3ServerOptions) (*POP3Server, error) {
	limiter, err := serverPkg.NewConnectionLimiter("POP3", options.MaxConnections, options.MaxConnectionsPerIP, options.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted networks: %w", err)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &POP3Server{
		addr:           options.Addr,
		hostname:       options.Hostname,
		directory:      directory,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		limiter:        limiter,
		maxLineLength:  options.MaxLineLength,
		commandTimeout: options.CommandTimeout,
		stuffDots:      options.StuffDots,
		drainTimeout:   options.DrainTimeout,
		ready:          make(chan struct{}),
		activeSessions: make(map[*POP3Session]net.Conn),
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = 30 * time.Second
	}

	if options.TLSConfig != nil {
		s.tlsConfig = options.TLSConfig.Clone()
		if s.tlsConfig.MinVersion == 0 {
			s.tlsConfig.MinVersion = tls.VersionTLS12
		}
		s.tlsConfig.NextProtos = append(s.tlsConfig.NextProtos, "pop3")
	}

	limiter.StartCleanup(serverCtx)
	return s, nil
}

// Start listens on the configured address and serves connections until
// Close is called. Fatal listener errors are sent to errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	s.Serve(listener, errChan)
}

// Serve accepts connections on listener, wrapping it in TLS when the server
// has a TLS configuration. It takes ownership of listener.
func (s *POP3Server) Serve(listener net.Listener, errChan chan error) {
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	defer listener.Close()

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.ready)

	logger.Info("POP3 server listening", "addr", listener.Addr().String(), "tls", s.tlsConfig != nil,
		"idle_timeout", s.commandTimeout)

	go func() {
		<-s.appCtx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully")
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			errChan <- err
			return
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			reason := "limit"
			var limitErr *serverPkg.ErrLimitReached
			if errors.As(err, &limitErr) && limitErr.PerIP {
				reason = "per_ip"
			}
			metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			logger.Debug("POP3: connection rejected", "remote", conn.RemoteAddr().String(), "error", err)
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			fmt.Fprint(conn, "-ERR [SYS/TEMP] Too many connections, try again later\r\n")
			conn.Close()
			continue
		}

		session := s.newSession(conn)
		if !s.addSession(session, conn) {
			// Accepted after Close began.
			conn.Close()
			releaseConn()
			logger.Info("POP3 server stopped gracefully")
			return
		}

		go func() {
			defer s.sessionsWg.Done()
			s.handleConnection(session, conn, releaseConn)
		}()
	}
}

func (s *POP3Server) newSession(conn net.Conn) *POP3Session {
	remoteIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	session := NewSession(conn, s.directory, SessionOptions{
		Hostname:       s.hostname,
		MaxLineLength:  s.maxLineLength,
		CommandTimeout: s.commandTimeout,
		StuffDots:      s.stuffDots,
		RemoteIP:       remoteIP,
	})
	session.srv = s
	session.Stats = s
	return session
}

func (s *POP3Server) handleConnection(session *POP3Session, conn net.Conn, releaseConn func()) {
	start := time.Now()
	s.totalConnections.Add(1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("POP3: session panic", "session", session.Id, "panic", r)
		}
		session.close()
		conn.Close()
		releaseConn()
		s.removeSession(session)
		s.totalConnections.Add(-1)
		metrics.ConnectionsCurrent.Dec()
		metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	session.Serve(s.appCtx)
}

// Addr returns the listening address once Serve has started.
func (s *POP3Server) Addr() net.Addr {
	<-s.ready
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	return s.listener.Addr()
}

// Close stops accepting, interrupts sessions waiting for a command and
// waits for all sessions to end. Sessions cut short release their maildrop
// without committing.
func (s *POP3Server) Close() {
	s.cancel()
	s.interruptSessions()
	if !s.waitForSessionsDrain(s.drainTimeout) {
		s.closeConnections()
		s.sessionsWg.Wait()
	}
}

func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: all sessions drained")
		return true
	case <-time.After(timeout):
		logger.Warn("POP3: session drain timeout, forcing shutdown", "timeout", timeout)
		return false
	}
}

// addSession registers the session with sessionsWg unless shutdown has
// started. Close cancels and then takes the same lock in interruptSessions
// before waiting, so no Add can race with Wait.
func (s *POP3Server) addSession(session *POP3Session, conn net.Conn) bool {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	if s.appCtx.Err() != nil {
		return false
	}
	s.activeSessions[session] = conn
	s.sessionsWg.Add(1)
	return true
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

func (s *POP3Server) activeConns() []net.Conn {
	s.activeSessionsMutex.RLock()
	defer s.activeSessionsMutex.RUnlock()
	conns := make([]net.Conn, 0, len(s.activeSessions))
	for _, conn := range s.activeSessions {
		conns = append(conns, conn)
	}
	return conns
}

// interruptSessions unblocks sessions waiting for their next command. Each
// session then sends its own shutdown notice, so the notice never
// interleaves with a response in progress.
func (s *POP3Server) interruptSessions() {
	conns := s.activeConns()
	if len(conns) == 0 {
		return
	}
	logger.Info("POP3: notifying active sessions of shutdown", "count", len(conns))
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now())
	}
}

func (s *POP3Server) closeConnections() {
	for _, conn := range s.activeConns() {
		conn.Close()
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
