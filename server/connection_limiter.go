package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/popd/logger"
)

// ConnectionLimiter enforces global and per-IP connection limits
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.Mutex
	cleanupInterval  time.Duration
	protocol         string
	trustedNets      []*net.IPNet // exempt from the per-IP limit
}

// NewConnectionLimiter creates a limiter. A limit of zero disables it.
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int, trustedNetworks []string) (*ConnectionLimiter, error) {
	trustedNets, err := ParseTrustedNetworks(trustedNetworks)
	if err != nil {
		return nil, err
	}
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		protocol:         protocol,
		trustedNets:      trustedNets,
	}, nil
}

// ErrLimitReached is wrapped by Accept when a limit refuses a connection.
type ErrLimitReached struct {
	PerIP bool
	msg   string
}

func (e *ErrLimitReached) Error() string { return e.msg }

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (cl *ConnectionLimiter) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range cl.trustedNets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// Accept registers a connection from remoteAddr and returns its release
// function, or an *ErrLimitReached when a limit is exhausted.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxConnections > 0 {
		if current := cl.currentTotal.Load(); current >= int64(cl.maxConnections) {
			return nil, &ErrLimitReached{msg: fmt.Sprintf("maximum connections reached (%d/%d)", current, cl.maxConnections)}
		}
	}

	ip := hostOf(remoteAddr)
	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 && !cl.isTrusted(ip) {
		ipCounter = cl.perIPConnections[ip]
		if ipCounter == nil {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		if current := ipCounter.Load(); current >= int64(cl.maxPerIP) {
			return nil, &ErrLimitReached{PerIP: true, msg: fmt.Sprintf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)}
		}
		ipCounter.Add(1)
	}
	cl.currentTotal.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			if ipCounter != nil {
				ipCounter.Add(-1)
			}
		})
	}, nil
}

// Current returns the number of registered connections.
func (cl *ConnectionLimiter) Current() int64 {
	return cl.currentTotal.Load()
}

// StartCleanup starts a background goroutine to drop idle per-IP counters
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("Connection limiter: cleaned up idle IP entries", "protocol", cl.protocol, "count", cleaned)
	}
}

// ParseTrustedNetworks parses CIDRs or bare IP addresses.
func ParseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network '%s': not a valid IP address or CIDR", cidr)
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		networks = append(networks, network)
	}
	return networks, nil
}
