// ABOUTME: Per-peer rate limiting for delegate authentication attempts
// ABOUTME: Wraps golang.org/x/time/rate limiters keyed by remote host

package auth

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused peer limiter is kept.
const limiterIdleTTL = 10 * time.Minute

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PeerLimiter hands out a token-bucket limiter per remote host.
type PeerLimiter struct {
	mu       sync.Mutex
	peers    map[string]*peerLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
	lastScan time.Time
}

// NewPeerLimiter allows perSecond attempts per host with the given burst.
func NewPeerLimiter(perSecond float64, burst int) *PeerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &PeerLimiter{
		peers: make(map[string]*peerLimiter),
		limit: rate.Limit(perSecond),
		burst: burst,
		now:   time.Now,
	}
}

// hostOf strips the port from an address.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Allow reports whether another attempt from addr is permitted now.
func (l *PeerLimiter) Allow(addr string) bool {
	host := hostOf(addr)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastScan) > limiterIdleTTL {
		for h, p := range l.peers {
			if now.Sub(p.lastSeen) > limiterIdleTTL {
				delete(l.peers, h)
			}
		}
		l.lastScan = now
	}

	p, ok := l.peers[host]
	if !ok {
		p = &peerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[host] = p
	}
	p.lastSeen = now
	return p.limiter.AllowN(now, 1)
}
