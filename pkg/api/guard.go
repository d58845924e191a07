package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/heliogrid/heliogrid/pkg/log"
)

const (
	// limiters idle this long are dropped once the table grows past maxLimiters
	limiterIdleTimeout = 10 * time.Minute
	maxLimiters        = 10000
)

// GuardConfig restricts who may call the /api/v1 routes. The zero value
// allows every client without limits.
type GuardConfig struct {
	RequestsPerSecond float64  // 0 disables rate limiting
	Burst             int      // defaults to 1 when rate limiting is on
	AllowedIPs        []string // IPs or CIDRs; empty allows all
	DeniedIPs         []string // checked before AllowedIPs
	TrustProxy        bool     // take the client IP from X-Forwarded-For / X-Real-IP
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// guard applies IP access control and per-client rate limiting
type guard struct {
	cfg     GuardConfig
	allowed []*net.IPNet
	denied  []*net.IPNet

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
	logger   zerolog.Logger
}

func newGuard(cfg GuardConfig) (*guard, error) {
	allowed, err := parseNets(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}
	denied, err := parseNets(cfg.DeniedIPs)
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &guard{
		cfg:      cfg,
		allowed:  allowed,
		denied:   denied,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
		logger:   log.WithComponent("api-guard"),
	}, nil
}

// ValidateCIDRs reports the first entry that is neither an IP nor a CIDR
func ValidateCIDRs(entries []string) error {
	_, err := parseNets(entries)
	return err
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address: %s", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			entry = fmt.Sprintf("%s/%d", entry, bits)
		}

		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR: %s", entry)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func (g *guard) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := g.clientIP(r)

		if ok, reason := g.checkAccess(clientIP); !ok {
			g.logger.Warn().Str("client", clientIP).Str("path", r.URL.Path).Msg(reason)
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: reason, Kind: "forbidden"})
			return
		}

		if !g.allow(clientIP) {
			g.logger.Warn().Str("client", clientIP).Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", Kind: "rate_limited"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *guard) checkAccess(clientIP string) (bool, string) {
	if len(g.allowed) == 0 && len(g.denied) == 0 {
		return true, ""
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, "invalid client IP"
	}

	// Deny takes precedence
	for _, n := range g.denied {
		if n.Contains(ip) {
			return false, "access denied by IP filter"
		}
	}

	if len(g.allowed) == 0 {
		return true, ""
	}
	for _, n := range g.allowed {
		if n.Contains(ip) {
			return true, ""
		}
	}
	return false, "access denied by IP filter"
}

func (g *guard) allow(clientIP string) bool {
	if g.cfg.RequestsPerSecond <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entry, ok := g.limiters[clientIP]
	if !ok {
		if len(g.limiters) >= maxLimiters {
			g.evictIdle(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst)}
		g.limiters[clientIP] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

func (g *guard) evictIdle(now time.Time) {
	for ip, entry := range g.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTimeout {
			delete(g.limiters, ip)
		}
	}
}

func (g *guard) clientIP(r *http.Request) string {
	if g.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
