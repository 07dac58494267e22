package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	httperrors "github.com/jw6ventures/leadflow/internal/http/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"
)

// DefaultMaxClients bounds how many per-client limiters are retained.
const DefaultMaxClients = 10000

// IPRateLimiter keeps one token bucket per client address. The least recently
// seen clients are evicted once maxClients is reached.
type IPRateLimiter struct {
	limiters       *lru.Cache[string, *rate.Limiter]
	rate           rate.Limit
	burst          int
	trustedProxies []*net.IPNet
}

// NewIPRateLimiter creates a limiter allowing r requests per second with the given burst.
// trustedProxies lists CIDRs or single addresses whose forwarding headers are honored;
// when empty, forwarding headers from any peer are honored.
func NewIPRateLimiter(r rate.Limit, burst, maxClients int, trustedProxies []string) (*IPRateLimiter, error) {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	cache, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, err
	}
	l := &IPRateLimiter{limiters: cache, rate: r, burst: burst}
	for _, entry := range trustedProxies {
		if ipnet := parseNetwork(entry); ipnet != nil {
			l.trustedProxies = append(l.trustedProxies, ipnet)
		}
	}
	return l, nil
}

func parseNetwork(entry string) *net.IPNet {
	if _, ipnet, err := net.ParseCIDR(entry); err == nil {
		return ipnet
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil
	}
	bits := 128
	if ip.To4() != nil {
		bits = 32
	}
	_, ipnet, _ := net.ParseCIDR(entry + "/" + strconv.Itoa(bits))
	return ipnet
}

func (l *IPRateLimiter) limiterFor(ip string) *rate.Limiter {
	if lim, ok := l.limiters.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	if prev, ok, _ := l.limiters.PeekOrAdd(ip, lim); ok {
		return prev
	}
	return lim
}

// Allow reports whether a request from ip may proceed.
func (l *IPRateLimiter) Allow(ip string) bool {
	return l.limiterFor(ip).Allow()
}

// Middleware rejects requests over the per-client budget with 429.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.ClientIP(r)
			if !l.Allow(ip) {
				hlog.FromRequest(r).Warn().Str("client_ip", ip).Msg("rate limit exceeded")
				httperrors.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP resolves the caller address, honoring X-Forwarded-For and X-Real-IP
// only when the direct peer is a trusted proxy.
func (l *IPRateLimiter) ClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == nil {
		return r.RemoteAddr
	}

	if len(l.trustedProxies) > 0 && !l.isTrusted(remoteIP) {
		return remoteIP.String()
	}

	// Leftmost entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if parsed := net.ParseIP(strings.TrimSpace(xri)); parsed != nil {
			return parsed.String()
		}
	}
	return remoteIP.String()
}

func (l *IPRateLimiter) isTrusted(ip net.IP) bool {
	for _, ipnet := range l.trustedProxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
