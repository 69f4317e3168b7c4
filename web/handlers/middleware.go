package handlers

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/scrypster/memoir/internal/config"
)

// RequireAuth is middleware that enforces API token authentication in production mode.
// In development mode, all requests are allowed through.
func RequireAuth(next http.Handler, cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsProduction() {
			next.ServeHTTP(w, r)
			return
		}

		expectedToken := cfg.Security.APIToken
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if expectedToken == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="memoir"`)
			respondError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxTrackedClients bounds the per-client limiter cache.
const maxTrackedClients = 4096

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	clients *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter.
// reqPerSec is the sustained rate per client, burst is the bucket size.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients) // size is a positive constant
	return &RateLimiter{rps: rate.Limit(reqPerSec), burst: burst, clients: clients}
}

// Allow reports whether client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	limiter, ok := rl.clients.Get(client)
	if !ok {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		// Two first requests may race here; the loser's bucket is dropped.
		if prev, found, _ := rl.clients.PeekOrAdd(client, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

// RateLimitMiddleware enforces rate limiting on HTTP requests.
func RateLimitMiddleware(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by remote host.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
