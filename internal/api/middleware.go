package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bytefense/soar/internal/core"
)

// authMiddleware enforces authentication on every endpoint except /health.
// A caller presents either a configured API key (Authorization: Bearer <key>
// or X-API-Key) or an HS256 JWT signed with server.jwt_secret. With neither
// configured all requests are allowed; Start logs a warning.
func authMiddleware(next http.Handler, cfg *core.Config, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if !cfg.ValidateAPIKey(key) {
				logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
				writeError(w, http.StatusForbidden, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing authentication; provide Authorization: Bearer <key|jwt> or X-API-Key")
			return
		}
		if cfg.ValidateAPIKey(token) {
			next.ServeHTTP(w, r)
			return
		}
		if secret := cfg.Server.JWTSecret; secret != "" {
			err := verifyJWT(token, secret, cfg.Server.JWTIssuer)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !errors.Is(err, jwt.ErrTokenMalformed) {
				logger.Warn().Err(err).Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("rejected JWT")
				writeError(w, http.StatusForbidden, "invalid token")
				return
			}
		}
		logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
		writeError(w, http.StatusForbidden, "invalid API key")
	})
}

// verifyJWT accepts HS256 tokens with a valid expiry and, when configured,
// the expected issuer.
func verifyJWT(raw, secret, issuer string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	return err
}

// IssueToken signs an operator token for the API. Used by the CLI.
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      int
	stop     chan struct{}
	once     sync.Once
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPLimiter allows rps requests per second with a burst of twice that.
// rps <= 0 disables limiting.
func newIPLimiter(rps int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*clientLimiter),
		rps:      rps,
		stop:     make(chan struct{}),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.limiters[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.rps*2)}
		l.limiters[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// sweep drops limiters idle since before cutoff.
func (l *ipLimiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.limiters {
		if c.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *ipLimiter) startCleanup() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now().Add(-10 * time.Minute))
			case <-l.stop:
				return
			}
		}
	}()
}

func (l *ipLimiter) stopCleanup() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.rps <= 0 || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded; try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
