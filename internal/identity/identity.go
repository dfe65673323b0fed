// Package identity maps API keys to principals and guards routes by role.
package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sundayezeilo/tokengate/internal/httpx"
)

// Role is the access level of a principal.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	SubjectID string
	Role      Role
}

type ctxKey int

const principalKey ctxKey = 0

// WithPrincipal injects p into ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// FailureLimiter throttles callers that keep failing authentication.
type FailureLimiter interface {
	Exhausted(key string) bool
	Penalize(key string)
}

// Store is a static in-memory key store: secret -> principal.
type Store struct {
	header   string
	bySecret map[string]Principal
	failures FailureLimiter
	logger   *slog.Logger
}

// StoreConfig holds configuration for the key store.
type StoreConfig struct {
	Header   string               // default: X-API-Key
	Keys     map[string]Principal // secret -> principal
	Failures FailureLimiter       // optional
	Logger   *slog.Logger
}

// NewStatic creates a Store from a fixed key set.
func NewStatic(cfg StoreConfig) *Store {
	header := cfg.Header
	if header == "" {
		header = "X-API-Key"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]Principal, len(cfg.Keys))
	for secret, p := range cfg.Keys {
		keys[secret] = p
	}

	return &Store{
		header:   header,
		bySecret: keys,
		failures: cfg.Failures,
		logger:   logger,
	}
}

// Lookup returns the principal bound to secret.
func (s *Store) Lookup(secret string) (Principal, bool) {
	p, ok := s.bySecret[secret]
	return p, ok
}

// Authenticate resolves the API key header into a Principal on the request
// context. Missing and unknown keys get 401; a client IP that failed too often
// gets 429 until its failure budget refills.
func (s *Store) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := httpx.ClientIP(r)

		if s.failures != nil && s.failures.Exhausted(ip) {
			s.logger.WarnContext(ctx, "authentication throttled",
				"request_id", httpx.GetRequestID(ctx),
				"client_ip", ip,
			)
			httpx.WriteError(w, http.StatusTooManyRequests, "too_many_requests",
				"Too many failed authentication attempts", nil)
			return
		}

		secret := strings.TrimSpace(r.Header.Get(s.header))
		if secret == "" {
			s.fail(ip)
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
			return
		}

		p, ok := s.Lookup(secret)
		if !ok {
			s.fail(ip)
			s.logger.WarnContext(ctx, "invalid api key",
				"request_id", httpx.GetRequestID(ctx),
				"client_ip", ip,
			)
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "Invalid token", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
	})
}

func (s *Store) fail(ip string) {
	if s.failures != nil {
		s.failures.Penalize(ip)
	}
}

// RequireRole rejects principals whose role is not role with 403 and message.
// Requests without a principal get 401.
func RequireRole(role Role, message string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
				return
			}
			if p.Role != role {
				httpx.WriteError(w, http.StatusForbidden, "forbidden", message, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
