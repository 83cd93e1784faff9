package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

const (
	purposeSession = "session"
	sessionLabel   = "session"
)

type sessionClaims struct {
	jwt.RegisteredClaims
	Purpose  string `json:"purpose"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// SessionCodec signs and parses session bearer tokens. Its key is derived
// from the shared secret under its own label, and every token carries
// purpose "session", so intake tokens never parse as sessions.
type SessionCodec struct {
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

// NewSessionCodec builds a codec from the shared secret.
func NewSessionCodec(secret string, now func() time.Time) (*SessionCodec, error) {
	key, err := utilities.DeriveKey(secret, sessionLabel)
	if err != nil {
		return nil, fmt.Errorf("session codec: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &SessionCodec{
		key: key,
		now: now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
	}, nil
}

// Issue signs s for ttl.
func (c *SessionCodec) Issue(s Session, ttl time.Duration) (string, error) {
	if s.ActorID == "" || s.TenantID == "" {
		return "", errors.New("session requires actor and tenant")
	}
	if _, err := ParseRole(string(s.Role)); err != nil {
		return "", err
	}
	now := c.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose:  purposeSession,
		TenantID: s.TenantID,
		Role:     string(s.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// Parse verifies token and returns its session.
func (c *SessionCodec) Parse(token string) (*Session, error) {
	var claims sessionClaims
	if _, err := c.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return c.key, nil }); err != nil {
		return nil, ErrUnauthorized
	}
	if claims.Purpose != purposeSession || claims.Subject == "" || claims.TenantID == "" {
		return nil, ErrUnauthorized
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &Session{ActorID: claims.Subject, TenantID: claims.TenantID, Role: role}, nil
}

type ctxKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request session, or nil for anonymous requests.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// Middleware requires a valid bearer session on every request it wraps.
func (c *SessionCodec) Middleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
				utilities.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session required")
				return
			}
			s, err := c.Parse(strings.TrimSpace(auth[7:]))
			if err != nil {
				logger.Debugw("session rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				utilities.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid session")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}
