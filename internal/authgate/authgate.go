// Package authgate caches the authenticated user id and gates sync cycles
// on revalidation after an offline period, per spec.md §4.7. It decodes
// the backend-issued session token's claims the way NexusCRM's
// DecodeToken does — golang-jwt/jwt/v5's ParseUnverified, with no
// signature check, since the client never holds the backend's signing
// key — to track token expiry locally between the network round trips
// that remain the actual authority over the session.
package authgate

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/remote"
)

// revalidationInterval bounds how long a cached userId may be trusted
// without a network round trip, per spec.md §3 AuthCache.
const revalidationInterval = time.Hour

// Claims mirrors the session payload issued by the backend, following
// NexusCRM's Claims{User, RegisteredClaims} shape generalized to this
// domain's single userId.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// parseAccessToken decodes claims from a backend-issued session token
// without verifying its signature. Fields read from it are advisory: the
// network round trips (RefreshSession/ValidateUser) remain the source of
// truth for whether a session is actually valid.
func parseAccessToken(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Gate tracks wasOffline/validated state and the cached userId, and
// performs revalidation against a remote.Adapter.
type Gate struct {
	mu     sync.Mutex
	logger *logrus.Logger
	adapter remote.Adapter

	wasOffline           bool
	validated            bool
	cachedUserID         string
	sessionExpiresAt     time.Time
	lastUserValidationAt time.Time
}

// New returns a Gate backed by adapter for session refresh/validation.
func New(adapter remote.Adapter, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{adapter: adapter, logger: logger}
}

// NeedsValidation is true iff the device was offline and has not yet
// revalidated since coming back.
func (g *Gate) NeedsValidation() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wasOffline && !g.validated
}

// GetUserID returns the cached userId if a session exists, is not
// expired, and the cache age is under the revalidation interval. Otherwise
// it refreshes an expired session, then network-validates, updating the
// cache on success and invalidating it on failure.
func (g *Gate) GetUserID(ctx context.Context) string {
	g.mu.Lock()
	cachedUserID := g.cachedUserID
	sessionExpired := !g.sessionExpiresAt.IsZero() && time.Now().After(g.sessionExpiresAt)
	cacheFresh := cachedUserID != "" && !sessionExpired && time.Since(g.lastUserValidationAt) < revalidationInterval
	g.mu.Unlock()

	if cacheFresh {
		return cachedUserID
	}

	if sessionExpired {
		session, err := g.adapter.RefreshSession(ctx)
		if err != nil || session == nil {
			g.invalidate()
			return ""
		}
		g.mu.Lock()
		g.sessionExpiresAt = tokenExpiry(session)
		g.mu.Unlock()
	}

	userID, err := g.adapter.ValidateUser(ctx)
	if err != nil || userID == "" {
		g.logger.WithError(err).Warn("session validation failed")
		g.invalidate()
		return ""
	}

	var expiresAt time.Time
	if session, err := g.adapter.Session(ctx); err == nil && session != nil {
		expiresAt = tokenExpiry(session)
	}

	g.mu.Lock()
	g.cachedUserID = userID
	g.sessionExpiresAt = expiresAt
	g.lastUserValidationAt = time.Now()
	g.validated = true
	g.mu.Unlock()
	return userID
}

// tokenExpiry prefers the access token's own exp claim over the session's
// server-reported ExpiresAt when the two disagree, so a token the backend
// issued with a shorter lifetime than the session record still forces a
// timely revalidation.
func tokenExpiry(session *remote.Session) time.Time {
	expiresAt := session.ExpiresAt
	if session.AccessToken == "" {
		return expiresAt
	}
	claims, err := parseAccessToken(session.AccessToken)
	if err != nil || claims.ExpiresAt == nil {
		return expiresAt
	}
	if expiresAt.IsZero() || claims.ExpiresAt.Time.Before(expiresAt) {
		return claims.ExpiresAt.Time
	}
	return expiresAt
}

func (g *Gate) invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cachedUserID = ""
	g.sessionExpiresAt = time.Time{}
}

// MarkOffline is called by NetworkMonitor on a disconnect transition.
func (g *Gate) MarkOffline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wasOffline = true
	g.validated = false
}

// MarkValidated is called by NetworkMonitor after a successful
// post-reconnect credential check.
func (g *Gate) MarkValidated() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validated = true
}

// Reset clears every cached field on logout or a local-store wipe.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wasOffline = false
	g.validated = false
	g.cachedUserID = ""
	g.sessionExpiresAt = time.Time{}
	g.lastUserValidationAt = time.Time{}
}
