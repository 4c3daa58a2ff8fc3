package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/medigate/medigate/internal/config"
	"github.com/medigate/medigate/internal/service"
	"github.com/sirupsen/logrus"
)

// HeaderTokenExpiringSoon signals the client that the access token's
// remaining lifetime is below the near-expiry threshold and should be
// refreshed proactively.
const HeaderTokenExpiringSoon = "X-Token-Expiring-Soon"

type AuthMiddleware struct {
	jwtService     *service.JWTService
	sessionService *service.SessionService
	sessionCfg     *config.SessionConfig
	logger         *logrus.Logger
}

func NewAuthMiddleware(
	jwtService *service.JWTService,
	sessionService *service.SessionService,
	sessionCfg *config.SessionConfig,
	logger *logrus.Logger,
) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService:     jwtService,
		sessionService: sessionService,
		sessionCfg:     sessionCfg,
		logger:         logger,
	}
}

// RequireAuth gates the request on a valid bearer access token. The session
// layer runs alongside it and is non-fatal: token verification alone is the
// authorization boundary, sessions are convenience/audit state.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, http.StatusUnauthorized, "MISSING_TOKEN", "Missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, http.StatusUnauthorized, "INVALID_FORMAT", "Invalid authorization header format")
			return
		}

		claims, err := m.jwtService.Verify(parts[1])
		if err != nil {
			m.logger.WithError(err).Debug("Token verification failed")
			if errors.Is(err, service.ErrTokenExpired) {
				m.respondError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token has expired")
				return
			}
			m.respondError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token")
			return
		}

		if claims.Type != service.TokenTypeAccess {
			m.respondError(w, http.StatusUnauthorized, "INVALID_TOKEN_TYPE", "Access token required")
			return
		}

		if m.jwtService.ExpiringSoon(claims) {
			w.Header().Set(HeaderTokenExpiringSoon, "true")
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		ctx = m.attachSession(ctx, w, r, claims)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// attachSession validates the cookie session or creates one for a session-
// less authenticated request. Any session-store failure degrades to "no
// session" rather than failing the request.
func (m *AuthMiddleware) attachSession(ctx context.Context, w http.ResponseWriter, r *http.Request, claims *service.Claims) context.Context {
	ip := ClientIP(r)
	userAgent := r.UserAgent()

	if cookie, err := r.Cookie(m.sessionCfg.CookieName); err == nil && cookie.Value != "" {
		session, err := m.sessionService.Validate(ctx, cookie.Value, ip, userAgent)
		if err == nil {
			return context.WithValue(ctx, sessionContextKey, session)
		}
		if errors.Is(err, service.ErrSessionNotFound) {
			// Stale cookie: clear it and fall through to create a fresh
			// session below.
			m.clearSessionCookie(w)
		} else {
			m.logger.WithError(err).Warn("Session validation failed, continuing without session")
			return ctx
		}
	}

	session, err := m.sessionService.Create(ctx, claims.Identity(), ip, userAgent)
	if err != nil {
		m.logger.WithError(err).Warn("Session creation failed, continuing without session")
		return ctx
	}

	m.setSessionCookie(w, session.SessionID)
	return context.WithValue(ctx, sessionContextKey, session)
}

// RequireRole builds on RequireAuth: the verified claims must carry one of
// the given roles.
func (m *AuthMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				m.respondError(w, http.StatusUnauthorized, "MISSING_TOKEN", "Missing authorization")
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			m.respondError(w, http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "Insufficient permissions")
		})
	}
}

func (m *AuthMiddleware) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.sessionCfg.CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(m.sessionCfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   m.sessionCfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *AuthMiddleware) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.sessionCfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.sessionCfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": message,
		"code":    code,
	})
}

// ClientIP returns the originating client address, preferring the first
// X-Forwarded-For entry over the connection's remote address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
