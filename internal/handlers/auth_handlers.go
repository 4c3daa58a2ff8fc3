package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/medigate/medigate/internal/audit"
	"github.com/medigate/medigate/internal/config"
	"github.com/medigate/medigate/internal/middleware"
	"github.com/medigate/medigate/internal/models"
	"github.com/medigate/medigate/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	jwtService     *service.JWTService
	tokenService   *service.TokenService
	sessionService *service.SessionService
	auditor        audit.Recorder
	jwtCfg         *config.JWTConfig
	sessionCfg     *config.SessionConfig
	logger         *logrus.Logger
}

func NewAuthHandlers(
	jwtService *service.JWTService,
	tokenService *service.TokenService,
	sessionService *service.SessionService,
	auditor audit.Recorder,
	jwtCfg *config.JWTConfig,
	sessionCfg *config.SessionConfig,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		jwtService:     jwtService,
		tokenService:   tokenService,
		sessionService: sessionService,
		auditor:        auditor,
		jwtCfg:         jwtCfg,
		sessionCfg:     sessionCfg,
		logger:         logger,
	}
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type LogoutRequest struct {
	RefreshToken         string `json:"refresh_token"`
	TerminateAllSessions bool   `json:"terminate_all_sessions"`
}

type SessionsResponse struct {
	Sessions []models.SessionInfo `json:"sessions"`
}

// RefreshToken exchanges a valid, non-revoked refresh token for a new access
// token, optionally rotating the refresh token itself.
func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	json.NewDecoder(r.Body).Decode(&req)

	refreshToken := req.RefreshToken
	if refreshToken == "" {
		if cookie, err := r.Cookie(h.sessionCfg.RefreshCookie); err == nil {
			refreshToken = cookie.Value
		}
	}
	if refreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "REFRESH_TOKEN_REQUIRED", "Refresh token is required")
		return
	}

	claims, err := h.jwtService.Verify(refreshToken)
	if err != nil {
		if errors.Is(err, service.ErrTokenExpired) {
			h.respondWithError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Refresh token has expired")
			return
		}
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
		return
	}

	if claims.Type != service.TokenTypeRefresh {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN_TYPE", "Token is not a refresh token")
		return
	}

	revoked, err := h.tokenService.IsRevoked(r.Context(), claims.JTI)
	if err != nil {
		h.logger.WithError(err).Error("Failed to check token revocation")
		h.respondWithError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Authentication backend is unavailable")
		return
	}
	if revoked {
		h.respondWithError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "Refresh token has been revoked")
		return
	}

	accessToken, _, err := h.jwtService.IssueAccessToken(r.Context(), claims.Identity())
	if err != nil {
		h.logger.WithError(err).Error("Failed to issue access token")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return
	}

	resp := RefreshTokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.jwtCfg.AccessExpiry.Seconds()),
	}

	if h.jwtCfg.RotateRefreshTokens {
		// The old refresh token is not revoked here; it expires naturally
		// unless a logout revokes it.
		newRefreshToken, _, err := h.jwtService.IssueRefreshToken(r.Context(), claims.Identity())
		if err != nil {
			h.logger.WithError(err).Error("Failed to issue refresh token")
			h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
			return
		}
		resp.RefreshToken = newRefreshToken
		h.setRefreshCookie(w, newRefreshToken)
	}

	h.auditor.Record(r.Context(), models.AuthEvent{
		UserID:    claims.UserID,
		Action:    models.AuditTokenRefreshed,
		JTI:       claims.JTI,
		IPAddress: middleware.ClientIP(r),
	})

	h.respondWithJSON(w, http.StatusOK, resp)
}

// Logout revokes the presented tokens and terminates the current session, or
// every session and outstanding token when terminate_all_sessions is set.
// Repeating a logout is a no-op success.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		h.respondWithError(w, http.StatusUnauthorized, "MISSING_TOKEN", "Missing authorization")
		return
	}

	var req LogoutRequest
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.tokenService.Revoke(r.Context(), claims.JTI, expiryOf(claims)); err != nil {
		h.logger.WithError(err).Warn("Failed to revoke access token")
	}

	refreshToken := req.RefreshToken
	if refreshToken == "" {
		if cookie, err := r.Cookie(h.sessionCfg.RefreshCookie); err == nil {
			refreshToken = cookie.Value
		}
	}
	if refreshToken != "" {
		if refreshClaims, err := h.jwtService.Verify(refreshToken); err == nil && refreshClaims.Type == service.TokenTypeRefresh {
			if err := h.tokenService.Revoke(r.Context(), refreshClaims.JTI, expiryOf(refreshClaims)); err != nil {
				h.logger.WithError(err).Warn("Failed to revoke refresh token")
			}
		}
	}

	if req.TerminateAllSessions {
		if _, err := h.tokenService.RevokeAllForUser(r.Context(), claims.UserID); err != nil {
			h.logger.WithError(err).Warn("Failed to revoke all user tokens")
		}
		if _, err := h.sessionService.TerminateAll(r.Context(), claims.UserID); err != nil {
			h.logger.WithError(err).Warn("Failed to terminate all user sessions")
		}
		h.auditor.Record(r.Context(), models.AuthEvent{
			UserID:    claims.UserID,
			Action:    models.AuditAllSessionsTerminated,
			IPAddress: middleware.ClientIP(r),
		})
	} else if session := middleware.SessionFromContext(r.Context()); session != nil {
		err := h.sessionService.Terminate(r.Context(), session.SessionID)
		if err != nil && !errors.Is(err, service.ErrSessionNotFound) {
			h.logger.WithError(err).Warn("Failed to terminate session")
		}
	}

	h.clearCookie(w, h.sessionCfg.CookieName)
	h.clearCookie(w, h.sessionCfg.RefreshCookie)

	h.auditor.Record(r.Context(), models.AuthEvent{
		UserID:    claims.UserID,
		Action:    models.AuditLogout,
		JTI:       claims.JTI,
		IPAddress: middleware.ClientIP(r),
	})

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// ListSessions returns the caller's active sessions, newest activity first.
// Session documents are redacted: the owning user ID never leaves the
// gateway.
func (h *AuthHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		h.respondWithError(w, http.StatusUnauthorized, "MISSING_TOKEN", "Missing authorization")
		return
	}

	sessions, err := h.sessionService.List(r.Context(), claims.UserID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list sessions")
		h.respondWithError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Session backend is unavailable")
		return
	}

	current := middleware.SessionFromContext(r.Context())

	infos := make([]models.SessionInfo, 0, len(sessions))
	for i := range sessions {
		info := sessions[i].Info()
		if current != nil && current.SessionID == info.SessionID {
			info.Current = true
		}
		infos = append(infos, info)
	}

	h.respondWithJSON(w, http.StatusOK, SessionsResponse{Sessions: infos})
}

// TerminateSession removes one of the caller's own sessions.
func (h *AuthHandlers) TerminateSession(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		h.respondWithError(w, http.StatusUnauthorized, "MISSING_TOKEN", "Missing authorization")
		return
	}

	sessionID := mux.Vars(r)["sessionId"]

	session, err := h.sessionService.Get(r.Context(), sessionID)
	if errors.Is(err, service.ErrSessionNotFound) {
		h.respondWithError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get session")
		h.respondWithError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Session backend is unavailable")
		return
	}

	if session.UserID != claims.UserID {
		h.respondWithError(w, http.StatusForbidden, "ACCESS_DENIED", "Session belongs to another user")
		return
	}

	if err := h.sessionService.Terminate(r.Context(), sessionID); err != nil && !errors.Is(err, service.ErrSessionNotFound) {
		h.logger.WithError(err).Error("Failed to terminate session")
		h.respondWithError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Session backend is unavailable")
		return
	}

	h.auditor.Record(r.Context(), models.AuthEvent{
		UserID:    claims.UserID,
		Action:    models.AuditSessionTerminated,
		SessionID: sessionID,
		IPAddress: middleware.ClientIP(r),
	})

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Session terminated",
	})
}

func expiryOf(claims *service.Claims) time.Time {
	if claims.ExpiresAt == nil {
		return time.Now()
	}
	return claims.ExpiresAt.Time
}

func (h *AuthHandlers) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCfg.RefreshCookie,
		Value:    token,
		Path:     "/api/auth",
		MaxAge:   int(h.jwtCfg.RefreshExpiry.Seconds()),
		HttpOnly: true,
		Secure:   h.sessionCfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandlers) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.sessionCfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
		"code":    code,
	})
}
