package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/medigate/medigate/internal/config"
	"github.com/medigate/medigate/internal/models"
	"github.com/medigate/medigate/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	middleware *AuthMiddleware
	jwtService *service.JWTService
	sessions   *service.SessionService
	mr         *miniredis.Miniredis
	client     *redis.Client
	sessionCfg *config.SessionConfig
}

func newTestEnv(t *testing.T, jwtCfg config.JWTConfig) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if jwtCfg.SecretKey == "" {
		jwtCfg.SecretKey = testSecret
	}
	if jwtCfg.AccessExpiry == 0 {
		jwtCfg.AccessExpiry = time.Hour
	}
	if jwtCfg.RefreshExpiry == 0 {
		jwtCfg.RefreshExpiry = 7 * 24 * time.Hour
	}
	if jwtCfg.NearExpiryThreshold == 0 {
		jwtCfg.NearExpiryThreshold = 30 * time.Minute
	}

	tokens := service.NewTokenService(client, logger)
	jwtService, err := service.NewJWTService(&jwtCfg, tokens, logger)
	require.NoError(t, err)

	sessionCfg := &config.SessionConfig{
		TTL:          time.Hour,
		MaxPerUser:   5,
		CookieName:   "test_session",
		CookieSecure: false,
	}
	sessions := service.NewSessionService(client, sessionCfg, logger)

	return &testEnv{
		middleware: NewAuthMiddleware(jwtService, sessions, sessionCfg, logger),
		jwtService: jwtService,
		sessions:   sessions,
		mr:         mr,
		client:     client,
		sessionCfg: sessionCfg,
	}
}

func (e *testEnv) accessToken(t *testing.T) string {
	t.Helper()
	token, _, err := e.jwtService.IssueAccessToken(context.Background(), models.Identity{
		UserID: "user-1",
		Role:   "PATIENT",
		Email:  "pat@example.com",
	})
	require.NoError(t, err)
	return token
}

func errorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var envelope map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthMissingHeader(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	env.middleware.RequireAuth(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	envelope := errorEnvelope(t, rec)
	assert.Equal(t, "MISSING_TOKEN", envelope["code"])
	assert.Equal(t, "error", envelope["status"])
}

func TestRequireAuthMalformedHeader(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})

	for _, header := range []string{"Token abc", "Bearer", "Bearer a b", "bearer abc"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/users/me", nil)
		req.Header.Set("Authorization", header)
		env.middleware.RequireAuth(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Equal(t, "INVALID_FORMAT", errorEnvelope(t, rec)["code"], header)
	}
}

func TestRequireAuthInvalidToken(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	env.middleware.RequireAuth(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", errorEnvelope(t, rec)["code"])
}

func TestRequireAuthExpiredToken(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{AccessExpiry: -time.Minute})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+env.accessToken(t))
	env.middleware.RequireAuth(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_EXPIRED", errorEnvelope(t, rec)["code"])
}

func TestRequireAuthRejectsRefreshToken(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})

	refreshToken, _, err := env.jwtService.IssueRefreshToken(context.Background(), models.Identity{UserID: "user-1"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+refreshToken)
	env.middleware.RequireAuth(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN_TYPE", errorEnvelope(t, rec)["code"])
}

func TestRequireAuthAttachesClaimsAndCreatesSession(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})

	var gotClaims *service.Claims
	var gotSession *models.Session
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		gotSession = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+env.accessToken(t))
	env.middleware.RequireAuth(inner).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "user-1", gotClaims.UserID)
	require.NotNil(t, gotSession)

	var sessionCookie *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == env.sessionCfg.CookieName {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	assert.Equal(t, gotSession.SessionID, sessionCookie.Value)
	assert.True(t, sessionCookie.HttpOnly)
}

func TestRequireAuthReusesExistingSession(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})
	token := env.accessToken(t)

	var firstSession *models.Session
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstSession = SessionFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	env.middleware.RequireAuth(inner).ServeHTTP(rec, req)
	require.NotNil(t, firstSession)

	var secondSession *models.Session
	inner2 := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondSession = SessionFromContext(r.Context())
	})

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/api/users/me", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	req2.AddCookie(&http.Cookie{Name: env.sessionCfg.CookieName, Value: firstSession.SessionID})
	env.middleware.RequireAuth(inner2).ServeHTTP(rec2, req2)

	require.NotNil(t, secondSession)
	assert.Equal(t, firstSession.SessionID, secondSession.SessionID)

	sessions, err := env.sessions.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRequireAuthSessionFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})
	token := env.accessToken(t)

	// Session backend down: the request must still succeed, token auth is
	// the authorization boundary.
	env.mr.Close()

	var gotSession *models.Session
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	env.middleware.RequireAuth(inner).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gotSession)
}

func TestNearExpirySignal(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{
		AccessExpiry:        10 * time.Minute,
		NearExpiryThreshold: 30 * time.Minute,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+env.accessToken(t))
	env.middleware.RequireAuth(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderTokenExpiringSoon))
}

func TestNoNearExpirySignalForFreshToken(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{
		AccessExpiry:        2 * time.Hour,
		NearExpiryThreshold: 30 * time.Minute,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+env.accessToken(t))
	env.middleware.RequireAuth(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderTokenExpiringSoon))
}

func TestRequireRole(t *testing.T) {
	env := newTestEnv(t, config.JWTConfig{})

	handler := env.middleware.RequireAuth(
		env.middleware.RequireRole("DOCTOR", "ADMIN")(okHandler()),
	)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/records/1", nil)
	req.Header.Set("Authorization", "Bearer "+env.accessToken(t))
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", errorEnvelope(t, rec)["code"])

	doctorToken, _, err := env.jwtService.IssueAccessToken(context.Background(), models.Identity{
		UserID: "doc-1",
		Role:   "DOCTOR",
	})
	require.NoError(t, err)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/api/records/1", nil)
	req2.Header.Set("Authorization", "Bearer "+doctorToken)
	handler.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:54321"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}
