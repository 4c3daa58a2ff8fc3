package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/medigate/medigate/internal/config"
	"github.com/medigate/medigate/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidTokenType = errors.New("invalid token type")
	ErrTokenRevoked     = errors.New("token revoked")
)

// JWTService mints and verifies access and refresh tokens. Verification runs
// against a single configured secret with HS256 as the only accepted signing
// method; there is no fallback path.
type JWTService struct {
	secretKey           []byte
	accessExpiry        time.Duration
	refreshExpiry       time.Duration
	nearExpiryThreshold time.Duration
	tokens              *TokenService
	logger              *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, tokens *TokenService, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &JWTService{
		secretKey:           secretKey,
		accessExpiry:        cfg.AccessExpiry,
		refreshExpiry:       cfg.RefreshExpiry,
		nearExpiryThreshold: cfg.NearExpiryThreshold,
		tokens:              tokens,
		logger:              logger,
	}, nil
}

type Claims struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Type      string `json:"type"`
	JTI       string `json:"jti"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() models.Identity {
	return models.Identity{
		UserID:    c.UserID,
		Role:      c.Role,
		Email:     c.Email,
		FirstName: c.FirstName,
		LastName:  c.LastName,
	}
}

// ExpiringSoon reports whether the token's remaining lifetime is below the
// configured near-expiry threshold.
func (s *JWTService) ExpiringSoon(claims *Claims) bool {
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < s.nearExpiryThreshold
}

func (s *JWTService) IssueAccessToken(ctx context.Context, identity models.Identity) (string, *Claims, error) {
	return s.issueToken(ctx, identity, TokenTypeAccess, s.accessExpiry)
}

func (s *JWTService) IssueRefreshToken(ctx context.Context, identity models.Identity) (string, *Claims, error) {
	return s.issueToken(ctx, identity, TokenTypeRefresh, s.refreshExpiry)
}

// IssuePair mints a matched access/refresh token pair for the same identity.
func (s *JWTService) IssuePair(ctx context.Context, identity models.Identity) (*models.TokenPair, error) {
	accessToken, _, err := s.IssueAccessToken(ctx, identity)
	if err != nil {
		return nil, err
	}

	refreshToken, _, err := s.IssueRefreshToken(ctx, identity)
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
	}, nil
}

func (s *JWTService) issueToken(ctx context.Context, identity models.Identity, tokenType string, expiry time.Duration) (string, *Claims, error) {
	now := time.Now()
	jti := uuid.New().String()

	claims := &Claims{
		UserID:    identity.UserID,
		Role:      identity.Role,
		Email:     identity.Email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Type:      tokenType,
		JTI:       jti,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign token")
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	// Metadata is best effort: a failed write only means the token cannot be
	// targeted by revoke-all before it expires.
	meta := models.TokenMetadata{
		JTI:       jti,
		UserID:    identity.UserID,
		Role:      identity.Role,
		TokenType: tokenType,
		IssuedAt:  now,
		ExpiresAt: now.Add(expiry),
	}
	if err := s.tokens.Record(ctx, meta); err != nil {
		s.logger.WithError(err).Warn("Failed to record token metadata")
	}

	return tokenString, claims, nil
}

func (s *JWTService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
