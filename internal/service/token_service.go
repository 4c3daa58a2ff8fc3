package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medigate/medigate/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TokenService is the revocation registry plus the per-user token metadata
// index. Revocation markers live exactly as long as the token they revoke
// would have; the metadata index makes revoke-all-for-user possible without
// scanning the keyspace.
type TokenService struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewTokenService(client *redis.Client, logger *logrus.Logger) *TokenService {
	return &TokenService{
		client: client,
		logger: logger,
	}
}

func revokedKey(jti string) string {
	return fmt.Sprintf("revoked_token:%s", jti)
}

func tokenMetaKey(userID, jti string) string {
	return fmt.Sprintf("token_meta:%s:%s", userID, jti)
}

func userTokensKey(userID string) string {
	return fmt.Sprintf("user_tokens:%s", userID)
}

// Record writes a token's metadata with a TTL matching the token's lifetime
// and adds its jti to the owner's index set.
func (s *TokenService) Record(ctx context.Context, meta models.TokenMetadata) error {
	ttl := time.Until(meta.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	dataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal token metadata: %w", err)
	}

	if err := s.client.Set(ctx, tokenMetaKey(meta.UserID, meta.JTI), dataJSON, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token metadata: %w", err)
	}

	setKey := userTokensKey(meta.UserID)
	if err := s.client.SAdd(ctx, setKey, meta.JTI).Err(); err != nil {
		return fmt.Errorf("failed to index token metadata: %w", err)
	}
	// The set must outlive its longest-lived member; never shorten its expiry
	// when a short-lived access token is recorded after a refresh token.
	if err := s.client.ExpireGT(ctx, setKey, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token index expiry: %w", err)
	}

	return nil
}

// Revoke inserts a revocation marker for jti that lives until expiresAt.
// Revoking an already-revoked or already-expired token is a no-op success.
func (s *TokenService) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	if err := s.client.Set(ctx, revokedKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	return nil
}

func (s *TokenService) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := s.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists > 0, nil
}

// RevokeAllForUser revokes every outstanding token recorded for the user,
// each with its own remaining lifetime. Index entries for tokens that have
// already expired are cleaned up and skipped. Returns the number of tokens
// revoked.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	setKey := userTokensKey(userID)

	jtis, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user tokens: %w", err)
	}

	revoked := 0
	for _, jti := range jtis {
		metaJSON, err := s.client.Get(ctx, tokenMetaKey(userID, jti)).Result()
		if err == redis.Nil {
			// Metadata expired with the token; drop the stale index member.
			s.client.SRem(ctx, setKey, jti)
			continue
		}
		if err != nil {
			return revoked, fmt.Errorf("failed to get token metadata: %w", err)
		}

		var meta models.TokenMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			s.logger.WithError(err).WithField("jti", jti).Warn("Skipping undecodable token metadata")
			continue
		}

		if time.Until(meta.ExpiresAt) <= 0 {
			s.client.Del(ctx, tokenMetaKey(userID, jti))
			s.client.SRem(ctx, setKey, jti)
			continue
		}

		if err := s.Revoke(ctx, jti, meta.ExpiresAt); err != nil {
			return revoked, err
		}
		revoked++
	}

	return revoked, nil
}
