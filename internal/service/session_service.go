package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/medigate/medigate/internal/config"
	"github.com/medigate/medigate/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionService stores per-device session documents in Redis with a sliding
// TTL and keeps a per-user index set so the session cap can be enforced.
type SessionService struct {
	client     *redis.Client
	ttl        time.Duration
	maxPerUser int
	logger     *logrus.Logger
}

func NewSessionService(client *redis.Client, cfg *config.SessionConfig, logger *logrus.Logger) *SessionService {
	return &SessionService{
		client:     client,
		ttl:        cfg.TTL,
		maxPerUser: cfg.MaxPerUser,
		logger:     logger,
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func userSessionsKey(userID string) string {
	return fmt.Sprintf("user_sessions:%s", userID)
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create writes a new session for the identity and enforces the per-user cap.
func (s *SessionService) Create(ctx context.Context, identity models.Identity, ipAddress, userAgent string) (*models.Session, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &models.Session{
		SessionID:    sessionID,
		UserID:       identity.UserID,
		Role:         identity.Role,
		Email:        identity.Email,
		FirstName:    identity.FirstName,
		LastName:     identity.LastName,
		CreatedAt:    now,
		LastActivity: now,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
	}

	if err := s.write(ctx, session); err != nil {
		return nil, err
	}

	setKey := userSessionsKey(identity.UserID)
	if err := s.client.SAdd(ctx, setKey, sessionID).Err(); err != nil {
		return nil, fmt.Errorf("failed to index session: %w", err)
	}
	if err := s.client.Expire(ctx, setKey, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to set session index expiry: %w", err)
	}

	if err := s.EnforceMaxSessions(ctx, identity.UserID); err != nil {
		s.logger.WithError(err).WithField("user_id", identity.UserID).Warn("Failed to enforce session cap")
	}

	return session, nil
}

// Validate fetches the session, updates its activity metadata and slides the
// TTL. Returns ErrSessionNotFound for absent or expired sessions.
func (s *SessionService) Validate(ctx context.Context, sessionID, ipAddress, userAgent string) (*models.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.LastActivity = time.Now()
	session.IPAddress = ipAddress
	session.UserAgent = userAgent

	if err := s.write(ctx, session); err != nil {
		return nil, err
	}
	if err := s.client.Expire(ctx, userSessionsKey(session.UserID), s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to refresh session index expiry: %w", err)
	}

	return session, nil
}

// Get fetches a session document without touching its activity or TTL.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	dataJSON, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(dataJSON), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// EnforceMaxSessions deletes the user's least-recently-active sessions until
// at most the configured cap remains. Ordering is by last activity, not
// creation time: a long-lived but busy session outlives a newer idle one.
// Read-then-write, so concurrent logins can transiently overshoot the cap by
// one; the next call corrects it.
func (s *SessionService) EnforceMaxSessions(ctx context.Context, userID string) error {
	sessions, err := s.listUser(ctx, userID)
	if err != nil {
		return err
	}

	if len(sessions) <= s.maxPerUser {
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.Before(sessions[j].LastActivity)
	})

	for _, victim := range sessions[:len(sessions)-s.maxPerUser] {
		if err := s.remove(ctx, victim.UserID, victim.SessionID); err != nil {
			return err
		}
	}

	return nil
}

// Terminate removes a single session document and its index membership.
// Terminating an absent session returns ErrSessionNotFound.
func (s *SessionService) Terminate(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.remove(ctx, session.UserID, session.SessionID)
}

// TerminateAll removes every session of the user. Returns the number of
// sessions removed.
func (s *SessionService) TerminateAll(ctx context.Context, userID string) (int, error) {
	setKey := userSessionsKey(userID)

	sessionIDs, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}

	removed := 0
	for _, sessionID := range sessionIDs {
		deleted, err := s.client.Del(ctx, sessionKey(sessionID)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to delete session: %w", err)
		}
		removed += int(deleted)
	}

	if err := s.client.Del(ctx, setKey).Err(); err != nil {
		return removed, fmt.Errorf("failed to delete session index: %w", err)
	}

	return removed, nil
}

// List returns the user's sessions, most recently active first.
func (s *SessionService) List(ctx context.Context, userID string) ([]models.Session, error) {
	sessions, err := s.listUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})

	return sessions, nil
}

func (s *SessionService) write(ctx context.Context, session *models.Session) error {
	dataJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, sessionKey(session.SessionID), dataJSON, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	return nil
}

func (s *SessionService) listUser(ctx context.Context, userID string) ([]models.Session, error) {
	setKey := userSessionsKey(userID)

	sessionIDs, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		session, err := s.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			// Document expired under the index; drop the stale member.
			s.client.SRem(ctx, setKey, sessionID)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	return sessions, nil
}

func (s *SessionService) remove(ctx context.Context, userID, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := s.client.SRem(ctx, userSessionsKey(userID), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to remove session from index: %w", err)
	}
	return nil
}
