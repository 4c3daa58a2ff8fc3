package models

import "time"

// Session is the per-device session document stored in Redis. It is a
// convenience/audit layer on top of token auth, not the authorization
// boundary.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
}

// SessionInfo is the client-facing view of a session. The owning user ID is
// deliberately absent.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	Current      bool      `json:"current"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		SessionID:    s.SessionID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		IPAddress:    s.IPAddress,
		UserAgent:    s.UserAgent,
	}
}
