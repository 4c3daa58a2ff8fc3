package models

import "time"

const (
	AuditTokenRefreshed        = "token_refreshed"
	AuditLogout                = "logout"
	AuditSessionTerminated     = "session_terminated"
	AuditAllSessionsTerminated = "all_sessions_terminated"
	AuditUserTokensRevoked     = "user_tokens_revoked"
)

type AuthEvent struct {
	UserID    string    `json:"user_id" dynamodbav:"user_id"`
	Action    string    `json:"action" dynamodbav:"action"`
	JTI       string    `json:"jti,omitempty" dynamodbav:"jti,omitempty"`
	SessionID string    `json:"session_id,omitempty" dynamodbav:"session_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty" dynamodbav:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}
