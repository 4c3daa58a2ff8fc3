package models

// Identity is the verified user identity carried by token claims and
// injected into downstream requests.
type Identity struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}
