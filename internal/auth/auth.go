// Package auth resolves caller identity. Sessions belong to the
// external auth system; this package only reads its session and user
// tables to answer "who is making this request". Bearer credentials
// minted by this server (device tokens, API keys) are resolved
// elsewhere and mapped to users through the same Directory.
package auth

import "context"

// SessionCookieName is the cookie the external auth system sets on
// browser sessions.
const SessionCookieName = "better-auth.session_token"

// User is an authenticated caller.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Plan          string `json:"plan"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}

// SessionValidator checks a browser session token against the external
// auth system. Invalid and expired sessions both return (nil, nil).
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*User, error)
}

// Directory looks up users by id, for callers authenticated by a bearer
// credential rather than a session.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
}
