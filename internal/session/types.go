// Package session implements the persistent, LRU-cached session manager and
// its backing user table, keyed by the user's immutable user_id.
package session

import "time"

// CookieName is the HTTP cookie both the login/register handlers and the
// WebSocket upgrade handler use to carry the session token.
const CookieName = "session_id"

// User is the persisted account record. UserID is assigned once at
// registration and never reused; Username is unique but mutable.
type User struct {
	UserID       int64
	Username     string
	PasswordHash string
	Salt         string
	Elo          int
	Wins         int
	Draws        int
	Losses       int
	JoinDate     time.Time
	LastGame     *time.Time
}

// Session is a live login. SessionID is a 256-bit CSPRNG hex token; Username
// is cached at creation/rename time so readers avoid a join against users.
type Session struct {
	SessionID  string
	UserID     int64
	Username   string
	IP         string
	CreatedAt  time.Time
	LastActive time.Time
}

// Expired reports whether the session is stale relative to now, given the
// configured timeout.
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActive) > timeout
}
