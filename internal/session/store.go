package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chessd/backend/internal/security"
)

// Store is the persistent, LRU-cached session manager: every mutation goes
// to the backing SQL table first and only then invalidates the caches that
// sit in front of single-session lookups and per-user session-id lists. The
// store never panics or throws into callers; every database failure
// surfaces as a returned error.
type Store struct {
	db      *sql.DB
	driver  string
	timeout time.Duration

	bySessionID *boundedCache[string, Session]
	byUserID    *boundedCache[int64, []string]
}

// NewStore wraps an open *sql.DB for session operations. sessionCacheCap and
// userSessionsCap are the LRU capacities for the two caches (defaults 1000
// and 250 respectively); timeout is the session inactivity limit used by
// Get and CleanupExpired.
func NewStore(dbConn *sql.DB, driver string, sessionCacheCap, userSessionsCap int, timeout time.Duration) *Store {
	return &Store{
		db:          dbConn,
		driver:      driver,
		timeout:     timeout,
		bySessionID: newBoundedCache[string, Session](sessionCacheCap),
		byUserID:    newBoundedCache[int64, []string](userSessionsCap),
	}
}

func (s *Store) placeholder(n int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Create mints a 256-bit random session token, inserts the row, and
// invalidates the user's cached session-id list.
func (s *Store) Create(ctx context.Context, userID int64, username, ip string) (string, error) {
	token, err := security.NewSessionToken()
	if err != nil {
		return "", fmt.Errorf("session: minting token: %w", err)
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(
		`INSERT INTO sessions (session_id, user_id, username, ip, created_at, last_active)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	if _, err := s.db.ExecContext(ctx, query, token, userID, username, ip, now, now); err != nil {
		return "", fmt.Errorf("session: inserting session: %w", err)
	}
	s.byUserID.Delete(userID)
	return token, nil
}

// Get fetches a session by token, cache-first. An expired cached or
// persisted row is deleted and reported as a miss, per the invariant that
// get(S) returns a record iff now - S.last_active <= timeout.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	now := time.Now().UTC()

	if cached, ok := s.bySessionID.Get(sessionID); ok {
		if cached.Expired(now, s.timeout) {
			_, _ = s.Delete(ctx, sessionID)
			return nil, nil
		}
		return &cached, nil
	}

	query := fmt.Sprintf(
		`SELECT session_id, user_id, username, ip, created_at, last_active FROM sessions WHERE session_id = %s`,
		s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess Session
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Username, &sess.IP, &sess.CreatedAt, &sess.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: scanning session: %w", err)
	}

	if sess.Expired(now, s.timeout) {
		_, _ = s.Delete(ctx, sessionID)
		return nil, nil
	}

	s.bySessionID.Put(sessionID, sess)
	return &sess, nil
}

// Touch bumps last_active to now. Returns true iff a row was updated, and
// invalidates the session cache entry iff it was.
func (s *Store) Touch(ctx context.Context, sessionID string) (bool, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE sessions SET last_active = %s WHERE session_id = %s`,
		s.placeholder(1), s.placeholder(2))
	res, err := s.db.ExecContext(ctx, query, now, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: touching session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: reading touch result: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.bySessionID.Delete(sessionID)
	return true, nil
}

// Delete removes a session row and invalidates both caches.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	var userID int64
	lookup := fmt.Sprintf(`SELECT user_id FROM sessions WHERE session_id = %s`, s.placeholder(1))
	_ = s.db.QueryRowContext(ctx, lookup, sessionID).Scan(&userID)

	query := fmt.Sprintf(`DELETE FROM sessions WHERE session_id = %s`, s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: reading delete result: %w", err)
	}
	s.bySessionID.Delete(sessionID)
	if userID != 0 {
		s.byUserID.Delete(userID)
	}
	return n > 0, nil
}

// RenameUser propagates a new username to every live session of user_id in
// a single UPDATE, and invalidates every cached entry for that user's
// sessions so the next Get reflects the change atomically.
func (s *Store) RenameUser(ctx context.Context, userID int64, newUsername string) (int, error) {
	ids, _ := s.sessionIDsForUser(ctx, userID)

	query := fmt.Sprintf(`UPDATE sessions SET username = %s WHERE user_id = %s`,
		s.placeholder(1), s.placeholder(2))
	res, err := s.db.ExecContext(ctx, query, newUsername, userID)
	if err != nil {
		return 0, fmt.Errorf("session: renaming sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session: reading rename result: %w", err)
	}

	for _, id := range ids {
		s.bySessionID.Delete(id)
	}
	s.byUserID.Delete(userID)
	return int(n), nil
}

// LogoutAll deletes every session belonging to user_id.
func (s *Store) LogoutAll(ctx context.Context, userID int64) (int, error) {
	return s.logoutWhere(ctx, userID, "")
}

// LogoutAllExcept deletes every session belonging to user_id other than
// keepSessionID. Used by password changes: the acting session stays live
// while every other session for that account is invalidated.
func (s *Store) LogoutAllExcept(ctx context.Context, userID int64, keepSessionID string) (int, error) {
	return s.logoutWhere(ctx, userID, keepSessionID)
}

func (s *Store) logoutWhere(ctx context.Context, userID int64, keepSessionID string) (int, error) {
	ids, _ := s.sessionIDsForUser(ctx, userID)

	var (
		query string
		res   sql.Result
		err   error
	)
	if keepSessionID == "" {
		query = fmt.Sprintf(`DELETE FROM sessions WHERE user_id = %s`, s.placeholder(1))
		res, err = s.db.ExecContext(ctx, query, userID)
	} else {
		query = fmt.Sprintf(`DELETE FROM sessions WHERE user_id = %s AND session_id != %s`,
			s.placeholder(1), s.placeholder(2))
		res, err = s.db.ExecContext(ctx, query, userID, keepSessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("session: logging out user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session: reading logout result: %w", err)
	}

	for _, id := range ids {
		if id != keepSessionID {
			s.bySessionID.Delete(id)
		}
	}
	s.byUserID.Delete(userID)
	return int(n), nil
}

// CleanupExpired bulk-deletes every session whose last_active predates
// now-timeout. Because this can touch an unbounded number of rows, both
// caches are cleared outright rather than picked apart entry by entry.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.timeout)
	query := fmt.Sprintf(`DELETE FROM sessions WHERE last_active < %s`, s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session: cleaning up expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session: reading cleanup result: %w", err)
	}
	if n > 0 {
		s.bySessionID = newBoundedCache[string, Session](s.bySessionID.capacity)
		s.byUserID = newBoundedCache[int64, []string](s.byUserID.capacity)
	}
	return int(n), nil
}

// ActiveCount returns the total number of persisted session rows.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("session: counting sessions: %w", err)
	}
	return n, nil
}

// sessionIDsForUser returns the session ids for a user, cache-first, and
// caches a fresh load. Internal helper backing the write paths above that
// need to know which cache entries to invalidate.
func (s *Store) sessionIDsForUser(ctx context.Context, userID int64) ([]string, error) {
	if ids, ok := s.byUserID.Get(userID); ok {
		return ids, nil
	}

	query := fmt.Sprintf(`SELECT session_id FROM sessions WHERE user_id = %s`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("session: listing sessions for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	s.byUserID.Put(userID, ids)
	return ids, rows.Err()
}
