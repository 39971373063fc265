package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUsernameTaken is returned by CreateUser when the username already
// exists.
var ErrUsernameTaken = errors.New("session: username already taken")

// ErrUserNotFound is returned when a user lookup finds nothing.
var ErrUserNotFound = errors.New("session: user not found")

// UserStore persists the users table. It never panics or throws into
// callers; every database failure surfaces as a returned error.
type UserStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres", selects placeholder style
}

// NewUserStore wraps an open *sql.DB for user account operations.
func NewUserStore(dbConn *sql.DB, driver string) *UserStore {
	return &UserStore{db: dbConn, driver: driver}
}

// placeholder returns the positional bind-parameter syntax for this driver:
// sqlite3 accepts "?", lib/pq requires "$n".
func (s *UserStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// CreateUser inserts a new account with elo=500 and zeroed counters. Returns
// ErrUsernameTaken on a unique-constraint violation.
func (s *UserStore) CreateUser(ctx context.Context, username, passwordHash, salt string) (User, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(
		`INSERT INTO users (username, password_hash, salt, elo, wins, draws, losses, join_date)
		 VALUES (%s, %s, %s, 500, 0, 0, 0, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))

	var (
		res sql.Result
		err error
	)
	if s.driver == "postgres" {
		var userID int64
		row := s.db.QueryRowContext(ctx, query+" RETURNING user_id", username, passwordHash, salt, now)
		if scanErr := row.Scan(&userID); scanErr != nil {
			if isUniqueViolation(scanErr) {
				return User{}, ErrUsernameTaken
			}
			return User{}, fmt.Errorf("session: creating user: %w", scanErr)
		}
		return User{UserID: userID, Username: username, PasswordHash: passwordHash, Salt: salt, Elo: 500, JoinDate: now}, nil
	}

	res, err = s.db.ExecContext(ctx, query, username, passwordHash, salt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("session: creating user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("session: reading inserted id: %w", err)
	}
	return User{UserID: userID, Username: username, PasswordHash: passwordHash, Salt: salt, Elo: 500, JoinDate: now}, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// GetUserByUsername looks up a user by username. Returns ErrUserNotFound if
// no row matches.
func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	query := fmt.Sprintf(
		`SELECT user_id, username, password_hash, salt, elo, wins, draws, losses, join_date, last_game
		 FROM users WHERE username = %s`, s.placeholder(1))
	return s.scanOne(s.db.QueryRowContext(ctx, query, username))
}

// GetUser looks up a user by immutable user_id.
func (s *UserStore) GetUser(ctx context.Context, userID int64) (User, error) {
	query := fmt.Sprintf(
		`SELECT user_id, username, password_hash, salt, elo, wins, draws, losses, join_date, last_game
		 FROM users WHERE user_id = %s`, s.placeholder(1))
	return s.scanOne(s.db.QueryRowContext(ctx, query, userID))
}

func (s *UserStore) scanOne(row *sql.Row) (User, error) {
	var u User
	var lastGame sql.NullTime
	err := row.Scan(&u.UserID, &u.Username, &u.PasswordHash, &u.Salt, &u.Elo, &u.Wins, &u.Draws, &u.Losses, &u.JoinDate, &lastGame)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("session: scanning user: %w", err)
	}
	if lastGame.Valid {
		t := lastGame.Time
		u.LastGame = &t
	}
	return u, nil
}

// RenameUser updates username for a user_id. The Session Store's RenameUser
// is responsible for propagating the new username to existing sessions.
func (s *UserStore) RenameUser(ctx context.Context, userID int64, newUsername string) error {
	query := fmt.Sprintf(`UPDATE users SET username = %s WHERE user_id = %s`, s.placeholder(1), s.placeholder(2))
	_, err := s.db.ExecContext(ctx, query, newUsername, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("session: renaming user: %w", err)
	}
	return nil
}

// UpdatePassword overwrites the stored hash/salt for a user_id.
func (s *UserStore) UpdatePassword(ctx context.Context, userID int64, passwordHash, salt string) error {
	query := fmt.Sprintf(`UPDATE users SET password_hash = %s, salt = %s WHERE user_id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.db.ExecContext(ctx, query, passwordHash, salt, userID)
	if err != nil {
		return fmt.Errorf("session: updating password: %w", err)
	}
	return nil
}

// DeleteUser removes a user row. Sessions for the user must be cleared
// separately (see Store.LogoutAll) to uphold the invariant that a session
// never outlives its user.
func (s *UserStore) DeleteUser(ctx context.Context, userID int64) error {
	query := fmt.Sprintf(`DELETE FROM users WHERE user_id = %s`, s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("session: deleting user: %w", err)
	}
	return nil
}

// ApplyTerminalSettlement records a game outcome's effect on this user's
// aggregate record: new elo, +1 to exactly one of wins/draws/losses, and
// last_game stamped to now.
func (s *UserStore) ApplyTerminalSettlement(ctx context.Context, userID int64, newElo int, outcome Outcome) error {
	var counterCol string
	switch outcome {
	case OutcomeWin:
		counterCol = "wins"
	case OutcomeDraw:
		counterCol = "draws"
	case OutcomeLoss:
		counterCol = "losses"
	default:
		return fmt.Errorf("session: invalid outcome %v", outcome)
	}
	query := fmt.Sprintf(
		`UPDATE users SET elo = %s, %s = %s + 1, last_game = %s WHERE user_id = %s`,
		s.placeholder(1), counterCol, counterCol, s.placeholder(2), s.placeholder(3))
	_, err := s.db.ExecContext(ctx, query, newElo, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("session: applying settlement: %w", err)
	}
	return nil
}

// Outcome is one arm of a terminal game result from a single player's
// perspective.
type Outcome int

const (
	OutcomeLoss Outcome = iota
	OutcomeDraw
	OutcomeWin
)
