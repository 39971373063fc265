// Package httpapi implements the HTTP surface of the Request Handler
// component: authentication, registration, matchmaking control, profile
// management, and the stats endpoint. It is a thin static routing table per
// spec §4.F/§9 ("dynamic dispatch on request paths maps to a small static
// routing table"), handing off to the Session Store, Matchmaking Loop, and
// Game Registry for everything stateful. WebSocket upgrade lives in
// internal/ws — this package only ever speaks plain JSON request/response.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/chessd/backend/internal/game"
	"github.com/chessd/backend/internal/matchmaking"
	"github.com/chessd/backend/internal/ratelimit"
	"github.com/chessd/backend/internal/security"
	"github.com/chessd/backend/internal/session"
)

// API bundles every collaborator the HTTP handlers need.
type API struct {
	Sessions    *session.Store
	Users       *session.UserStore
	Matchmaker  *matchmaking.Loop
	Games       *game.Registry
	RateLimiter *ratelimit.Limiter
	TLS         bool // when true, the session cookie is marked Secure
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9\-_%$#@!&]*[A-Za-z0-9])?$`)

const (
	usernameMin = 3
	usernameMax = 20
	passwordMin = 12
	passwordMax = 128
)

// Mux builds the static route table described by spec §6's HTTP endpoint
// table (everything but the WebSocket upgrade, which lives under /ws in
// internal/ws).
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", a.handleIndex)
	mux.HandleFunc("/login", a.handleLoginPage)
	mux.HandleFunc("/register", a.handleRegisterPage)
	mux.HandleFunc("/home", a.requireAuth(a.handleStaticPage))
	mux.HandleFunc("/stats", a.requireAuth(a.dispatchStats))
	mux.HandleFunc("/profile", a.requireAuth(a.handleStaticPage))
	mux.HandleFunc("/game", a.requireAuth(a.handleGamePage))

	mux.HandleFunc("/session", a.requireAuth(a.handleSession))
	mux.HandleFunc("/logout", a.requireAuth(a.handleLogout))
	mux.HandleFunc("/home/search", a.requireAuth(a.handleSearch))
	mux.HandleFunc("/home/cancel", a.requireAuth(a.handleCancelSearch))
	mux.HandleFunc("/profile/update-username", a.requireAuth(a.handleUpdateUsername))
	mux.HandleFunc("/profile/update-password", a.requireAuth(a.handleUpdatePassword))
	mux.HandleFunc("/profile/delete-account", a.requireAuth(a.handleDeleteAccount))

	return mux
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func jsonSuccess(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxUsername
	ctxSessionID
)

// authenticate reads the session cookie and, if present and valid, touches
// the session's last_active and returns (user_id, username, session_id, ok).
// Per §4.F, an absent or malformed cookie is simply "unauthenticated" — it is
// never itself an error response.
func (a *API) authenticate(r *http.Request) (int64, string, string, bool) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		return 0, "", "", false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	sess, err := a.Sessions.Get(ctx, cookie.Value)
	if err != nil || sess == nil {
		return 0, "", "", false
	}
	_, _ = a.Sessions.Touch(ctx, cookie.Value)
	return sess.UserID, sess.Username, sess.SessionID, true
}

// requireAuth wraps a handler so it only runs for authenticated requests,
// responding 401 with a generic message otherwise (spec §7: authentication
// errors never reveal which factor failed).
func (a *API) requireAuth(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, username, sessionID, ok := a.authenticate(r)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxUsername, username)
		ctx = context.WithValue(ctx, ctxSessionID, sessionID)
		next(w, r.WithContext(ctx))
	}
}

func authFrom(ctx context.Context) (int64, string, string) {
	userID, _ := ctx.Value(ctxUserID).(int64)
	username, _ := ctx.Value(ctxUsername).(string)
	sessionID, _ := ctx.Value(ctxSessionID).(string)
	return userID, username, sessionID
}

// ---------------------------------------------------------------------------
// Static / unauthenticated pages — thin shims per spec §1 ("deliberately out
// of scope"); they exist only so the route table is complete and a reader
// can follow the full request graph, never to render HTML themselves.
// ---------------------------------------------------------------------------

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (a *API) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		a.handleLogin(w, r)
		return
	}
	a.handleStaticPage(w, r)
}

func (a *API) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		a.handleRegister(w, r)
		return
	}
	a.handleStaticPage(w, r)
}

func (a *API) handleStaticPage(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleGamePage redirects to /home unless the caller has an active game,
// per spec §6's `/game` row.
func (a *API) handleGamePage(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := authFrom(r.Context())
	if _, ok := a.Games.GameIDForUser(userID); !ok {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Login / Registration
// ---------------------------------------------------------------------------

type credentialsRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

func decodeJSON(r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return false
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func validUsername(u string) bool {
	return len(u) >= usernameMin && len(u) <= usernameMax && usernamePattern.MatchString(u)
}

func validPassword(p string) bool {
	if len(p) < passwordMin || len(p) > passwordMax {
		return false
	}
	return !containsInjectionSignature(p)
}

// containsInjectionSignature rejects the crude SQL/XSS/path-traversal
// signatures spec §4.F calls for; the session store itself always uses
// parameterized queries, so this is a defense-in-depth input filter, not the
// only thing standing between a request and a database.
func containsInjectionSignature(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range []string{"<script", "../", "drop table", "union select", "--", ";--"} {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	if allowed, _ := a.RateLimiter.Allow(ctx, ip, ratelimit.RuleLogin); !allowed {
		jsonError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var req credentialsRequest
	if !decodeJSON(r, &req) {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		jsonError(w, http.StatusBadRequest, "missing credentials")
		return
	}
	if !validUsername(req.Username) || len(req.Password) < 1 || len(req.Password) > passwordMax || containsInjectionSignature(req.Password) {
		jsonError(w, http.StatusBadRequest, "invalid username or password format")
		return
	}

	user, err := a.Users.GetUserByUsername(ctx, req.Username)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if !security.VerifyPassword(req.Password, user.Salt, user.PasswordHash) {
		jsonError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	a.establishSession(w, r, user)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req credentialsRequest
	if !decodeJSON(r, &req) {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" || req.ConfirmPassword == "" {
		jsonError(w, http.StatusBadRequest, "missing required fields")
		return
	}
	if req.Password != req.ConfirmPassword {
		jsonError(w, http.StatusBadRequest, "passwords do not match")
		return
	}
	if !validUsername(req.Username) || containsInjectionSignature(req.Username) {
		jsonError(w, http.StatusBadRequest, "username contains invalid characters")
		return
	}
	if !validPassword(req.Password) {
		jsonError(w, http.StatusBadRequest, "password must be 12-128 characters and contain no prohibited characters")
		return
	}

	hash, salt, err := security.HashPassword(req.Password)
	if err != nil {
		log.Printf("[httpapi] hashing password: %v", err)
		jsonError(w, http.StatusInternalServerError, "could not create account")
		return
	}

	user, err := a.Users.CreateUser(ctx, req.Username, hash, salt)
	if err != nil {
		if err == session.ErrUsernameTaken {
			jsonError(w, http.StatusConflict, "username already taken")
			return
		}
		log.Printf("[httpapi] creating user: %v", err)
		jsonError(w, http.StatusInternalServerError, "could not create account")
		return
	}

	a.establishSession(w, r, user)
}

// establishSession mints a session for user, sets the cookie per spec §4.F
// (`Path=/; HttpOnly; SameSite=Strict; Max-Age=3600`, `Secure` added when
// TLS is active), and responds with the redirect target.
func (a *API) establishSession(w http.ResponseWriter, r *http.Request, user session.User) {
	ctx := r.Context()
	token, err := a.Sessions.Create(ctx, user.UserID, user.Username, clientIP(r))
	if err != nil {
		log.Printf("[httpapi] creating session: %v", err)
		jsonError(w, http.StatusInternalServerError, "could not start session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.TLS,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   3600,
	})

	jsonSuccess(w, "", map[string]string{"redirect": "/home"})
}

// ---------------------------------------------------------------------------
// Session / logout
// ---------------------------------------------------------------------------

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	userID, username, _ := authFrom(r.Context())
	user, err := a.Users.GetUser(r.Context(), userID)
	if err != nil {
		jsonError(w, http.StatusNotFound, "stats not found")
		return
	}
	jsonSuccess(w, "", map[string]interface{}{"username": username, "elo": user.Elo})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, _, sessionID := authFrom(r.Context())
	_, _ = a.Sessions.Delete(r.Context(), sessionID)
	jsonSuccess(w, "logged out successfully", nil)
}

// ---------------------------------------------------------------------------
// Matchmaking control
// ---------------------------------------------------------------------------

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID, username, sessionID := authFrom(r.Context())

	if allowed, _ := a.RateLimiter.Allow(r.Context(), sessionID, ratelimit.RuleMatchmaking); !allowed {
		jsonError(w, http.StatusTooManyRequests, "too many matchmaking requests")
		return
	}

	if _, ok := a.Games.GameIDForUser(userID); ok {
		jsonError(w, http.StatusConflict, "already in an active game")
		return
	}

	if !a.Matchmaker.Enqueue(matchmaking.Candidate{UserID: userID, Username: username, SessionID: sessionID}) {
		jsonError(w, http.StatusConflict, "already searching for an opponent")
		return
	}

	jsonSuccess(w, "searching for opponent...", nil)
}

func (a *API) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := authFrom(r.Context())
	if !a.Matchmaker.Cancel(userID) {
		jsonError(w, http.StatusNotFound, "not currently searching")
		return
	}
	jsonSuccess(w, "search cancelled", nil)
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// dispatchStats answers both GET /stats (static page per spec §6's table)
// and POST /stats (the player's aggregate record) on the same path, the way
// the route table distinguishes login/register GET vs POST.
func (a *API) dispatchStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.handleStaticPage(w, r)
		return
	}

	userID, _, _ := authFrom(r.Context())
	user, err := a.Users.GetUser(r.Context(), userID)
	if err != nil {
		jsonError(w, http.StatusNotFound, "stats not found")
		return
	}
	jsonSuccess(w, "", map[string]interface{}{
		"username": user.Username,
		"elo":      user.Elo,
		"wins":     user.Wins,
		"draws":    user.Draws,
		"losses":   user.Losses,
		"join_date": user.JoinDate,
		"last_game": user.LastGame,
	})
}

// ---------------------------------------------------------------------------
// Profile management
// ---------------------------------------------------------------------------

type updateUsernameRequest struct {
	NewUsername string `json:"new_username"`
	Password    string `json:"password"`
}

func (a *API) handleUpdateUsername(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, username, _ := authFrom(ctx)

	var req updateUsernameRequest
	if !decodeJSON(r, &req) || req.NewUsername == "" || req.Password == "" {
		jsonError(w, http.StatusBadRequest, "missing credentials")
		return
	}
	if !validUsername(req.NewUsername) {
		jsonError(w, http.StatusBadRequest, "username contains invalid characters")
		return
	}

	user, err := a.Users.GetUserByUsername(ctx, username)
	if err != nil || !security.VerifyPassword(req.Password, user.Salt, user.PasswordHash) {
		jsonError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := a.Users.RenameUser(ctx, userID, req.NewUsername); err != nil {
		if err == session.ErrUsernameTaken {
			jsonError(w, http.StatusConflict, "username already taken")
			return
		}
		log.Printf("[httpapi] renaming user %d: %v", userID, err)
		jsonError(w, http.StatusInternalServerError, "could not rename account")
		return
	}
	if _, err := a.Sessions.RenameUser(ctx, userID, req.NewUsername); err != nil {
		log.Printf("[httpapi] propagating rename to sessions for user %d: %v", userID, err)
	}

	jsonSuccess(w, "username updated", nil)
}

type updatePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (a *API) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, username, sessionID := authFrom(ctx)

	var req updatePasswordRequest
	if !decodeJSON(r, &req) || req.CurrentPassword == "" || req.NewPassword == "" {
		jsonError(w, http.StatusBadRequest, "current and new passwords are required")
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		jsonError(w, http.StatusBadRequest, "passwords don't match")
		return
	}
	if !validPassword(req.NewPassword) {
		jsonError(w, http.StatusBadRequest, "new password must be 12-128 characters and contain no prohibited characters")
		return
	}

	user, err := a.Users.GetUserByUsername(ctx, username)
	if err != nil {
		jsonError(w, http.StatusNotFound, "user not found")
		return
	}
	if !security.VerifyPassword(req.CurrentPassword, user.Salt, user.PasswordHash) {
		jsonError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, salt, err := security.HashPassword(req.NewPassword)
	if err != nil {
		log.Printf("[httpapi] hashing password for user %d: %v", userID, err)
		jsonError(w, http.StatusInternalServerError, "could not update password")
		return
	}
	if err := a.Users.UpdatePassword(ctx, userID, hash, salt); err != nil {
		log.Printf("[httpapi] updating password for user %d: %v", userID, err)
		jsonError(w, http.StatusInternalServerError, "could not update password")
		return
	}

	// Per spec §4.F / S-round-trip law: logs out every other session while
	// the acting session stays live.
	if _, err := a.Sessions.LogoutAllExcept(ctx, userID, sessionID); err != nil {
		log.Printf("[httpapi] logging out other sessions for user %d: %v", userID, err)
	}

	jsonSuccess(w, "password updated", nil)
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, username, _ := authFrom(ctx)

	var req deleteAccountRequest
	if !decodeJSON(r, &req) || req.Password == "" {
		jsonError(w, http.StatusBadRequest, "password is required for confirmation")
		return
	}

	user, err := a.Users.GetUserByUsername(ctx, username)
	if err != nil {
		jsonError(w, http.StatusNotFound, "user not found")
		return
	}
	if !security.VerifyPassword(req.Password, user.Salt, user.PasswordHash) {
		jsonError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	if _, err := a.Sessions.LogoutAll(ctx, userID); err != nil {
		log.Printf("[httpapi] logging out sessions for user %d: %v", userID, err)
	}
	if err := a.Users.DeleteUser(ctx, userID); err != nil {
		log.Printf("[httpapi] deleting user %d: %v", userID, err)
		jsonError(w, http.StatusInternalServerError, "could not delete account")
		return
	}

	jsonSuccess(w, "account deleted successfully", nil)
}
