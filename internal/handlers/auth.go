package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"emergencyd/internal/store"
)

// sessionTTL is how long a login stays valid without re-authenticating.
const sessionTTL = 8 * time.Hour

type session struct {
	user      *store.User
	expiresAt time.Time
}

// AuthHandler authenticates users against the local store and issues
// opaque session tokens. Credential checking itself is the store's
// bcrypt hash — this layer only brokers it.
type AuthHandler struct {
	store *store.Store

	mu       sync.Mutex
	sessions map[string]session
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(st *store.Store) *AuthHandler {
	return &AuthHandler{store: st, sessions: make(map[string]session)}
}

// Login verifies credentials and returns a session token.
// POST /api/auth/login  body: {"username":..., "password":...}
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.store.UserByUsername(req.Username)
	if err != nil || !user.CheckPassword(req.Password) {
		log.Printf("AUTH: failed login for %q from %s", req.Username, r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := uuid.NewString()
	h.mu.Lock()
	h.sessions[token] = session{user: user, expiresAt: time.Now().Add(sessionTTL)}
	h.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   token,
		"user": map[string]interface{}{
			"username":       user.Username,
			"rol":            user.Rol,
			"id_relacionado": user.IDRelacionado,
		},
	})
}

// Logout invalidates the caller's session token.
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Session-Token")
	h.mu.Lock()
	delete(h.sessions, token)
	h.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// UserForRequest resolves the session token on a request.
func (h *AuthHandler) UserForRequest(r *http.Request) (*store.User, bool) {
	token := r.Header.Get("X-Session-Token")
	if token == "" {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[token]
	if !ok {
		return nil, false
	}
	if time.Now().After(s.expiresAt) {
		delete(h.sessions, token)
		return nil, false
	}
	return s.user, true
}

// CleanExpiredSessions drops timed-out sessions; run it periodically.
func (h *AuthHandler) CleanExpiredSessions() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for token, s := range h.sessions {
		if now.After(s.expiresAt) {
			delete(h.sessions, token)
		}
	}
}
