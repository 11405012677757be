package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

const (
	SessionCookieName = "flock_sim_session"
	SessionDuration   = 24 * time.Hour

	ErrTypeUnauthorized = "unauthorized"
)

// AdminSession is a logged-in operator.
type AdminSession struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionManager guards mutating endpoints with an admin token. Clients
// either send "Authorization: Bearer <token>" on every request or exchange
// the token once for a signed session cookie. With no token configured
// every request is allowed.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*AdminSession

	secretKey    []byte
	adminToken   string
	secureCookie bool

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewSessionManager(adminToken string, secureCookie bool) *SessionManager {
	secretKey := make([]byte, 32)
	if _, err := rand.Read(secretKey); err != nil {
		logs.Fatal(errors.New("generating session secret failed").Wrap(err))
	}

	sm := &SessionManager{
		sessions:     make(map[string]*AdminSession),
		secretKey:    secretKey,
		adminToken:   adminToken,
		secureCookie: secureCookie,
		stopChan:     make(chan struct{}),
	}
	go sm.cleanupLoop()
	return sm
}

func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
	})
}

// Enabled reports whether an admin token is configured.
func (sm *SessionManager) Enabled() bool {
	return sm.adminToken != ""
}

func (sm *SessionManager) tokenMatches(token string) bool {
	return sm.Enabled() && hmac.Equal([]byte(token), []byte(sm.adminToken))
}

// Login exchanges the admin token for a new session ID.
func (sm *SessionManager) Login(token, source string) (string, error) {
	if !sm.tokenMatches(token) {
		return "", errors.New("invalid admin token").
			WithType(ErrTypeUnauthorized).
			WithTag("source", source)
	}

	now := time.Now()
	session := &AdminSession{
		ID:        uuid.NewString(),
		Source:    source,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionDuration),
	}

	sm.mu.Lock()
	sm.sessions[session.ID] = session
	sm.mu.Unlock()

	logs.WithTag("source", source).Info("admin session created")
	return session.ID, nil
}

// Session returns the live session with id, or nil.
func (sm *SessionManager) Session(id string) *AdminSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[id]
	if !ok || time.Now().After(session.ExpiresAt) {
		return nil
	}
	return session
}

func (sm *SessionManager) deleteSession(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// sessionFromRequest validates the session cookie.
func (sm *SessionManager) sessionFromRequest(r *http.Request) *AdminSession {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil
	}
	id, ok := sm.decodeCookie(cookie.Value)
	if !ok {
		return nil
	}
	return sm.Session(id)
}

// Authorized reports whether r carries the bearer token or a valid session.
func (sm *SessionManager) Authorized(r *http.Request) bool {
	if !sm.Enabled() {
		return true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && sm.tokenMatches(token) {
		return true
	}
	return sm.sessionFromRequest(r) != nil
}

// Middleware rejects unauthorized requests with 401.
func (sm *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sm.Authorized(r) {
			RecordConnectionRejected("unauthorized")
			writeErrorMessage(w, "admin authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sm.encodeCookie(id),
		Path:     "/",
		MaxAge:   int(SessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   sm.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (sm *SessionManager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   sm.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (sm *SessionManager) sign(id string) string {
	mac := hmac.New(sha256.New, sm.secretKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeCookie returns base64("<id>.<hmac>").
func (sm *SessionManager) encodeCookie(id string) string {
	return base64.URLEncoding.EncodeToString([]byte(id + "." + sm.sign(id)))
}

func (sm *SessionManager) decodeCookie(value string) (string, bool) {
	decoded, err := base64.URLEncoding.DecodeString(value)
	if err != nil {
		return "", false
	}
	id, sig, ok := strings.Cut(string(decoded), ".")
	if !ok {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(sm.sign(id))) {
		return "", false
	}
	return id, true
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopChan:
			return
		case now := <-ticker.C:
			sm.mu.Lock()
			for id, session := range sm.sessions {
				if now.After(session.ExpiresAt) {
					delete(sm.sessions, id)
				}
			}
			sm.mu.Unlock()
		}
	}
}

// AuthStatus is the body of GET /api/auth/status.
type AuthStatus struct {
	Required      bool   `json:"required"`
	Authenticated bool   `json:"authenticated"`
	ExpiresAt     int64  `json:"expiresAt,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

func (sm *SessionManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return
	}

	id, err := sm.Login(req.Token, GetClientIP(r))
	if err != nil {
		RecordConnectionRejected("unauthorized")
		writeError(w, err)
		return
	}
	sm.setCookie(w, id)
	writeJSON(w, AuthStatus{
		Required:      sm.Enabled(),
		Authenticated: true,
		ExpiresAt:     sm.Session(id).ExpiresAt.Unix(),
		SessionID:     id,
	})
}

func (sm *SessionManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if session := sm.sessionFromRequest(r); session != nil {
		sm.deleteSession(session.ID)
	}
	sm.clearCookie(w)
	writeJSON(w, AuthStatus{Required: sm.Enabled()})
}

func (sm *SessionManager) HandleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status := AuthStatus{
		Required:      sm.Enabled(),
		Authenticated: sm.Authorized(r),
	}
	if session := sm.sessionFromRequest(r); session != nil {
		status.ExpiresAt = session.ExpiresAt.Unix()
	}
	writeJSON(w, status)
}
