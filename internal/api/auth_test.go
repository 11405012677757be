package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T, token string) *SessionManager {
	t.Helper()
	sm := NewSessionManager(token, false)
	t.Cleanup(sm.Stop)
	return sm
}

func TestSessionsDisabledAllowEverything(t *testing.T) {
	sm := newTestSessions(t, "")
	assert.False(t, sm.Enabled())
	assert.True(t, sm.Authorized(httptest.NewRequest(http.MethodPost, "/api/restart", nil)))

	_, err := sm.Login("", "test")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, ErrTypeUnauthorized))
}

func TestCookieSignature(t *testing.T) {
	sm := newTestSessions(t, "secret")

	id, ok := sm.decodeCookie(sm.encodeCookie("abc"))
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	other := newTestSessions(t, "secret")
	_, ok = other.decodeCookie(sm.encodeCookie("abc"))
	assert.False(t, ok, "a cookie signed by another instance is rejected")

	_, ok = sm.decodeCookie("not-base64!")
	assert.False(t, ok)
}

func TestMutatingRoutesRequireAuth(t *testing.T) {
	sm := newTestSessions(t, "secret")
	h := newTestRouter(t, newTestSim(t), sm)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/state", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/restart", "").Code)

	req := httptest.NewRequest(http.MethodPost, "/api/restart", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/restart", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginLogout(t *testing.T) {
	sm := newTestSessions(t, "secret")
	h := newTestRouter(t, newTestSim(t), sm)

	rec := do(t, h, http.MethodPost, "/api/login", `{"token":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/login", `{"token":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[AuthStatus](t, rec)
	assert.True(t, status.Authenticated)
	sessionID := status.SessionID
	require.NotNil(t, sm.Session(sessionID))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, SessionCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)

	withCookie := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(""))
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, withCookie(http.MethodPost, "/api/restart").Code)
	status = decode[AuthStatus](t, withCookie(http.MethodGet, "/api/auth/status"))
	assert.True(t, status.Required)
	assert.True(t, status.Authenticated)
	assert.Positive(t, status.ExpiresAt)

	require.Equal(t, http.StatusOK, withCookie(http.MethodPost, "/api/logout").Code)
	assert.Nil(t, sm.Session(sessionID))
	assert.Equal(t, http.StatusUnauthorized, withCookie(http.MethodPost, "/api/restart").Code)
}
