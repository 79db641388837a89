package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/backend"
	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/internal/service"
	"github.com/denhq/go-den-backend/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "localhost",
			Port:         3000,
			RPID:         "localhost",
			RPOrigin:     "http://localhost:3000",
			RPName:       "den",
			AllowedHosts: []string{"alt.example.com"},
		},
		Storage: config.StorageConfig{Type: "memory"},
		Session: config.SessionConfig{
			LifetimeDays: 7,
			CookieName:   "den_session",
		},
		WebAuthn: config.WebAuthnConfig{ChallengeTTLMinutes: 5},
		Redirect: config.RedirectConfig{TokenTTLSeconds: 60},
	}
}

func setupAPI(t *testing.T) (*gin.Engine, *service.Services, backend.Backend) {
	t.Helper()

	cfg := testConfig()
	store, err := backend.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	services, err := service.NewServices(store, cfg, make([]byte, 64), zap.NewNop())
	require.NoError(t, err)

	router := NewRouter(cfg, store, services, zap.NewNop())
	return router, services, store
}

// seedUser installs the user with one passkey and returns a valid session
// cookie for them
func seedUser(t *testing.T, store backend.Backend, services *service.Services) (*domain.User, *http.Cookie) {
	t.Helper()
	ctx := context.Background()

	user := &domain.User{ID: domain.NewUserID(), Name: "alice"}
	require.NoError(t, store.Users().Create(ctx, user))

	data, err := json.Marshal(webauthn.Credential{ID: []byte("cred-1")})
	require.NoError(t, err)
	require.NoError(t, store.Passkeys().Create(ctx, &domain.Passkey{
		UserID:       user.ID,
		Name:         "laptop",
		CredentialID: []byte("cred-1"),
		Data:         data,
	}))

	token, err := services.Session.Issue(user.ID)
	require.NoError(t, err)

	return user, &http.Cookie{Name: "den_session", Value: token}
}

func doJSON(router *gin.Engine, method, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _, _ := setupAPI(t)

	w := doJSON(router, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestBeginRegistration(t *testing.T) {
	t.Run("first setup open", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := doJSON(router, http.MethodPost, "/api/auth/register/begin",
			gin.H{"user_name": "alice", "passkey_name": "laptop"}, nil)
		require.Equal(t, 200, w.Code)

		var resp map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp, "challenge_id")
		assert.Contains(t, resp, "options")
	})

	t.Run("missing passkey name", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := doJSON(router, http.MethodPost, "/api/auth/register/begin",
			gin.H{"user_name": "alice"}, nil)
		assert.Equal(t, 400, w.Code)
	})

	t.Run("unauthenticated after setup answers like a login wall", func(t *testing.T) {
		router, services, store := setupAPI(t)
		seedUser(t, store, services)

		w := doJSON(router, http.MethodPost, "/api/auth/register/begin",
			gin.H{"passkey_name": "phone"}, nil)
		assert.Equal(t, 401, w.Code)
	})

	t.Run("authenticated additional passkey", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodPost, "/api/auth/register/begin",
			gin.H{"passkey_name": "phone"}, cookie)
		assert.Equal(t, 200, w.Code)
	})

	t.Run("bearer header works without cookie", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(gin.H{"passkey_name": "phone"})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register/begin", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cookie.Value)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	})
}

func TestCompleteRegistration_UnknownChallenge(t *testing.T) {
	router, _, _ := setupAPI(t)

	w := doJSON(router, http.MethodPost, "/api/auth/register/complete",
		gin.H{"challenge_id": "nope", "credential": gin.H{}}, nil)
	assert.Equal(t, 400, w.Code)
}

func TestBeginLogin(t *testing.T) {
	t.Run("before setup", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := doJSON(router, http.MethodPost, "/api/auth/login/begin", gin.H{}, nil)
		assert.Equal(t, 400, w.Code)
		assert.Contains(t, w.Body.String(), "No passkeys registered")
	})

	t.Run("malformed body", func(t *testing.T) {
		router, services, store := setupAPI(t)
		seedUser(t, store, services)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login/begin", strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, 400, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid request body")
	})

	t.Run("absent body", func(t *testing.T) {
		router, services, store := setupAPI(t)
		seedUser(t, store, services)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login/begin", nil)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	})

	t.Run("invalid redirect origin", func(t *testing.T) {
		router, services, store := setupAPI(t)
		seedUser(t, store, services)

		w := doJSON(router, http.MethodPost, "/api/auth/login/begin",
			gin.H{"redirect_origin": "https://evil.example.com"}, nil)
		assert.Equal(t, 400, w.Code)
	})

	t.Run("success", func(t *testing.T) {
		router, services, store := setupAPI(t)
		seedUser(t, store, services)

		w := doJSON(router, http.MethodPost, "/api/auth/login/begin", gin.H{}, nil)
		require.Equal(t, 200, w.Code)

		var resp map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp, "challenge_id")
		assert.Contains(t, resp, "options")
	})
}

func TestCompleteLogin_UnknownChallenge(t *testing.T) {
	router, _, _ := setupAPI(t)

	w := doJSON(router, http.MethodPost, "/api/auth/login/complete",
		gin.H{"challenge_id": "nope", "credential": gin.H{}}, nil)
	assert.Equal(t, 400, w.Code)
}

func TestCompleteLogin_FailedAssertion(t *testing.T) {
	router, services, store := setupAPI(t)
	seedUser(t, store, services)

	require.NoError(t, store.Challenges().Create(context.Background(), &domain.AuthChallenge{
		ID:        "login-challenge",
		Kind:      domain.KindAuthentication,
		State:     []byte(`{}`),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}))

	w := doJSON(router, http.MethodPost, "/api/auth/login/complete",
		gin.H{"challenge_id": "login-challenge", "credential": gin.H{}}, nil)
	assert.Equal(t, 401, w.Code)
	assert.Contains(t, w.Body.String(), "Authentication failed")
}

func TestCompleteRegistration_BadAttestation(t *testing.T) {
	// Registration keeps 400 for a malformed attestation; only the login
	// side answers 401.
	router, _, store := setupAPI(t)

	require.NoError(t, store.Challenges().Create(context.Background(), &domain.AuthChallenge{
		ID:        "register-challenge",
		Kind:      domain.KindRegistration,
		State:     []byte(`{"user_id":"u","user_name":"alice","passkey_name":"laptop","is_new_user":true}`),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}))

	w := doJSON(router, http.MethodPost, "/api/auth/register/complete",
		gin.H{"challenge_id": "register-challenge", "credential": gin.H{}}, nil)
	assert.Equal(t, 400, w.Code)
}

func TestLogout(t *testing.T) {
	router, _, _ := setupAPI(t)

	w := doJSON(router, http.MethodPost, "/api/auth/logout", nil, nil)
	require.Equal(t, 200, w.Code)

	setCookie := w.Header().Get("Set-Cookie")
	assert.Contains(t, setCookie, "den_session=")
	assert.Contains(t, setCookie, "Max-Age=0")
}

func TestPasskeyEndpoints(t *testing.T) {
	t.Run("require auth", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := doJSON(router, http.MethodGet, "/api/auth/passkeys", nil, nil)
		assert.Equal(t, 401, w.Code)
	})

	t.Run("invalid session", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := doJSON(router, http.MethodGet, "/api/auth/passkeys", nil,
			&http.Cookie{Name: "den_session", Value: "garbage"})
		assert.Equal(t, 401, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodGet, "/api/auth/passkeys", nil, cookie)
		require.Equal(t, 200, w.Code)

		var passkeys []passkeyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &passkeys))
		require.Len(t, passkeys, 1)
		assert.Equal(t, "laptop", passkeys[0].Name)
		assert.Nil(t, passkeys[0].LastUsedAt)
	})

	t.Run("rename", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodPatch, "/api/auth/passkeys/1/name",
			gin.H{"name": "work laptop"}, cookie)
		assert.Equal(t, 204, w.Code)
	})

	t.Run("rename non-numeric id", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodPatch, "/api/auth/passkeys/abc/name",
			gin.H{"name": "x"}, cookie)
		assert.Equal(t, 400, w.Code)
	})

	t.Run("rename unknown id", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodPatch, "/api/auth/passkeys/9999/name",
			gin.H{"name": "x"}, cookie)
		assert.Equal(t, 404, w.Code)
	})

	t.Run("delete last passkey refused", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodDelete, "/api/auth/passkeys/1", nil, cookie)
		assert.Equal(t, 409, w.Code)
	})

	t.Run("delete unknown id", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodDelete, "/api/auth/passkeys/9999", nil, cookie)
		assert.Equal(t, 404, w.Code)
	})
}

func TestRedirectEndpoints(t *testing.T) {
	t.Run("start requires auth", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := doJSON(router, http.MethodPost, "/api/auth/redirect/start",
			gin.H{"redirect_origin": "https://alt.example.com"}, nil)
		assert.Equal(t, 401, w.Code)
	})

	t.Run("start", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodPost, "/api/auth/redirect/start",
			gin.H{"redirect_origin": "https://alt.example.com", "redirect_path": "/notes"}, cookie)
		require.Equal(t, 200, w.Code)

		var resp struct {
			RedirectURL string `json:"redirect_url"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, strings.HasPrefix(resp.RedirectURL, "https://alt.example.com/api/auth/redirect/complete?token="))
	})

	t.Run("start with unlisted origin", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		w := doJSON(router, http.MethodPost, "/api/auth/redirect/start",
			gin.H{"redirect_origin": "https://evil.example.com"}, cookie)
		assert.Equal(t, 400, w.Code)
	})

	t.Run("qr", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)

		req := httptest.NewRequest(http.MethodGet,
			"/api/auth/redirect/qr?redirect_origin=https%3A%2F%2Falt.example.com&redirect_path=%2F", nil)
		req.AddCookie(cookie)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, 200, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
	})
}

// startRedirectToken mints a handoff token via the API and extracts it
func startRedirectToken(t *testing.T, router *gin.Engine, cookie *http.Cookie) string {
	t.Helper()

	w := doJSON(router, http.MethodPost, "/api/auth/redirect/start",
		gin.H{"redirect_origin": "https://alt.example.com", "redirect_path": "/notes"}, cookie)
	require.Equal(t, 200, w.Code)

	var resp struct {
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	idx := strings.Index(resp.RedirectURL, "token=")
	require.Greater(t, idx, 0)
	return resp.RedirectURL[idx+len("token="):]
}

func completeRedirect(router *gin.Engine, token, host, proto string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/api/auth/redirect/complete?token="+token, nil)
	if proto != "" {
		req.Header.Set("X-Forwarded-Proto", proto)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCompleteRedirect(t *testing.T) {
	t.Run("hands the session to the alternate origin", func(t *testing.T) {
		router, services, store := setupAPI(t)
		user, cookie := seedUser(t, store, services)
		token := startRedirectToken(t, router, cookie)

		w := completeRedirect(router, token, "alt.example.com", "https")
		require.Equal(t, 302, w.Code)
		assert.Equal(t, "/notes", w.Header().Get("Location"))

		setCookie := w.Header().Get("Set-Cookie")
		require.Contains(t, setCookie, "den_session=")
		assert.Contains(t, setCookie, "Secure")

		// The issued cookie must verify back to the same user
		value := strings.TrimPrefix(strings.SplitN(setCookie, ";", 2)[0], "den_session=")
		got, err := services.Session.Verify(value)
		require.NoError(t, err)
		assert.Equal(t, user.ID, got)
	})

	t.Run("single use", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)
		token := startRedirectToken(t, router, cookie)

		w := completeRedirect(router, token, "alt.example.com", "https")
		require.Equal(t, 302, w.Code)

		w = completeRedirect(router, token, "alt.example.com", "https")
		assert.Equal(t, 401, w.Code)
	})

	t.Run("wrong origin refused", func(t *testing.T) {
		router, services, store := setupAPI(t)
		_, cookie := seedUser(t, store, services)
		token := startRedirectToken(t, router, cookie)

		w := completeRedirect(router, token, "localhost:3000", "")
		assert.Equal(t, 400, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := completeRedirect(router, "", "alt.example.com", "https")
		assert.Equal(t, 400, w.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		w := completeRedirect(router, "nope", "alt.example.com", "https")
		assert.Equal(t, 401, w.Code)
	})
}

func TestCanonicalOriginRedirect(t *testing.T) {
	t.Run("login on alternate host redirects to canonical origin", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		req := httptest.NewRequest(http.MethodGet, "http://alt.example.com/login", nil)
		req.Header.Set("X-Forwarded-Proto", "https")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, 307, w.Code)
		location := w.Header().Get("Location")
		assert.True(t, strings.HasPrefix(location, "http://localhost:3000/login?"))
		assert.Contains(t, location, "redirect_origin=https%3A%2F%2Falt.example.com")
		assert.Contains(t, location, "redirect_path=%2F")
	})

	t.Run("login subpath on alternate host redirects", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		req := httptest.NewRequest(http.MethodGet, "http://alt.example.com/login/qr", nil)
		req.Header.Set("X-Forwarded-Proto", "https")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, 307, w.Code)
		location := w.Header().Get("Location")
		assert.True(t, strings.HasPrefix(location, "http://localhost:3000/login/qr?"))
		assert.Contains(t, location, "redirect_origin=https%3A%2F%2Falt.example.com")
	})

	t.Run("login-prefixed page passes through", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		req := httptest.NewRequest(http.MethodGet, "http://alt.example.com/login-help", nil)
		req.Header.Set("X-Forwarded-Proto", "https")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, 404, w.Code)
	})

	t.Run("setup on alternate host redirects without query", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		req := httptest.NewRequest(http.MethodGet, "http://alt.example.com/setup", nil)
		req.Header.Set("X-Forwarded-Proto", "https")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, 307, w.Code)
		assert.Equal(t, "http://localhost:3000/setup", w.Header().Get("Location"))
	})

	t.Run("canonical host passes through", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		req := httptest.NewRequest(http.MethodGet, "http://localhost:3000/login", nil)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		// No page routes are registered; the point is no redirect happened
		assert.Equal(t, 404, w.Code)
	})

	t.Run("unknown host passes through", func(t *testing.T) {
		router, _, _ := setupAPI(t)

		req := httptest.NewRequest(http.MethodGet, "http://evil.example.com/login", nil)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, 404, w.Code)
	})
}
