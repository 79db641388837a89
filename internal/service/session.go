package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/pkg/config"
)

// SessionService issues and verifies stateless session tokens. Tokens are
// HS256 JWTs signed with the persisted signing key; there is no server-side
// session state, so logout only clears the cookie.
type SessionService struct {
	cfg    config.SessionConfig
	secret []byte
	logger *zap.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(cfg config.SessionConfig, secret []byte, logger *zap.Logger) *SessionService {
	return &SessionService{
		cfg:    cfg,
		secret: secret,
		logger: logger.Named("session-service"),
	}
}

// Lifetime returns the configured session lifetime
func (s *SessionService) Lifetime() time.Duration {
	return time.Duration(s.cfg.LifetimeDays) * 24 * time.Hour
}

// CookieName returns the configured session cookie name
func (s *SessionService) CookieName() string {
	return s.cfg.CookieName
}

// Issue creates a signed session token for the user
func (s *SessionService) Issue(userID domain.UserID) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": now.Unix(),
		"exp": now.Add(s.Lifetime()).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify validates a session token and returns the subject user ID
func (s *SessionService) Verify(tokenString string) (domain.UserID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.UserID{}, ErrTokenExpired
		}
		return domain.UserID{}, ErrInvalidToken
	}
	if !token.Valid {
		return domain.UserID{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.UserID{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.UserID{}, ErrInvalidToken
	}

	return domain.UserIDFromString(sub), nil
}

// Cookie builds the session cookie for the given token. Secure is set when
// the origin the request arrived on is https.
func (s *SessionService) Cookie(token, requestOrigin string) *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.Lifetime().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   strings.HasPrefix(requestOrigin, "https://"),
	}
}

// ClearCookie builds an expired session cookie
func (s *SessionService) ClearCookie(requestOrigin string) *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   strings.HasPrefix(requestOrigin, "https://"),
	}
}
