package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/internal/storage"
	"github.com/denhq/go-den-backend/pkg/config"
	"github.com/denhq/go-den-backend/pkg/origin"
)

const redirectCompletePath = "/api/auth/redirect/complete"

// qrSize is the pixel edge of generated QR codes
const qrSize = 256

// RedirectService hands an authenticated session off to an allowed alternate
// origin. Tokens are single-use challenge rows with a short TTL; the completing
// request must arrive at the exact origin the token was minted for.
type RedirectService struct {
	store     storage.Store
	cfg       config.RedirectConfig
	allowlist *origin.Allowlist
	sessions  *SessionService
	logger    *zap.Logger
}

// NewRedirectService creates a new RedirectService
func NewRedirectService(store storage.Store, cfg config.RedirectConfig, allowlist *origin.Allowlist, sessions *SessionService, logger *zap.Logger) *RedirectService {
	return &RedirectService{
		store:     store,
		cfg:       cfg,
		allowlist: allowlist,
		sessions:  sessions,
		logger:    logger.Named("redirect-service"),
	}
}

// redirectState binds a minted token to its user and target
type redirectState struct {
	UserID       string `json:"user_id"`
	TargetOrigin string `json:"target_origin"`
	TargetPath   string `json:"target_path"`
}

// normalizeRedirectPath restricts the landing path to a same-site absolute
// path. Anything that could be read as a scheme-relative URL falls back to /.
func normalizeRedirectPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "/") {
		return "/"
	}
	if strings.HasPrefix(path, "//") || strings.Contains(path, "\\") {
		return "/"
	}
	return path
}

// Start mints a single-use redirect token for the user and returns the full
// completion URL on the target origin.
func (s *RedirectService) Start(ctx context.Context, userID domain.UserID, redirectOrigin, redirectPath string) (string, error) {
	target, err := s.allowlist.CanonicalizeTargetOrigin(redirectOrigin)
	if err != nil {
		return "", ErrInvalidOrigin
	}

	state := redirectState{
		UserID:       userID.String(),
		TargetOrigin: target,
		TargetPath:   normalizeRedirectPath(redirectPath),
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize redirect state: %w", err)
	}

	token := uuid.New().String()
	challenge := &domain.AuthChallenge{
		ID:        token,
		Kind:      domain.KindRedirect,
		State:     blob,
		ExpiresAt: time.Now().Add(time.Duration(s.cfg.TokenTTLSeconds) * time.Second),
	}
	if err := s.store.Challenges().Create(ctx, challenge); err != nil {
		return "", fmt.Errorf("failed to store redirect token: %w", err)
	}

	s.logger.Info("Minted redirect token",
		zap.String("user_id", userID.String()),
		zap.String("target_origin", target),
	)

	return target + redirectCompletePath + "?token=" + url.QueryEscape(token), nil
}

// Complete consumes a redirect token and issues a session for its user. The
// request origin must match the origin the token was minted for, and that
// origin must still be allowed.
func (s *RedirectService) Complete(ctx context.Context, token, requestOrigin string) (sessionToken, redirectPath string, err error) {
	blob, err := s.store.Challenges().Consume(ctx, token, domain.KindRedirect, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrKindMismatch):
			return "", "", ErrRedirectTokenNotFound
		case errors.Is(err, storage.ErrExpired):
			return "", "", ErrRedirectTokenExpired
		}
		return "", "", fmt.Errorf("failed to consume redirect token: %w", err)
	}

	var state redirectState
	if err := json.Unmarshal(blob, &state); err != nil {
		return "", "", fmt.Errorf("failed to deserialize redirect state: %w", err)
	}

	arrived, err := origin.Normalize(requestOrigin)
	if err != nil || arrived != state.TargetOrigin || !s.allowlist.AllowedOrigin(arrived) {
		s.logger.Warn("Redirect completion on wrong origin",
			zap.String("expected", state.TargetOrigin),
			zap.String("got", requestOrigin),
		)
		return "", "", ErrInvalidOrigin
	}

	sessionToken, err = s.sessions.Issue(domain.UserIDFromString(state.UserID))
	if err != nil {
		return "", "", err
	}

	s.logger.Info("Redirect completed",
		zap.String("user_id", state.UserID),
		zap.String("origin", arrived),
	)

	return sessionToken, state.TargetPath, nil
}

// QR renders a PNG QR code of the redirect completion URL, for logging in a
// device by scanning from an already-authenticated one.
func (s *RedirectService) QR(ctx context.Context, userID domain.UserID, redirectOrigin, redirectPath string) ([]byte, error) {
	redirectURL, err := s.Start(ctx, userID, redirectOrigin, redirectPath)
	if err != nil {
		return nil, err
	}

	png, err := qrcode.Encode(redirectURL, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return png, nil
}
