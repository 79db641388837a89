package service

import (
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/storage"
	"github.com/denhq/go-den-backend/pkg/config"
	"github.com/denhq/go-den-backend/pkg/origin"
)

// Services aggregates all application services
type Services struct {
	Session          *SessionService
	WebAuthn         *WebAuthnService
	Redirect         *RedirectService
	Passkey          *PasskeyService
	ChallengeCleanup *ChallengeCleanupWorker
	Allowlist        *origin.Allowlist
}

// NewServices creates a new Services instance. The signing secret must
// already be loaded via EnsureSigningKey.
func NewServices(store storage.Store, cfg *config.Config, secret []byte, logger *zap.Logger) (*Services, error) {
	allowlist, err := origin.NewAllowlist(cfg.Server.RPOrigin, cfg.Server.AllowedHosts, logger)
	if err != nil {
		return nil, err
	}

	sessionSvc := NewSessionService(cfg.Session, secret, logger)
	redirectSvc := NewRedirectService(store, cfg.Redirect, allowlist, sessionSvc, logger)

	webauthnSvc, err := NewWebAuthnService(store, cfg, allowlist, redirectSvc, logger)
	if err != nil {
		return nil, err
	}

	return &Services{
		Session:          sessionSvc,
		WebAuthn:         webauthnSvc,
		Redirect:         redirectSvc,
		Passkey:          NewPasskeyService(store, logger),
		ChallengeCleanup: NewChallengeCleanupWorker(cfg.ChallengeCleanup, store, logger),
		Allowlist:        allowlist,
	}, nil
}

// Start starts background workers
func (s *Services) Start() {
	if s.ChallengeCleanup != nil {
		s.ChallengeCleanup.Start()
	}
}

// Stop gracefully stops background workers
func (s *Services) Stop() {
	if s.ChallengeCleanup != nil {
		s.ChallengeCleanup.Stop()
	}
}
