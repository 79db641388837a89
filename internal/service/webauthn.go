package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/internal/storage"
	"github.com/denhq/go-den-backend/pkg/config"
	"github.com/denhq/go-den-backend/pkg/origin"
)

// WebAuthnService runs the registration and authentication ceremonies.
// Ceremony state between begin and complete lives in the challenge store;
// the client only holds the opaque challenge ID.
type WebAuthnService struct {
	store     storage.Store
	cfg       *config.Config
	allowlist *origin.Allowlist
	redirects *RedirectService
	logger    *zap.Logger
	webauthn  *webauthn.WebAuthn
}

// NewWebAuthnService creates a new WebAuthnService
func NewWebAuthnService(store storage.Store, cfg *config.Config, allowlist *origin.Allowlist, redirects *RedirectService, logger *zap.Logger) (*WebAuthnService, error) {
	wconfig := &webauthn.Config{
		RPDisplayName: cfg.Server.RPName,
		RPID:          cfg.Server.RPID,
		RPOrigins:     []string{allowlist.RPOrigin()},
	}

	wa, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn: %w", err)
	}

	return &WebAuthnService{
		store:     store,
		cfg:       cfg,
		allowlist: allowlist,
		redirects: redirects,
		logger:    logger.Named("webauthn-service"),
		webauthn:  wa,
	}, nil
}

// webauthnUser adapts a domain user and their stored passkeys to the
// webauthn.User interface.
type webauthnUser struct {
	id          domain.UserID
	name        string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return u.id.AsUserHandle() }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// decodeCredentials deserializes the stored credential blobs
func decodeCredentials(passkeys []*domain.Passkey) ([]webauthn.Credential, error) {
	creds := make([]webauthn.Credential, 0, len(passkeys))
	for _, pk := range passkeys {
		var cred webauthn.Credential
		if err := json.Unmarshal(pk.Data, &cred); err != nil {
			return nil, fmt.Errorf("failed to decode credential %d: %w", pk.ID, err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// registrationState is the serialized ceremony context of an in-flight
// registration challenge.
type registrationState struct {
	Session     webauthn.SessionData `json:"session"`
	UserID      string               `json:"user_id"`
	UserName    string               `json:"user_name"`
	PasskeyName string               `json:"passkey_name"`
	IsNewUser   bool                 `json:"is_new_user"`
}

// authenticationState is the serialized ceremony context of an in-flight
// authentication challenge. The redirect target is carried here so a login
// started from an alternate origin can be handed back to it afterwards.
type authenticationState struct {
	Session        webauthn.SessionData `json:"session"`
	UserID         string               `json:"user_id"`
	RedirectOrigin string               `json:"redirect_origin,omitempty"`
	RedirectPath   string               `json:"redirect_path,omitempty"`
}

// BeginRegistrationResult contains the challenge handle and the creation
// options to pass to navigator.credentials.create.
type BeginRegistrationResult struct {
	ChallengeID string                       `json:"challenge_id"`
	Options     *protocol.CredentialCreation `json:"options"`
}

// BeginRegistration starts a registration ceremony. The first registration
// creates the user; later ones add a passkey and require an authenticated
// caller.
func (s *WebAuthnService) BeginRegistration(ctx context.Context, userName, passkeyName string, authenticated bool) (*BeginRegistrationResult, error) {
	passkeyName = strings.TrimSpace(passkeyName)
	if passkeyName == "" {
		return nil, ErrInvalidInput
	}

	var (
		state      registrationState
		exclusions []protocol.CredentialDescriptor
		waUser     *webauthnUser
	)

	user, err := s.store.Users().First(ctx)
	switch {
	case err == nil:
		if !authenticated {
			return nil, ErrAlreadySetUp
		}

		passkeys, err := s.store.Passkeys().ListByUser(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list passkeys: %w", err)
		}
		for _, pk := range passkeys {
			exclusions = append(exclusions, protocol.CredentialDescriptor{
				Type:         protocol.PublicKeyCredentialType,
				CredentialID: pk.CredentialID,
			})
		}

		waUser = &webauthnUser{id: user.ID, name: user.Name}
		state = registrationState{
			UserID:      user.ID.String(),
			UserName:    user.Name,
			PasskeyName: passkeyName,
		}

	case errors.Is(err, storage.ErrNotFound):
		userName = strings.TrimSpace(userName)
		if userName == "" {
			return nil, ErrInvalidInput
		}

		userID := domain.NewUserID()
		waUser = &webauthnUser{id: userID, name: userName}
		state = registrationState{
			UserID:      userID.String(),
			UserName:    userName,
			PasskeyName: passkeyName,
			IsNewUser:   true,
		}

	default:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	creation, session, err := s.webauthn.BeginRegistration(waUser,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		s.logger.Error("Failed to begin registration", zap.Error(err))
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	state.Session = *session
	challengeID, err := s.storeChallenge(ctx, domain.KindRegistration, state, s.challengeTTL())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Started registration",
		zap.String("user_id", state.UserID),
		zap.Bool("new_user", state.IsNewUser),
	)

	return &BeginRegistrationResult{ChallengeID: challengeID, Options: creation}, nil
}

// RegistrationResult is the outcome of a completed registration ceremony
type RegistrationResult struct {
	User *domain.User
	// IssueSession is set on first-time setup, where the fresh user should
	// be logged in immediately.
	IssueSession bool
}

// FinishRegistration completes a registration ceremony: consumes the
// challenge, verifies the attestation, and persists the user and passkey.
func (s *WebAuthnService) FinishRegistration(ctx context.Context, challengeID string, credential json.RawMessage, authenticated bool) (*RegistrationResult, error) {
	var state registrationState
	if err := s.consumeChallenge(ctx, challengeID, domain.KindRegistration, &state); err != nil {
		return nil, err
	}

	// Re-checked after consumption so an expired session between begin and
	// complete cannot add a passkey to the existing user.
	if !state.IsNewUser && !authenticated {
		return nil, ErrAlreadySetUp
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(credential))
	if err != nil {
		s.logger.Warn("Failed to parse credential creation response", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	userID := domain.UserIDFromString(state.UserID)
	waUser := &webauthnUser{id: userID, name: state.UserName}

	cred, err := s.webauthn.CreateCredential(waUser, state.Session, parsed)
	if err != nil {
		s.logger.Warn("Registration verification failed", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	var user *domain.User
	if state.IsNewUser {
		user = &domain.User{ID: userID, Name: state.UserName}
		if err := s.store.Users().Create(ctx, user); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Lost a race against a concurrent first registration
				return nil, ErrAlreadySetUp
			}
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
	} else {
		user, err = s.store.Users().GetByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential: %w", err)
	}

	passkey := &domain.Passkey{
		UserID:       user.ID,
		Name:         state.PasskeyName,
		CredentialID: cred.ID,
		Data:         data,
	}
	if err := s.store.Passkeys().Create(ctx, passkey); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrVerificationFailed
		}
		return nil, fmt.Errorf("failed to create passkey: %w", err)
	}

	s.logger.Info("Registration completed",
		zap.String("user_id", user.ID.String()),
		zap.String("passkey", state.PasskeyName),
	)

	return &RegistrationResult{User: user, IssueSession: state.IsNewUser}, nil
}

// BeginLoginResult contains the challenge handle and the assertion options
// to pass to navigator.credentials.get.
type BeginLoginResult struct {
	ChallengeID string                        `json:"challenge_id"`
	Options     *protocol.CredentialAssertion `json:"options"`
}

// BeginLogin starts an authentication ceremony. When the login was initiated
// from an alternate origin, that origin and the landing path are bound into
// the challenge so the completed login can be handed back to it.
func (s *WebAuthnService) BeginLogin(ctx context.Context, redirectOrigin, redirectPath string) (*BeginLoginResult, error) {
	canonical := ""
	if redirectOrigin != "" {
		var err error
		canonical, err = s.allowlist.CanonicalizeRedirectOrigin(redirectOrigin)
		if err != nil {
			return nil, ErrInvalidOrigin
		}
	}

	user, err := s.store.Users().First(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSetupIncomplete
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	passkeys, err := s.store.Passkeys().ListByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	if len(passkeys) == 0 {
		return nil, ErrSetupIncomplete
	}

	creds, err := decodeCredentials(passkeys)
	if err != nil {
		return nil, err
	}
	waUser := &webauthnUser{id: user.ID, name: user.Name, credentials: creds}

	assertion, session, err := s.webauthn.BeginLogin(waUser)
	if err != nil {
		s.logger.Error("Failed to begin login", zap.Error(err))
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}

	state := authenticationState{
		Session:        *session,
		UserID:         user.ID.String(),
		RedirectOrigin: canonical,
		RedirectPath:   redirectPath,
	}
	challengeID, err := s.storeChallenge(ctx, domain.KindAuthentication, state, s.challengeTTL())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Started login", zap.String("user_id", user.ID.String()))

	return &BeginLoginResult{ChallengeID: challengeID, Options: assertion}, nil
}

// LoginResult is the outcome of a completed authentication ceremony
type LoginResult struct {
	User *domain.User
	// RedirectURL is non-empty when the login began from an alternate
	// origin and a single-use handoff token was minted for it.
	RedirectURL string
}

// FinishLogin completes an authentication ceremony: consumes the challenge,
// verifies the assertion, and persists the updated credential state.
func (s *WebAuthnService) FinishLogin(ctx context.Context, challengeID string, credential json.RawMessage) (*LoginResult, error) {
	var state authenticationState
	if err := s.consumeChallenge(ctx, challengeID, domain.KindAuthentication, &state); err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(credential))
	if err != nil {
		s.logger.Warn("Failed to parse credential assertion response", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	passkey, err := s.store.Passkeys().GetByCredentialID(ctx, parsed.RawID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownCredential
		}
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	userID := domain.UserIDFromString(state.UserID)
	if passkey.UserID != userID {
		return nil, ErrUnknownCredential
	}

	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	creds, err := decodeCredentials([]*domain.Passkey{passkey})
	if err != nil {
		return nil, err
	}
	waUser := &webauthnUser{id: user.ID, name: user.Name, credentials: creds}

	cred, err := s.webauthn.ValidateLogin(waUser, state.Session, parsed)
	if err != nil {
		s.logger.Warn("Login verification failed", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	// Many platform authenticators never increment the signature counter,
	// so a counter regression is only fatal when strict mode is on.
	if cred.Authenticator.CloneWarning {
		if s.cfg.WebAuthn.StrictSignCount {
			s.logger.Warn("Rejecting assertion with counter regression",
				zap.Int64("passkey_id", passkey.ID),
			)
			return nil, ErrVerificationFailed
		}
		s.logger.Warn("Signature counter regression",
			zap.Int64("passkey_id", passkey.ID),
		)
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential: %w", err)
	}
	if err := s.store.Passkeys().UpdateAfterLogin(ctx, passkey.ID, data, time.Now()); err != nil {
		// Login already verified; a failed bookkeeping write is logged only
		s.logger.Error("Failed to update passkey after login",
			zap.Int64("passkey_id", passkey.ID),
			zap.Error(err),
		)
	}

	result := &LoginResult{User: user}
	if state.RedirectOrigin != "" {
		redirectURL, err := s.redirects.Start(ctx, user.ID, state.RedirectOrigin, state.RedirectPath)
		if err != nil {
			return nil, fmt.Errorf("failed to mint redirect token: %w", err)
		}
		result.RedirectURL = redirectURL
	}

	s.logger.Info("User logged in",
		zap.String("user_id", user.ID.String()),
		zap.Int64("passkey_id", passkey.ID),
	)

	return result, nil
}

func (s *WebAuthnService) challengeTTL() time.Duration {
	return time.Duration(s.cfg.WebAuthn.ChallengeTTLMinutes) * time.Minute
}

// storeChallenge serializes the ceremony state under a fresh challenge ID
func (s *WebAuthnService) storeChallenge(ctx context.Context, kind domain.ChallengeKind, state interface{}, ttl time.Duration) (string, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize ceremony state: %w", err)
	}

	challengeID := uuid.New().String()
	challenge := &domain.AuthChallenge{
		ID:        challengeID,
		Kind:      kind,
		State:     blob,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.store.Challenges().Create(ctx, challenge); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}
	return challengeID, nil
}

// consumeChallenge atomically consumes the challenge and deserializes its
// ceremony state into out.
func (s *WebAuthnService) consumeChallenge(ctx context.Context, id string, kind domain.ChallengeKind, out interface{}) error {
	blob, err := s.store.Challenges().Consume(ctx, id, kind, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return ErrChallengeNotFound
		case errors.Is(err, storage.ErrExpired):
			return ErrChallengeExpired
		case errors.Is(err, storage.ErrKindMismatch):
			return ErrChallengeKindMismatch
		}
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("failed to deserialize ceremony state: %w", err)
	}
	return nil
}
