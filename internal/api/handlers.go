package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/backend"
	"github.com/denhq/go-den-backend/internal/service"
	"github.com/denhq/go-den-backend/pkg/config"
	"github.com/denhq/go-den-backend/pkg/origin"
)

// Handlers aggregates all HTTP handlers
type Handlers struct {
	services *service.Services
	store    backend.Backend
	cfg      *config.Config
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services *service.Services, store backend.Backend, cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		services: services,
		store:    store,
		cfg:      cfg,
		logger:   logger.Named("handlers"),
	}
}

// requestOrigin reconstructs the origin the request arrived on, honoring
// reverse-proxy forwarding headers.
func (h *Handlers) requestOrigin(c *gin.Context) string {
	fallback := origin.RequestFallbackScheme(c.Request, h.services.Allowlist.RPOrigin())
	return origin.RequestOrigin(c.Request, fallback)
}

// writeError maps service errors to HTTP statuses. A registration attempt on
// an already-set-up instance answers 401 like any other unauthenticated
// request, so probing cannot tell "set up" from "logged out".
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAlreadySetUp):
		c.JSON(401, gin.H{"error": "Authentication required"})
	case errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrRedirectTokenNotFound),
		errors.Is(err, service.ErrRedirectTokenExpired):
		c.JSON(401, gin.H{"error": "Invalid or expired token"})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(400, gin.H{"error": "Invalid input"})
	case errors.Is(err, service.ErrInvalidOrigin):
		c.JSON(400, gin.H{"error": "Invalid origin"})
	case errors.Is(err, service.ErrSetupIncomplete):
		c.JSON(400, gin.H{"error": "No passkeys registered"})
	case errors.Is(err, service.ErrChallengeNotFound),
		errors.Is(err, service.ErrChallengeExpired),
		errors.Is(err, service.ErrChallengeKindMismatch):
		c.JSON(400, gin.H{"error": "Invalid or expired challenge"})
	case errors.Is(err, service.ErrVerificationFailed),
		errors.Is(err, service.ErrUnknownCredential):
		c.JSON(400, gin.H{"error": "Verification failed"})
	case errors.Is(err, service.ErrLastPasskey):
		c.JSON(409, gin.H{"error": "Cannot delete the last passkey"})
	case errors.Is(err, service.ErrPasskeyNotFound):
		c.JSON(404, gin.H{"error": "Passkey not found"})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		c.JSON(500, gin.H{"error": "Internal server error"})
	}
}

// Health handles the /api/health endpoint
func (h *Handlers) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Health check failed", zap.Error(err))
		c.JSON(503, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(200, gin.H{"status": "ok"})
}

type beginRegistrationRequest struct {
	UserName    string `json:"user_name"`
	PasskeyName string `json:"passkey_name"`
}

// BeginRegistration starts a registration ceremony
func (h *Handlers) BeginRegistration(c *gin.Context) {
	var req beginRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request body"})
		return
	}

	_, authenticated := authedUser(c)
	result, err := h.services.WebAuthn.BeginRegistration(c.Request.Context(), req.UserName, req.PasskeyName, authenticated)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"challenge_id": result.ChallengeID,
		"options":      result.Options,
	})
}

type completeCeremonyRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
}

// CompleteRegistration finishes a registration ceremony. First-time setup
// logs the fresh user in.
func (h *Handlers) CompleteRegistration(c *gin.Context) {
	var req completeCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request body"})
		return
	}

	_, authenticated := authedUser(c)
	result, err := h.services.WebAuthn.FinishRegistration(c.Request.Context(), req.ChallengeID, req.Credential, authenticated)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if result.IssueSession {
		token, err := h.services.Session.Issue(result.User.ID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		http.SetCookie(c.Writer, h.services.Session.Cookie(token, h.requestOrigin(c)))
	}

	c.JSON(200, gin.H{"user_name": result.User.Name})
}

type beginLoginRequest struct {
	RedirectOrigin string `json:"redirect_origin"`
	RedirectPath   string `json:"redirect_path"`
}

// BeginLogin starts an authentication ceremony
func (h *Handlers) BeginLogin(c *gin.Context) {
	// An absent body means a plain canonical-origin login; a present but
	// malformed one is rejected.
	var req beginLoginRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": "Invalid request body"})
			return
		}
	}

	result, err := h.services.WebAuthn.BeginLogin(c.Request.Context(), req.RedirectOrigin, req.RedirectPath)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"challenge_id": result.ChallengeID,
		"options":      result.Options,
	})
}

// CompleteLogin finishes an authentication ceremony and issues the session
func (h *Handlers) CompleteLogin(c *gin.Context) {
	var req completeCeremonyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request body"})
		return
	}

	result, err := h.services.WebAuthn.FinishLogin(c.Request.Context(), req.ChallengeID, req.Credential)
	if err != nil {
		// A failed assertion is an authentication failure, unlike the
		// malformed-attestation 400 on the registration side.
		if errors.Is(err, service.ErrVerificationFailed) || errors.Is(err, service.ErrUnknownCredential) {
			c.JSON(401, gin.H{"error": "Authentication failed"})
			return
		}
		h.writeError(c, err)
		return
	}

	token, err := h.services.Session.Issue(result.User.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	http.SetCookie(c.Writer, h.services.Session.Cookie(token, h.requestOrigin(c)))

	resp := gin.H{"user_name": result.User.Name}
	if result.RedirectURL != "" {
		resp["redirect_url"] = result.RedirectURL
	}
	c.JSON(200, resp)
}

// Logout clears the session cookie. Sessions are stateless, so the token
// itself stays valid until it expires.
func (h *Handlers) Logout(c *gin.Context) {
	http.SetCookie(c.Writer, h.services.Session.ClearCookie(h.requestOrigin(c)))
	c.JSON(200, gin.H{"status": "ok"})
}

type passkeyResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ListPasskeys returns the user's registered passkeys
func (h *Handlers) ListPasskeys(c *gin.Context) {
	userID, _ := authedUser(c)

	passkeys, err := h.services.Passkey.List(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]passkeyResponse, 0, len(passkeys))
	for _, pk := range passkeys {
		resp = append(resp, passkeyResponse{
			ID:         pk.ID,
			Name:       pk.Name,
			CreatedAt:  pk.CreatedAt,
			LastUsedAt: pk.LastUsedAt,
		})
	}
	c.JSON(200, resp)
}

func passkeyID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid passkey id"})
		return 0, false
	}
	return id, true
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

// RenamePasskey changes a passkey's display name
func (h *Handlers) RenamePasskey(c *gin.Context) {
	userID, _ := authedUser(c)
	id, ok := passkeyID(c)
	if !ok {
		return
	}

	var req renamePasskeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.services.Passkey.Rename(c.Request.Context(), userID, id, req.Name); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(204)
}

// DeletePasskey removes a passkey
func (h *Handlers) DeletePasskey(c *gin.Context) {
	userID, _ := authedUser(c)
	id, ok := passkeyID(c)
	if !ok {
		return
	}

	if err := h.services.Passkey.Delete(c.Request.Context(), userID, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(204)
}

type redirectStartRequest struct {
	RedirectOrigin string `json:"redirect_origin"`
	RedirectPath   string `json:"redirect_path"`
}

// StartRedirect mints a single-use session handoff URL for an allowed origin
func (h *Handlers) StartRedirect(c *gin.Context) {
	userID, _ := authedUser(c)

	var req redirectStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request body"})
		return
	}

	redirectURL, err := h.services.Redirect.Start(c.Request.Context(), userID, req.RedirectOrigin, req.RedirectPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"redirect_url": redirectURL})
}

// RedirectQR renders the handoff URL as a QR code for scanning from
// another device
func (h *Handlers) RedirectQR(c *gin.Context) {
	userID, _ := authedUser(c)

	png, err := h.services.Redirect.QR(c.Request.Context(), userID, c.Query("redirect_origin"), c.Query("redirect_path"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(200, "image/png", png)
}

// CompleteRedirect is the browser-navigable handoff target on the alternate
// origin: it consumes the token, sets the session cookie for this origin,
// and redirects to the bound landing path.
func (h *Handlers) CompleteRedirect(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(400, gin.H{"error": "Missing token"})
		return
	}

	sessionToken, redirectPath, err := h.services.Redirect.Complete(c.Request.Context(), token, h.requestOrigin(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	http.SetCookie(c.Writer, h.services.Session.Cookie(sessionToken, h.requestOrigin(c)))
	c.Redirect(http.StatusFound, redirectPath)
}
