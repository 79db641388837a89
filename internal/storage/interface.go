package storage

import (
	"context"
	"errors"
	"time"

	"github.com/denhq/go-den-backend/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrExpired       = errors.New("expired")
	ErrKindMismatch  = errors.New("challenge kind mismatch")
	ErrLastPasskey   = errors.New("last passkey")
	ErrDatabase      = errors.New("database error")
)

// UserStore defines the interface for user storage operations.
// The system supports exactly one local user; the constraint is enforced at
// the data layer so concurrent registration completions cannot both win.
type UserStore interface {
	// Create creates the user. Fails with ErrAlreadyExists if any user row
	// exists, regardless of ID.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)

	// First retrieves the single user, ErrNotFound when setup has not run
	First(ctx context.Context) (*domain.User, error)
}

// PasskeyStore defines the interface for passkey storage operations
type PasskeyStore interface {
	// Create persists a new passkey and fills in its assigned ID
	Create(ctx context.Context, passkey *domain.Passkey) error

	// ListByUser returns the user's passkeys in creation order
	ListByUser(ctx context.Context, userID domain.UserID) ([]*domain.Passkey, error)

	// GetByCredentialID resolves a passkey by its raw WebAuthn credential ID
	GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Passkey, error)

	// Rename changes a passkey's display name; ErrNotFound when the ID is
	// not owned by the user
	Rename(ctx context.Context, userID domain.UserID, id int64, name string) error

	// Delete removes a passkey. Fails with ErrLastPasskey when it is the
	// user's only remaining one, ErrNotFound when the ID is not owned.
	Delete(ctx context.Context, userID domain.UserID, id int64) error

	// UpdateAfterLogin persists the verified credential state (counter,
	// backup flags) and touches the last-used timestamp
	UpdateAfterLogin(ctx context.Context, id int64, data []byte, usedAt time.Time) error
}

// ChallengeStore defines the interface for ceremony challenge storage
type ChallengeStore interface {
	// Create persists a new challenge
	Create(ctx context.Context, challenge *domain.AuthChallenge) error

	// Consume atomically reads and deletes a challenge. At most one caller
	// succeeds per ID. Errors: ErrNotFound (absent or already consumed),
	// ErrExpired (past expiry; the row is deleted), ErrKindMismatch.
	Consume(ctx context.Context, id string, kind domain.ChallengeKind, now time.Time) ([]byte, error)

	// DeleteExpired removes challenges past their expiry. Best-effort
	// housekeeping; correctness never depends on it.
	DeleteExpired(ctx context.Context, now time.Time) error
}

// SigningKeyStore persists the singleton session signing secret
type SigningKeyStore interface {
	// Ensure installs the candidate secret if no key exists yet and returns
	// the stored secret. The insert is conflict-tolerant: when two startups
	// race, the first writer wins and the loser reads the winner's key back.
	Ensure(ctx context.Context, candidate []byte) ([]byte, error)
}

// Store aggregates all storage interfaces
type Store interface {
	Users() UserStore
	Passkeys() PasskeyStore
	Challenges() ChallengeStore
	SigningKeys() SigningKeyStore

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}
