package backend

import (
	"context"
	"fmt"

	"github.com/denhq/go-den-backend/internal/storage"
	"github.com/denhq/go-den-backend/internal/storage/memory"
	"github.com/denhq/go-den-backend/internal/storage/sqlite"
	"github.com/denhq/go-den-backend/pkg/config"
)

// Type defines the type of storage backend
type Type string

const (
	// TypeMemory uses in-memory storage (for testing/development)
	TypeMemory Type = "memory"
	// TypeSQLite uses an embedded SQLite database (for production)
	TypeSQLite Type = "sqlite"
)

// Backend wraps storage stores with a common interface for lifecycle management
type Backend interface {
	// Users returns the user store
	Users() storage.UserStore
	// Passkeys returns the passkey store
	Passkeys() storage.PasskeyStore
	// Challenges returns the challenge store
	Challenges() storage.ChallengeStore
	// SigningKeys returns the signing key store
	SigningKeys() storage.SigningKeyStore
	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
	// Close closes the storage connection
	Close() error
}

// memoryBackend wraps the memory store to implement Backend
type memoryBackend struct {
	store *memory.Store
}

func (b *memoryBackend) Users() storage.UserStore             { return b.store.Users() }
func (b *memoryBackend) Passkeys() storage.PasskeyStore       { return b.store.Passkeys() }
func (b *memoryBackend) Challenges() storage.ChallengeStore   { return b.store.Challenges() }
func (b *memoryBackend) SigningKeys() storage.SigningKeyStore { return b.store.SigningKeys() }
func (b *memoryBackend) Ping(ctx context.Context) error       { return b.store.Ping(ctx) }
func (b *memoryBackend) Close() error                         { return nil }

// sqliteBackend wraps the SQLite store to implement Backend
type sqliteBackend struct {
	store *sqlite.Store
}

func (b *sqliteBackend) Users() storage.UserStore             { return b.store.Users() }
func (b *sqliteBackend) Passkeys() storage.PasskeyStore       { return b.store.Passkeys() }
func (b *sqliteBackend) Challenges() storage.ChallengeStore   { return b.store.Challenges() }
func (b *sqliteBackend) SigningKeys() storage.SigningKeyStore { return b.store.SigningKeys() }
func (b *sqliteBackend) Ping(ctx context.Context) error       { return b.store.Ping(ctx) }
func (b *sqliteBackend) Close() error                         { return b.store.Close() }

// New creates a storage backend based on the configuration
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	storageType := Type(cfg.Storage.Type)

	switch storageType {
	case TypeMemory:
		store := memory.NewStore()
		return &memoryBackend{store: store}, nil

	case TypeSQLite, "":
		// Default to the embedded database if not specified
		store, err := sqlite.NewStore(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		return &sqliteBackend{store: store}, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
