package service

import (
	"context"
	"crypto/rand"
	"fmt"

	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/storage"
)

const signingKeyLength = 64

// EnsureSigningKey loads the persisted session signing secret, generating one
// on first startup. The insert is conflict-tolerant so two racing processes
// converge on the same key.
func EnsureSigningKey(ctx context.Context, store storage.Store, logger *zap.Logger) ([]byte, error) {
	candidate := make([]byte, signingKeyLength)
	if _, err := rand.Read(candidate); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	secret, err := store.SigningKeys().Ensure(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure signing key: %w", err)
	}

	if len(secret) != signingKeyLength {
		return nil, fmt.Errorf("stored signing key has unexpected length %d", len(secret))
	}

	logger.Debug("Session signing key loaded")
	return secret, nil
}
