package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/internal/storage"
)

// PasskeyService manages the user's registered passkeys
type PasskeyService struct {
	store  storage.Store
	logger *zap.Logger
}

// NewPasskeyService creates a new PasskeyService
func NewPasskeyService(store storage.Store, logger *zap.Logger) *PasskeyService {
	return &PasskeyService{
		store:  store,
		logger: logger.Named("passkey-service"),
	}
}

// List returns the user's passkeys in creation order
func (s *PasskeyService) List(ctx context.Context, userID domain.UserID) ([]*domain.Passkey, error) {
	passkeys, err := s.store.Passkeys().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	return passkeys, nil
}

// Rename changes a passkey's display name
func (s *PasskeyService) Rename(ctx context.Context, userID domain.UserID, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidInput
	}

	if err := s.store.Passkeys().Rename(ctx, userID, id, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrPasskeyNotFound
		}
		return fmt.Errorf("failed to rename passkey: %w", err)
	}

	s.logger.Info("Renamed passkey", zap.Int64("passkey_id", id))
	return nil
}

// Delete removes a passkey. The last remaining passkey cannot be deleted,
// since that would lock the user out for good.
func (s *PasskeyService) Delete(ctx context.Context, userID domain.UserID, id int64) error {
	if err := s.store.Passkeys().Delete(ctx, userID, id); err != nil {
		switch {
		case errors.Is(err, storage.ErrLastPasskey):
			return ErrLastPasskey
		case errors.Is(err, storage.ErrNotFound):
			return ErrPasskeyNotFound
		}
		return fmt.Errorf("failed to delete passkey: %w", err)
	}

	s.logger.Info("Deleted passkey", zap.Int64("passkey_id", id))
	return nil
}
