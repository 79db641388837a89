// Package memory implements in-memory storage, used for tests and
// throwaway development runs.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	users       *UserStore
	passkeys    *PasskeyStore
	challenges  *ChallengeStore
	signingKeys *SigningKeyStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		users:       &UserStore{},
		passkeys:    &PasskeyStore{data: make(map[int64]*domain.Passkey)},
		challenges:  &ChallengeStore{data: make(map[string]*domain.AuthChallenge)},
		signingKeys: &SigningKeyStore{},
	}
}

func (s *Store) Users() storage.UserStore             { return s.users }
func (s *Store) Passkeys() storage.PasskeyStore       { return s.passkeys }
func (s *Store) Challenges() storage.ChallengeStore   { return s.challenges }
func (s *Store) SigningKeys() storage.SigningKeyStore { return s.signingKeys }
func (s *Store) Ping(ctx context.Context) error       { return nil }
func (s *Store) Close() error                         { return nil }

// UserStore implements in-memory user storage for the single local user
type UserStore struct {
	mu   sync.RWMutex
	user *domain.User
}

func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user != nil {
		return storage.ErrAlreadyExists
	}

	u := *user
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.user = &u
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil || s.user.ID != id {
		return nil, storage.ErrNotFound
	}
	u := *s.user
	return &u, nil
}

func (s *UserStore) First(ctx context.Context) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return nil, storage.ErrNotFound
	}
	u := *s.user
	return &u, nil
}

// PasskeyStore implements in-memory passkey storage
type PasskeyStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.Passkey
	nextID int64
}

func (s *PasskeyStore) Create(ctx context.Context, passkey *domain.Passkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if bytes.Equal(existing.CredentialID, passkey.CredentialID) {
			return storage.ErrAlreadyExists
		}
	}

	s.nextID++
	passkey.ID = s.nextID
	if passkey.CreatedAt.IsZero() {
		passkey.CreatedAt = time.Now()
	}
	pk := *passkey
	s.data[pk.ID] = &pk
	return nil
}

func (s *PasskeyStore) ListByUser(ctx context.Context, userID domain.UserID) ([]*domain.Passkey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	passkeys := make([]*domain.Passkey, 0)
	for _, pk := range s.data {
		if pk.UserID == userID {
			copied := *pk
			passkeys = append(passkeys, &copied)
		}
	}
	sort.Slice(passkeys, func(i, j int) bool { return passkeys[i].ID < passkeys[j].ID })
	return passkeys, nil
}

func (s *PasskeyStore) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Passkey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pk := range s.data {
		if bytes.Equal(pk.CredentialID, credentialID) {
			copied := *pk
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *PasskeyStore) Rename(ctx context.Context, userID domain.UserID, id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, exists := s.data[id]
	if !exists || pk.UserID != userID {
		return storage.ErrNotFound
	}
	pk.Name = name
	return nil
}

func (s *PasskeyStore) Delete(ctx context.Context, userID domain.UserID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, exists := s.data[id]
	if !exists || pk.UserID != userID {
		return storage.ErrNotFound
	}

	remaining := 0
	for _, other := range s.data {
		if other.UserID == userID {
			remaining++
		}
	}
	if remaining <= 1 {
		return storage.ErrLastPasskey
	}

	delete(s.data, id)
	return nil
}

func (s *PasskeyStore) UpdateAfterLogin(ctx context.Context, id int64, data []byte, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if data != nil {
		pk.Data = data
	}
	used := usedAt
	pk.LastUsedAt = &used
	return nil
}

// ChallengeStore implements in-memory challenge storage
type ChallengeStore struct {
	mu   sync.Mutex
	data map[string]*domain.AuthChallenge
}

func (s *ChallengeStore) Create(ctx context.Context, challenge *domain.AuthChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[challenge.ID]; exists {
		return storage.ErrAlreadyExists
	}
	c := *challenge
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.data[c.ID] = &c
	return nil
}

func (s *ChallengeStore) Consume(ctx context.Context, id string, kind domain.ChallengeKind, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if challenge.ExpiredAt(now) {
		delete(s.data, id)
		return nil, storage.ErrExpired
	}
	if challenge.Kind != kind {
		return nil, storage.ErrKindMismatch
	}

	delete(s.data, id)
	return challenge.State, nil
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, challenge := range s.data {
		if challenge.ExpiredAt(now) {
			delete(s.data, id)
		}
	}
	return nil
}

// SigningKeyStore implements in-memory signing key storage
type SigningKeyStore struct {
	mu     sync.Mutex
	secret []byte
}

func (s *SigningKeyStore) Ensure(ctx context.Context, candidate []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secret == nil {
		s.secret = append([]byte(nil), candidate...)
	}
	return append([]byte(nil), s.secret...), nil
}
