// Package sqlite implements storage on an embedded SQLite database via GORM.
// This is the production backend: a personal dashboard keeps all its state in
// one database file.
package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/denhq/go-den-backend/internal/domain"
	"github.com/denhq/go-den-backend/internal/storage"
)

// userRow is the relational shape of domain.User. The guard column is fixed
// to 1 and carries a unique index: a second user INSERT fails at the data
// layer no matter what the application checked first.
type userRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Name      string    `gorm:"not null"`
	Guard     int       `gorm:"not null;default:1;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

type passkeyRow struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	UserID       string    `gorm:"size:36;index;not null"`
	User         userRow   `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
	Name         string    `gorm:"not null"`
	CredentialID []byte    `gorm:"uniqueIndex;not null"`
	Data         []byte    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	LastUsedAt   *time.Time
}

func (passkeyRow) TableName() string { return "passkeys" }

type challengeRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Kind      string    `gorm:"not null"`
	State     []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

func (challengeRow) TableName() string { return "auth_challenges" }

type signingKeyRow struct {
	ID        int       `gorm:"primaryKey;check:id = 1"`
	Secret    []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (signingKeyRow) TableName() string { return "signing_keys" }

// Store implements storage.Store on SQLite
type Store struct {
	db          *gorm.DB
	users       *UserStore
	passkeys    *PasskeyStore
	challenges  *ChallengeStore
	signingKeys *SigningKeyStore
}

// NewStore opens (creating if necessary) the database file and migrates the
// schema. Use ":memory:" for an ephemeral database in tests.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&userRow{}, &passkeyRow{}, &challengeRow{}, &signingKeyRow{}); err != nil {
		return nil, err
	}

	return &Store{
		db:          db,
		users:       &UserStore{db: db},
		passkeys:    &PasskeyStore{db: db},
		challenges:  &ChallengeStore{db: db},
		signingKeys: &SigningKeyStore{db: db},
	}, nil
}

func (s *Store) Users() storage.UserStore             { return s.users }
func (s *Store) Passkeys() storage.PasskeyStore       { return s.passkeys }
func (s *Store) Challenges() storage.ChallengeStore   { return s.challenges }
func (s *Store) SigningKeys() storage.SigningKeyStore { return s.signingKeys }

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UserStore implements user storage on SQLite
type UserStore struct {
	db *gorm.DB
}

func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	row := userRow{
		ID:        user.ID.String(),
		Name:      user.Name,
		Guard:     1,
		CreatedAt: user.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	user.CreatedAt = row.CreatedAt
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *UserStore) First(ctx context.Context) (*domain.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Order("created_at").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *userRow) toDomain() *domain.User {
	return &domain.User{
		ID:        domain.UserIDFromString(r.ID),
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
	}
}

// PasskeyStore implements passkey storage on SQLite
type PasskeyStore struct {
	db *gorm.DB
}

func (s *PasskeyStore) Create(ctx context.Context, passkey *domain.Passkey) error {
	row := passkeyRow{
		UserID:       passkey.UserID.String(),
		Name:         passkey.Name,
		CredentialID: passkey.CredentialID,
		Data:         passkey.Data,
		CreatedAt:    passkey.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Omit("User").Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	passkey.ID = row.ID
	passkey.CreatedAt = row.CreatedAt
	return nil
}

func (s *PasskeyStore) ListByUser(ctx context.Context, userID domain.UserID) ([]*domain.Passkey, error) {
	var rows []passkeyRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	passkeys := make([]*domain.Passkey, 0, len(rows))
	for i := range rows {
		passkeys = append(passkeys, rows[i].toDomain())
	}
	return passkeys, nil
}

func (s *PasskeyStore) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Passkey, error) {
	var row passkeyRow
	err := s.db.WithContext(ctx).Where("credential_id = ?", credentialID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *PasskeyStore) Rename(ctx context.Context, userID domain.UserID, id int64, name string) error {
	res := s.db.WithContext(ctx).
		Model(&passkeyRow{}).
		Where("id = ? AND user_id = ?", id, userID.String()).
		Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PasskeyStore) Delete(ctx context.Context, userID domain.UserID, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Guarded delete: refuses when the row is the user's last passkey,
		// so the account can never become unrecoverable.
		res := tx.Exec(
			`DELETE FROM passkeys WHERE id = ? AND user_id = ?
			 AND (SELECT COUNT(*) FROM passkeys WHERE user_id = ?) > 1`,
			id, userID.String(), userID.String(),
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var count int64
		if err := tx.Model(&passkeyRow{}).
			Where("id = ? AND user_id = ?", id, userID.String()).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrLastPasskey
		}
		return storage.ErrNotFound
	})
}

func (s *PasskeyStore) UpdateAfterLogin(ctx context.Context, id int64, data []byte, usedAt time.Time) error {
	updates := map[string]any{"last_used_at": usedAt}
	if data != nil {
		updates["data"] = data
	}

	res := s.db.WithContext(ctx).Model(&passkeyRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *passkeyRow) toDomain() *domain.Passkey {
	return &domain.Passkey{
		ID:           r.ID,
		UserID:       domain.UserIDFromString(r.UserID),
		Name:         r.Name,
		CredentialID: r.CredentialID,
		Data:         r.Data,
		CreatedAt:    r.CreatedAt,
		LastUsedAt:   r.LastUsedAt,
	}
}

// ChallengeStore implements challenge storage on SQLite
type ChallengeStore struct {
	db *gorm.DB
}

func (s *ChallengeStore) Create(ctx context.Context, challenge *domain.AuthChallenge) error {
	row := challengeRow{
		ID:        challenge.ID,
		Kind:      string(challenge.Kind),
		State:     challenge.State,
		CreatedAt: challenge.CreatedAt,
		ExpiresAt: challenge.ExpiresAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *ChallengeStore) Consume(ctx context.Context, id string, kind domain.ChallengeKind, now time.Time) ([]byte, error) {
	// Single guarded DELETE ... RETURNING: at most one concurrent consumer
	// gets the row back, the rest see zero rows instead of a lock conflict.
	var rows []challengeRow
	res := s.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ? AND kind = ?", id, string(kind)).
		Delete(&rows)
	if res.Error != nil {
		return nil, res.Error
	}

	if len(rows) == 0 {
		// Distinguish a missing row from one held under another kind. The
		// mismatched row stays for its real consumer.
		var other challengeRow
		err := s.db.WithContext(ctx).Where("id = ?", id).First(&other).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if now.After(other.ExpiresAt) {
			return nil, storage.ErrExpired
		}
		return nil, storage.ErrKindMismatch
	}

	if now.After(rows[0].ExpiresAt) {
		return nil, storage.ErrExpired
	}
	return rows[0].State, nil
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) error {
	return s.db.WithContext(ctx).Delete(&challengeRow{}, "expires_at < ?", now).Error
}

// SigningKeyStore implements signing key storage on SQLite
type SigningKeyStore struct {
	db *gorm.DB
}

func (s *SigningKeyStore) Ensure(ctx context.Context, candidate []byte) ([]byte, error) {
	row := signingKeyRow{ID: 1, Secret: candidate, CreatedAt: time.Now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}

	var stored signingKeyRow
	if err := s.db.WithContext(ctx).Where("id = ?", 1).First(&stored).Error; err != nil {
		return nil, err
	}
	return stored.Secret, nil
}
