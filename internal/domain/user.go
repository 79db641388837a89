package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserID represents the unique identifier of the dashboard's user
type UserID struct {
	ID string `json:"id"`
}

// NewUserID creates a new random user ID
func NewUserID() UserID {
	return UserID{ID: uuid.New().String()}
}

// UserIDFromString creates a UserID from a string
func UserIDFromString(id string) UserID {
	return UserID{ID: id}
}

// String returns the string representation
func (u UserID) String() string {
	return u.ID
}

// AsUserHandle returns the ID as bytes for WebAuthn
func (u UserID) AsUserHandle() []byte {
	return []byte(u.ID)
}

// UserIDFromUserHandle creates a UserID from a WebAuthn user handle
func UserIDFromUserHandle(handle []byte) UserID {
	return UserID{ID: string(handle)}
}

// User is the dashboard's single local identity. It is created during the
// first registration ceremony and never mutated afterwards.
type User struct {
	ID        UserID    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
