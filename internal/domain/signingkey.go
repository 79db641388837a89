package domain

import "time"

// SigningKey is the process-wide session signing secret. Exactly one row
// exists; it is created lazily at first startup and never rotated by running
// code, since rotation would invalidate every outstanding session.
type SigningKey struct {
	ID        int       `json:"id"`
	Secret    []byte    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}
