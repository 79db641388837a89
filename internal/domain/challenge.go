package domain

import "time"

// ChallengeKind distinguishes the ceremony a stored challenge belongs to.
// Redirect tokens share the challenge table: they have the same ephemeral
// create-consume-or-expire lifecycle, just a much shorter TTL.
type ChallengeKind string

const (
	KindRegistration   ChallengeKind = "registration"
	KindAuthentication ChallengeKind = "authentication"
	KindRedirect       ChallengeKind = "redirect"
)

// AuthChallenge is the server-side state of one in-flight ceremony. The ID
// doubles as the correlation token returned to the client; State carries the
// serialized ceremony context. Rows are consumed exactly once or expire.
type AuthChallenge struct {
	ID        string        `json:"id"`
	Kind      ChallengeKind `json:"kind"`
	State     []byte        `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// ExpiredAt reports whether the challenge is past its expiry at the given time
func (c *AuthChallenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
