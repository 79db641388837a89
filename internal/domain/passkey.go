package domain

import "time"

// Passkey is a public-key credential bound to the user. Data holds the
// serialized webauthn credential (public key, sign counter, flags) needed to
// verify future assertions; CredentialID duplicates the credential's raw ID
// so an assertion can be resolved without decoding every row.
type Passkey struct {
	ID           int64      `json:"id"`
	UserID       UserID     `json:"user_id"`
	Name         string     `json:"name"`
	CredentialID []byte     `json:"credential_id"`
	Data         []byte     `json:"data"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}
