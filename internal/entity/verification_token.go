package entity

import (
	"time"

	"github.com/google/uuid"
)

type ChannelKind string

const (
	ChannelPhone ChannelKind = "phone"
	ChannelEmail ChannelKind = "email"
)

func (k ChannelKind) Valid() bool {
	return k == ChannelPhone || k == ChannelEmail
}

// TokenState is derived from a token's fields; it is never stored.
type TokenState string

const (
	TokenActive     TokenState = "active"
	TokenConsumed   TokenState = "consumed"
	TokenSuperseded TokenState = "superseded"
	TokenExpired    TokenState = "expired"
	TokenExhausted  TokenState = "exhausted"
)

type VerificationToken struct {
	ID      uuid.UUID   `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID uuid.UUID   `gorm:"type:uuid;not null;index:idx_verification_tokens_scope,priority:1"`
	Channel ChannelKind `gorm:"type:varchar(16);not null;index:idx_verification_tokens_scope,priority:2"`

	Recipient string `gorm:"type:varchar(320);not null"`
	TokenHash string `gorm:"type:text;not null"`

	FailedAttempts int `gorm:"not null;default:0"`

	ConsumedAt    *time.Time
	InvalidatedAt *time.Time

	CreatedAt time.Time `gorm:"not null;index:idx_verification_tokens_scope,priority:3,sort:desc"`
}

// Live reports whether the token can still take part in verification.
func (t *VerificationToken) Live() bool {
	return t.ConsumedAt == nil && t.InvalidatedAt == nil
}

func (t *VerificationToken) IsCurrent(now time.Time, window time.Duration) bool {
	return now.Sub(t.CreatedAt) < window
}

func (t *VerificationToken) ExpiresAt(window time.Duration) time.Time {
	return t.CreatedAt.Add(window)
}

// State applies the same precedence as verification: consumed and superseded
// first, then the attempt ceiling, then expiry.
func (t *VerificationToken) State(now time.Time, window time.Duration, maxAttempts int) TokenState {
	switch {
	case t.ConsumedAt != nil:
		return TokenConsumed
	case t.InvalidatedAt != nil:
		return TokenSuperseded
	case maxAttempts > 0 && t.FailedAttempts >= maxAttempts:
		return TokenExhausted
	case !t.IsCurrent(now, window):
		return TokenExpired
	default:
		return TokenActive
	}
}
