package service

import (
	"time"

	"channelverify/internal/delivery"
	"channelverify/internal/entity"
	"channelverify/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ExpiryWindow is how long a token stays current after creation.
const ExpiryWindow = time.Hour

type VerificationConfig struct {
	MaxAttempts     int
	EmailPolicy     repository.EmailPolicy
	DeliveryTimeout time.Duration
	Retention       time.Duration

	SMSBackend       string
	SMSBackendArgs   delivery.Args
	EmailBackend     string
	EmailBackendArgs delivery.Args

	AppBaseURL      string
	EmailVerifyPath string
}

type TokenHasher interface {
	Hash(token string) (string, error)
	Verify(hash string, token string) bool
}

type TokenGenerator interface {
	Generate(channel entity.ChannelKind) (string, error)
}

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

type BcryptTokenHasher struct {
	Cost int
}

func (h BcryptTokenHasher) Hash(token string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func (h BcryptTokenHasher) Verify(hash string, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

type Outcome int

const (
	OutcomeInvalid Outcome = iota
	OutcomeExpired
	OutcomeExhausted
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeExpired:
		return "expired"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// moreSpecific keeps the failure that tells the caller the most:
// exhausted, then expired, then invalid.
func moreSpecific(current Outcome, candidate Outcome) Outcome {
	if candidate > current {
		return candidate
	}
	return current
}

type TokenStatus struct {
	TokenID      uuid.UUID
	Channel      entity.ChannelKind
	Recipient    string
	State        entity.TokenState
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AttemptsLeft int
}
