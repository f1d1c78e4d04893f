package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"channelverify/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// candidateLimit bounds a scoped scan. Create supersedes older tokens, so a
// scope normally holds a single live token.
const candidateLimit = 16

var (
	ErrRecipientPending  = errors.New("recipient has a pending verification")
	ErrTokenNotFound     = errors.New("verification token not found")
	// ErrAttemptsExhausted is returned by ReserveAttempt once a live token
	// has used every allowed attempt.
	ErrAttemptsExhausted = errors.New("verification attempts exhausted")
)

type EmailPolicy string

const (
	EmailPolicySupersede EmailPolicy = "supersede"
	EmailPolicyReject    EmailPolicy = "reject"
)

func (p EmailPolicy) Valid() bool {
	return p == EmailPolicySupersede || p == EmailPolicyReject
}

type CreateOptions struct {
	EmailPolicy EmailPolicy
	// PendingSince and MaxAttempts decide whether another owner's email token
	// still counts as pending under EmailPolicyReject.
	PendingSince time.Time
	MaxAttempts  int
}

type CandidateQuery struct {
	OwnerID   uuid.UUID
	Channel   entity.ChannelKind
	Recipient string
}

type VerificationTokenRepository interface {
	// Create persists token and, in the same atomic step, invalidates every
	// live token sharing its owner and channel. Email tokens also claim their
	// recipient address according to opts.EmailPolicy.
	Create(ctx context.Context, token *entity.VerificationToken, opts CreateOptions) error
	// FindCandidates returns live tokens in the query scope, most recent first.
	FindCandidates(ctx context.Context, query CandidateQuery) ([]entity.VerificationToken, error)
	// ReserveAttempt counts one attempt against a live token before its hash
	// is compared, and only while fewer than maxAttempts have been counted.
	// It returns ErrTokenNotFound for a missing or no longer live token and
	// ErrAttemptsExhausted at the ceiling.
	ReserveAttempt(ctx context.Context, token *entity.VerificationToken, maxAttempts int) (int, error)
	// MarkConsumed succeeds at most once per token and only while the token
	// is live. Callers reserve an attempt first.
	MarkConsumed(ctx context.Context, token *entity.VerificationToken, at time.Time) (bool, error)
	DeleteByOwner(ctx context.Context, ownerID uuid.UUID) error
	PurgeStale(ctx context.Context, before time.Time) (int64, error)
}

type verificationTokenRepository struct {
	db *gorm.DB
}

func NewVerificationTokenRepository(db *gorm.DB) VerificationTokenRepository {
	return &verificationTokenRepository{db: db}
}

func (r *verificationTokenRepository) Create(ctx context.Context, t *entity.VerificationToken, opts CreateOptions) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keys := []string{scopeLockKey(t.OwnerID, t.Channel)}
		if t.Channel == entity.ChannelEmail {
			keys = append(keys, recipientLockKey(t.Recipient))
		}
		sort.Strings(keys)
		for _, key := range keys {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
				return err
			}
		}

		if t.Channel == entity.ChannelEmail {
			if opts.EmailPolicy == EmailPolicyReject {
				var pending int64
				err := tx.Model(&entity.VerificationToken{}).
					Where(`
						channel = ? AND
						recipient = ? AND
						owner_id <> ? AND
						consumed_at IS NULL AND
						invalidated_at IS NULL AND
						created_at > ? AND
						failed_attempts < ?
					`, entity.ChannelEmail, t.Recipient, t.OwnerID, opts.PendingSince, opts.MaxAttempts).
					Count(&pending).Error
				if err != nil {
					return err
				}
				if pending > 0 {
					return ErrRecipientPending
				}
			}
			err := tx.Model(&entity.VerificationToken{}).
				Where("channel = ? AND recipient = ? AND consumed_at IS NULL AND invalidated_at IS NULL",
					entity.ChannelEmail, t.Recipient).
				Update("invalidated_at", t.CreatedAt).Error
			if err != nil {
				return err
			}
		}

		err := tx.Model(&entity.VerificationToken{}).
			Where("owner_id = ? AND channel = ? AND consumed_at IS NULL AND invalidated_at IS NULL",
				t.OwnerID, t.Channel).
			Update("invalidated_at", t.CreatedAt).Error
		if err != nil {
			return err
		}
		return tx.Create(t).Error
	})
}

func (r *verificationTokenRepository) FindCandidates(
	ctx context.Context,
	query CandidateQuery,
) ([]entity.VerificationToken, error) {

	var tokens []entity.VerificationToken
	q := r.db.WithContext(ctx).
		Where(`
			owner_id = ? AND
			channel = ? AND
			consumed_at IS NULL AND
			invalidated_at IS NULL
		`, query.OwnerID, query.Channel)
	if query.Recipient != "" {
		q = q.Where("recipient = ?", query.Recipient)
	}
	if err := q.Order("created_at DESC").Limit(candidateLimit).Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *verificationTokenRepository) ReserveAttempt(ctx context.Context, t *entity.VerificationToken, maxAttempts int) (int, error) {
	var attempts []int
	err := r.db.WithContext(ctx).
		Raw(`
			UPDATE verification_tokens
			SET failed_attempts = failed_attempts + 1
			WHERE id = ? AND
				consumed_at IS NULL AND
				invalidated_at IS NULL AND
				failed_attempts < ?
			RETURNING failed_attempts
		`, t.ID, maxAttempts).
		Scan(&attempts).Error
	if err != nil {
		return 0, err
	}
	if len(attempts) == 1 {
		t.FailedAttempts = attempts[0]
		return attempts[0], nil
	}

	var current entity.VerificationToken
	err = r.db.WithContext(ctx).
		Where("id = ? AND consumed_at IS NULL AND invalidated_at IS NULL", t.ID).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, err
	}
	t.FailedAttempts = current.FailedAttempts
	return current.FailedAttempts, ErrAttemptsExhausted
}

func (r *verificationTokenRepository) MarkConsumed(
	ctx context.Context,
	t *entity.VerificationToken,
	at time.Time,
) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.VerificationToken{}).
		Where("id = ? AND consumed_at IS NULL AND invalidated_at IS NULL", t.ID).
		Update("consumed_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	t.ConsumedAt = &at
	return true, nil
}

func (r *verificationTokenRepository) DeleteByOwner(ctx context.Context, ownerID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Delete(&entity.VerificationToken{}).
		Error
}

func (r *verificationTokenRepository) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&entity.VerificationToken{})
	return res.RowsAffected, res.Error
}

func scopeLockKey(ownerID uuid.UUID, channel entity.ChannelKind) string {
	return "verification:scope:" + ownerID.String() + ":" + string(channel)
}

func recipientLockKey(recipient string) string {
	return "verification:recipient:" + recipient
}
