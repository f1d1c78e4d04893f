package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"channelverify/internal/delivery"
	"channelverify/internal/entity"
	"channelverify/internal/metrics"
	"channelverify/internal/repository"
	"channelverify/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const (
	defaultMaxAttempts     = 5
	defaultDeliveryTimeout = 10 * time.Second
	defaultRetention       = 24 * time.Hour

	dummyToken = "dummy-verification-token"
)

type VerificationService struct {
	tokens       repository.VerificationTokenRepository
	securityLogs repository.SecurityLogRepository
	backends     map[entity.ChannelKind]delivery.Backend

	generator TokenGenerator
	hasher    TokenHasher
	clock     Clock
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	config    VerificationConfig

	// dummyHash is compared against when no candidate reached the hash
	// check, so a miss costs the same as a mismatch.
	dummyHash string
}

// NewVerificationService resolves both channel backends up front; an unknown
// or mismatched backend is reported here rather than on the first Issue.
func NewVerificationService(
	tokens repository.VerificationTokenRepository,
	securityLogs repository.SecurityLogRepository,
	registry *delivery.Registry,
	generator TokenGenerator,
	hasher TokenHasher,
	clock Clock,
	logger logrus.FieldLogger,
	recorder *metrics.Metrics,
	config VerificationConfig,
) (*VerificationService, error) {
	if tokens == nil || registry == nil {
		return nil, fmt.Errorf("%w: token store and backend registry are required", ErrInvalidInput)
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts must be positive", ErrInvalidInput)
	}
	if config.EmailPolicy == "" {
		config.EmailPolicy = repository.EmailPolicySupersede
	}
	if !config.EmailPolicy.Valid() {
		return nil, fmt.Errorf("%w: unknown email policy %q", ErrInvalidInput, config.EmailPolicy)
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaultDeliveryTimeout
	}
	if config.Retention <= 0 {
		config.Retention = defaultRetention
	}
	if generator == nil {
		generator = SecureTokenGenerator{}
	}
	if hasher == nil {
		hasher = BcryptTokenHasher{}
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	sms, err := registry.Resolve(entity.ChannelPhone, config.SMSBackend, config.SMSBackendArgs)
	if err != nil {
		return nil, err
	}
	email, err := registry.Resolve(entity.ChannelEmail, config.EmailBackend, config.EmailBackendArgs)
	if err != nil {
		return nil, err
	}

	dummyHash, err := hasher.Hash(dummyToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	return &VerificationService{
		tokens:       tokens,
		securityLogs: securityLogs,
		backends: map[entity.ChannelKind]delivery.Backend{
			entity.ChannelPhone: sms,
			entity.ChannelEmail: email,
		},
		generator: generator,
		hasher:    hasher,
		clock:     clock,
		logger:    logger,
		metrics:   recorder,
		config:    config,
		dummyHash: dummyHash,
	}, nil
}

// Issue creates a token for recipient, supersedes the owner's earlier tokens
// on the same channel and delivers the plaintext. When delivery fails the
// token is still returned, together with a *DeliveryError.
func (s *VerificationService) Issue(
	ctx context.Context,
	ownerID uuid.UUID,
	channel entity.ChannelKind,
	recipient string,
) (*entity.VerificationToken, error) {
	if ownerID == uuid.Nil || !channel.Valid() {
		return nil, ErrInvalidInput
	}
	recipient = normalizeRecipient(channel, recipient)
	if recipient == "" {
		return nil, ErrInvalidInput
	}

	plaintext, err := s.generator.Generate(channel)
	if err != nil {
		if errors.Is(err, ErrGeneration) || errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", ErrGeneration, err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrGeneration, err)
	}
	message, err := s.composeMessage(channel, plaintext)
	if err != nil {
		return nil, err
	}

	now := s.now()
	token := &entity.VerificationToken{
		ID:        id,
		OwnerID:   ownerID,
		Channel:   channel,
		Recipient: recipient,
		TokenHash: hash,
		CreatedAt: now,
	}
	err = s.tokens.Create(ctx, token, repository.CreateOptions{
		EmailPolicy:  s.config.EmailPolicy,
		PendingSince: now.Add(-ExpiryWindow),
		MaxAttempts:  s.config.MaxAttempts,
	})
	if errors.Is(err, repository.ErrRecipientPending) {
		return nil, ErrRecipientPending
	}
	if err != nil {
		return nil, storageError(err)
	}

	log := s.tokenLogger(token)
	s.metrics.TokenIssued(string(channel))
	s.logSecurity(ctx, token, entity.VerificationIssued, map[string]any{
		"recipient": utils.Fingerprint(recipient),
	})
	log.Info("verification token issued")

	send := s.sender(channel, message, recipient)
	if err := send(ctx); err != nil {
		log.WithError(err).Warn("verification delivery failed")
		s.logSecurity(ctx, token, entity.DeliveryFailed, map[string]any{"error": err.Error()})
		return token, &DeliveryError{
			TokenID: token.ID,
			Channel: channel,
			Err:     err,
			retry:   s.retrier(token, send),
		}
	}
	return token, nil
}

// Verify checks presented against the owner's live tokens on channel,
// narrowed to recipient when it is non-empty. Every outcome is a value; only
// store failures and bad arguments are errors.
func (s *VerificationService) Verify(
	ctx context.Context,
	ownerID uuid.UUID,
	channel entity.ChannelKind,
	recipient string,
	presented string,
) (Outcome, error) {
	if ownerID == uuid.Nil || !channel.Valid() {
		return OutcomeInvalid, ErrInvalidInput
	}
	presented = strings.TrimSpace(presented)
	normalized := normalizeRecipient(channel, recipient)
	if strings.TrimSpace(recipient) != "" && normalized == "" {
		return OutcomeInvalid, ErrInvalidInput
	}

	candidates, err := s.tokens.FindCandidates(ctx, repository.CandidateQuery{
		OwnerID:   ownerID,
		Channel:   channel,
		Recipient: normalized,
	})
	if err != nil {
		return OutcomeInvalid, storageError(err)
	}

	now := s.now()
	outcome := OutcomeInvalid
	compared := false
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.FailedAttempts >= s.config.MaxAttempts {
			outcome = moreSpecific(outcome, OutcomeExhausted)
			continue
		}
		if !candidate.IsCurrent(now, ExpiryWindow) {
			outcome = moreSpecific(outcome, OutcomeExpired)
			continue
		}
		if presented == "" {
			continue
		}

		// Every hash comparison spends a reserved attempt.
		attempts, err := s.tokens.ReserveAttempt(ctx, candidate, s.config.MaxAttempts)
		switch {
		case errors.Is(err, repository.ErrAttemptsExhausted):
			outcome = moreSpecific(outcome, OutcomeExhausted)
			continue
		case errors.Is(err, repository.ErrTokenNotFound):
			continue
		case err != nil:
			return OutcomeInvalid, storageError(err)
		}

		compared = true
		if s.hasher.Verify(candidate.TokenHash, presented) {
			consumed, err := s.tokens.MarkConsumed(ctx, candidate, now)
			if err != nil {
				return OutcomeInvalid, storageError(err)
			}
			if consumed {
				s.recordOutcome(ctx, candidate, OutcomeSuccess)
				return OutcomeSuccess, nil
			}
			// Consumed or superseded by a concurrent request.
			continue
		}

		s.logSecurity(ctx, candidate, entity.VerificationFailed, map[string]any{"failed_attempts": attempts})
		if attempts == s.config.MaxAttempts {
			s.tokenLogger(candidate).Warn("verification token exhausted")
			s.logSecurity(ctx, candidate, entity.VerificationExhausted, nil)
		}
	}

	if !compared {
		_ = s.hasher.Verify(s.dummyHash, presented)
	}

	s.metrics.VerifyOutcome(string(channel), outcome.String())
	s.logger.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"channel":    channel,
		"outcome":    outcome.String(),
		"candidates": len(candidates),
	}).Info("verification rejected")
	return outcome, nil
}

// Status reports the owner's most recent live token on channel without
// touching its counters.
func (s *VerificationService) Status(ctx context.Context, ownerID uuid.UUID, channel entity.ChannelKind) (*TokenStatus, error) {
	if ownerID == uuid.Nil || !channel.Valid() {
		return nil, ErrInvalidInput
	}
	candidates, err := s.tokens.FindCandidates(ctx, repository.CandidateQuery{OwnerID: ownerID, Channel: channel})
	if err != nil {
		return nil, storageError(err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoPendingVerification
	}

	latest := candidates[0]
	left := s.config.MaxAttempts - latest.FailedAttempts
	if left < 0 {
		left = 0
	}
	return &TokenStatus{
		TokenID:      latest.ID,
		Channel:      latest.Channel,
		Recipient:    latest.Recipient,
		State:        latest.State(s.now(), ExpiryWindow, s.config.MaxAttempts),
		CreatedAt:    latest.CreatedAt,
		ExpiresAt:    latest.ExpiresAt(ExpiryWindow),
		AttemptsLeft: left,
	}, nil
}

// PurgeStale removes tokens older than the retention period. Retention never
// drops below the expiry window.
func (s *VerificationService) PurgeStale(ctx context.Context) (int64, error) {
	retention := s.config.Retention
	if retention < ExpiryWindow {
		retention = ExpiryWindow
	}
	removed, err := s.tokens.PurgeStale(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, storageError(err)
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("stale verification tokens purged")
	}
	return removed, nil
}

// DeleteOwner removes every token belonging to ownerID.
func (s *VerificationService) DeleteOwner(ctx context.Context, ownerID uuid.UUID) error {
	if ownerID == uuid.Nil {
		return ErrInvalidInput
	}
	if err := s.tokens.DeleteByOwner(ctx, ownerID); err != nil {
		return storageError(err)
	}
	return nil
}

func (s *VerificationService) sender(
	channel entity.ChannelKind,
	message delivery.Message,
	recipient string,
) func(ctx context.Context) error {
	backend := s.backends[channel]
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
		defer cancel()
		started := time.Now()
		err := backend.Send(ctx, message, recipient)
		s.metrics.Delivery(string(channel), time.Since(started), err)
		return err
	}
}

// retrier re-sends only while the token can still be verified.
func (s *VerificationService) retrier(token *entity.VerificationToken, send func(ctx context.Context) error) func(ctx context.Context) error {
	query := repository.CandidateQuery{OwnerID: token.OwnerID, Channel: token.Channel, Recipient: token.Recipient}
	id := token.ID
	return func(ctx context.Context) error {
		candidates, err := s.tokens.FindCandidates(ctx, query)
		if err != nil {
			return storageError(err)
		}
		for _, candidate := range candidates {
			if candidate.ID != id {
				continue
			}
			if candidate.FailedAttempts >= s.config.MaxAttempts || !candidate.IsCurrent(s.now(), ExpiryWindow) {
				break
			}
			if err := send(ctx); err != nil {
				s.logSecurity(ctx, &candidate, entity.DeliveryFailed, map[string]any{"error": err.Error(), "retry": true})
				return &DeliveryError{TokenID: id, Channel: candidate.Channel, Err: err}
			}
			s.tokenLogger(&candidate).Info("verification delivery retried")
			return nil
		}
		return ErrRetryUnavailable
	}
}

func (s *VerificationService) recordOutcome(ctx context.Context, token *entity.VerificationToken, outcome Outcome) {
	s.metrics.VerifyOutcome(string(token.Channel), outcome.String())
	s.tokenLogger(token).WithField("outcome", outcome.String()).Info("verification succeeded")
	s.logSecurity(ctx, token, entity.VerificationSucceeded, nil)
}

func (s *VerificationService) tokenLogger(token *entity.VerificationToken) logrus.FieldLogger {
	return s.logger.WithFields(logrus.Fields{
		"token_id": token.ID,
		"owner_id": token.OwnerID,
		"channel":  token.Channel,
	})
}

func (s *VerificationService) logSecurity(
	ctx context.Context,
	token *entity.VerificationToken,
	action entity.SecurityAction,
	metadata map[string]any,
) {
	if s.securityLogs == nil {
		return
	}
	var payload datatypes.JSON
	if metadata != nil {
		bytes, err := json.Marshal(metadata)
		if err != nil {
			s.logger.WithError(err).Warn("security log metadata")
			return
		}
		payload = datatypes.JSON(bytes)
	}

	ownerID := token.OwnerID
	tokenID := token.ID
	log := &entity.SecurityLog{
		OwnerID:   &ownerID,
		TokenID:   &tokenID,
		Channel:   token.Channel,
		Action:    action,
		Metadata:  payload,
		CreatedAt: s.now(),
	}
	if err := s.securityLogs.Log(ctx, log); err != nil {
		s.logger.WithError(err).WithField("action", action).Warn("security log write failed")
	}
}

func (s *VerificationService) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

func normalizeRecipient(channel entity.ChannelKind, recipient string) string {
	if channel == entity.ChannelEmail {
		return utils.NormalizeEmail(recipient)
	}
	return utils.NormalizePhone(recipient)
}
