package repository

import (
	"context"
	"sync"
	"time"

	"channelverify/internal/entity"

	"github.com/google/uuid"
)

type scopeKey struct {
	owner   uuid.UUID
	channel entity.ChannelKind
}

type memoryScope struct {
	mu     sync.Mutex
	tokens []*entity.VerificationToken // oldest first
	// deleted is set once the scope has left the map; writers holding a
	// stale pointer must look the scope up again.
	deleted bool
}

type recipientLock struct {
	mu   sync.Mutex
	refs int
}

type recipientHolder struct {
	scope scopeKey
	id    uuid.UUID
}

// MemoryVerificationTokenRepository keeps tokens in process. Each
// owner+channel scope has its own lock; email creation additionally holds a
// per-address lock so two owners cannot claim one address concurrently.
type MemoryVerificationTokenRepository struct {
	mu             sync.Mutex
	scopes         map[scopeKey]*memoryScope
	recipients     map[string]recipientHolder
	recipientLocks map[string]*recipientLock
}

func NewMemoryVerificationTokenRepository() *MemoryVerificationTokenRepository {
	return &MemoryVerificationTokenRepository{
		scopes:         make(map[scopeKey]*memoryScope),
		recipients:     make(map[string]recipientHolder),
		recipientLocks: make(map[string]*recipientLock),
	}
}

func (r *MemoryVerificationTokenRepository) scope(key scopeKey) *memoryScope {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scopes[key]
	if !ok {
		s = &memoryScope{}
		r.scopes[key] = s
	}
	return s
}

// lockedScope returns the current scope for key with its mutex held.
func (r *MemoryVerificationTokenRepository) lockedScope(key scopeKey) *memoryScope {
	for {
		s := r.scope(key)
		s.mu.Lock()
		if !s.deleted {
			return s
		}
		s.mu.Unlock()
	}
}

// lockRecipient serialises email creation per address. The lock entry is
// dropped again once nobody holds or waits for it.
func (r *MemoryVerificationTokenRepository) lockRecipient(recipient string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.recipientLocks[recipient]
	if !ok {
		l = &recipientLock{}
		r.recipientLocks[recipient] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.recipientLocks, recipient)
		}
		r.mu.Unlock()
	}
}

func (r *MemoryVerificationTokenRepository) Create(ctx context.Context, t *entity.VerificationToken, opts CreateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := scopeKey{owner: t.OwnerID, channel: t.Channel}

	if t.Channel == entity.ChannelEmail {
		unlock := r.lockRecipient(t.Recipient)
		defer unlock()

		r.mu.Lock()
		holder, held := r.recipients[t.Recipient]
		r.mu.Unlock()
		if held {
			if err := r.releaseRecipient(holder, t, opts); err != nil {
				return err
			}
		}
	}

	s := r.lockedScope(key)
	for _, existing := range s.tokens {
		if existing.Live() {
			at := t.CreatedAt
			existing.InvalidatedAt = &at
		}
	}
	stored := *t
	s.tokens = append(s.tokens, &stored)
	if t.Channel == entity.ChannelEmail {
		r.mu.Lock()
		r.recipients[t.Recipient] = recipientHolder{scope: key, id: t.ID}
		r.mu.Unlock()
	}
	s.mu.Unlock()
	return nil
}

// releaseRecipient invalidates the live token currently holding the address,
// or refuses when the reject policy protects another owner's pending token.
func (r *MemoryVerificationTokenRepository) releaseRecipient(holder recipientHolder, t *entity.VerificationToken, opts CreateOptions) error {
	s := r.scope(holder.scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens {
		if existing.ID != holder.id || !existing.Live() {
			continue
		}
		if opts.EmailPolicy == EmailPolicyReject &&
			existing.OwnerID != t.OwnerID &&
			existing.CreatedAt.After(opts.PendingSince) &&
			existing.FailedAttempts < opts.MaxAttempts {
			return ErrRecipientPending
		}
		at := t.CreatedAt
		existing.InvalidatedAt = &at
	}
	return nil
}

func (r *MemoryVerificationTokenRepository) FindCandidates(ctx context.Context, query CandidateQuery) ([]entity.VerificationToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.scope(scopeKey{owner: query.OwnerID, channel: query.Channel})
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []entity.VerificationToken
	for i := len(s.tokens) - 1; i >= 0 && len(tokens) < candidateLimit; i-- {
		existing := s.tokens[i]
		if !existing.Live() {
			continue
		}
		if query.Recipient != "" && existing.Recipient != query.Recipient {
			continue
		}
		tokens = append(tokens, *existing)
	}
	return tokens, nil
}

func (r *MemoryVerificationTokenRepository) ReserveAttempt(ctx context.Context, t *entity.VerificationToken, maxAttempts int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := r.scope(scopeKey{owner: t.OwnerID, channel: t.Channel})
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens {
		if existing.ID != t.ID {
			continue
		}
		if !existing.Live() {
			return 0, ErrTokenNotFound
		}
		t.FailedAttempts = existing.FailedAttempts
		if existing.FailedAttempts >= maxAttempts {
			return existing.FailedAttempts, ErrAttemptsExhausted
		}
		existing.FailedAttempts++
		t.FailedAttempts = existing.FailedAttempts
		return existing.FailedAttempts, nil
	}
	return 0, ErrTokenNotFound
}

func (r *MemoryVerificationTokenRepository) MarkConsumed(
	ctx context.Context,
	t *entity.VerificationToken,
	at time.Time,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := r.scope(scopeKey{owner: t.OwnerID, channel: t.Channel})
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens {
		if existing.ID != t.ID {
			continue
		}
		if !existing.Live() {
			return false, nil
		}
		consumedAt := at
		existing.ConsumedAt = &consumedAt
		t.ConsumedAt = &consumedAt
		return true, nil
	}
	return false, nil
}

func (r *MemoryVerificationTokenRepository) DeleteByOwner(ctx context.Context, ownerID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	var removed []*memoryScope
	for key, s := range r.scopes {
		if key.owner == ownerID {
			removed = append(removed, s)
			delete(r.scopes, key)
		}
	}
	r.mu.Unlock()

	deletedIDs := make(map[uuid.UUID]struct{})
	for _, s := range removed {
		s.mu.Lock()
		for _, existing := range s.tokens {
			deletedIDs[existing.ID] = struct{}{}
		}
		s.tokens = nil
		s.deleted = true
		s.mu.Unlock()
	}
	r.forgetRecipients(deletedIDs)
	return nil
}

// forgetRecipients drops address claims held by any of ids.
func (r *MemoryVerificationTokenRepository) forgetRecipients(ids map[uuid.UUID]struct{}) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for recipient, holder := range r.recipients {
		if _, ok := ids[holder.id]; ok {
			delete(r.recipients, recipient)
		}
	}
}

func (r *MemoryVerificationTokenRepository) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	scopes := make([]*memoryScope, 0, len(r.scopes))
	for _, s := range r.scopes {
		scopes = append(scopes, s)
	}
	r.mu.Unlock()

	var purged int64
	purgedIDs := make(map[uuid.UUID]struct{})
	for _, s := range scopes {
		s.mu.Lock()
		kept := s.tokens[:0]
		for _, existing := range s.tokens {
			if existing.CreatedAt.Before(before) {
				purged++
				purgedIDs[existing.ID] = struct{}{}
				continue
			}
			kept = append(kept, existing)
		}
		s.tokens = kept
		s.mu.Unlock()
	}
	r.forgetRecipients(purgedIDs)
	return purged, nil
}
