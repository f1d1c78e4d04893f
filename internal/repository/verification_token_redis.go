package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"channelverify/internal/entity"
	"channelverify/internal/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisStateActive      = "active"
	redisStateConsumed    = "consumed"
	redisStateInvalidated = "invalidated"
)

var ErrTokenStoreUnavailable = errors.New("verification token store unavailable")

// createTokenLua supersedes live tokens in the scope and stores the new record.
// KEYS[1] = token key, KEYS[2] = scope zset, KEYS[3] = recipient pointer (email only)
// ARGV[1] id, ARGV[2] owner, ARGV[3] channel, ARGV[4] recipient, ARGV[5] hash,
// ARGV[6] created_at (unix micro), ARGV[7] ttl ms, ARGV[8] email policy,
// ARGV[9] pending since (unix micro), ARGV[10] max attempts, ARGV[11] key prefix
var createTokenLua = redis.NewScript(`
local now = ARGV[6]
local prefix = ARGV[11]

if #KEYS >= 3 then
  local holder = redis.call('GET', KEYS[3])
  if holder then
    local hkey = prefix .. ':vt:' .. holder
    local f = redis.call('HMGET', hkey, 'owner', 'state', 'created_at', 'failed')
    if f[2] == 'active' then
      if ARGV[8] == 'reject' and f[1] ~= ARGV[2]
        and tonumber(f[3]) > tonumber(ARGV[9])
        and tonumber(f[4]) < tonumber(ARGV[10]) then
        return {err='recipient_pending'}
      end
      redis.call('HSET', hkey, 'state', 'invalidated', 'invalidated_at', now)
    end
  end
end

local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, id in ipairs(ids) do
  local key = prefix .. ':vt:' .. id
  local state = redis.call('HGET', key, 'state')
  if not state then
    redis.call('ZREM', KEYS[2], id)
  elseif state == 'active' then
    redis.call('HSET', key, 'state', 'invalidated', 'invalidated_at', now)
  end
end

redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'owner', ARGV[2], 'channel', ARGV[3], 'recipient', ARGV[4],
  'hash', ARGV[5], 'created_at', now, 'failed', 0, 'state', 'active')
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('ZADD', KEYS[2], now, ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[7])
if #KEYS >= 3 then
  redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[7])
end
return 1
`)

// KEYS[1] = token key, ARGV[1] = max attempts
var reserveAttemptLua = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'failed')
if not f[1] or f[1] ~= 'active' then
  return {err='not_found'}
end
if tonumber(f[2]) >= tonumber(ARGV[1]) then
  return {err='exhausted'}
end
return redis.call('HINCRBY', KEYS[1], 'failed', 1)
`)

// KEYS[1] = token key, ARGV[1] = consumed_at (unix micro)
var consumeTokenLua = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'consumed', 'consumed_at', ARGV[1])
return 1
`)

// RedisVerificationTokenRepository stores each token as a hash, indexes a
// scope with a sorted set scored by creation time, and points each pending
// email address at its token. Records expire after the retention TTL.
//
// The create script touches token keys it derives from the scope set, so the
// store needs a single Redis node; it does not run against a cluster.
type RedisVerificationTokenRepository struct {
	redis     *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisVerificationTokenRepository(client *redis.Client, prefix string, retention time.Duration) *RedisVerificationTokenRepository {
	if prefix == "" {
		prefix = "cv"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisVerificationTokenRepository{
		redis:     client,
		prefix:    prefix,
		retention: retention,
	}
}

func (r *RedisVerificationTokenRepository) tokenKey(id uuid.UUID) string {
	return r.prefix + ":vt:" + id.String()
}

func (r *RedisVerificationTokenRepository) scopeKey(ownerID uuid.UUID, channel entity.ChannelKind) string {
	return r.prefix + ":vs:" + ownerID.String() + ":" + string(channel)
}

func (r *RedisVerificationTokenRepository) recipientKey(recipient string) string {
	return r.prefix + ":vr:" + utils.Fingerprint(recipient)
}

func (r *RedisVerificationTokenRepository) Create(ctx context.Context, t *entity.VerificationToken, opts CreateOptions) error {
	keys := []string{r.tokenKey(t.ID), r.scopeKey(t.OwnerID, t.Channel)}
	if t.Channel == entity.ChannelEmail {
		keys = append(keys, r.recipientKey(t.Recipient))
	}

	err := createTokenLua.Run(ctx, r.redis, keys,
		t.ID.String(),
		t.OwnerID.String(),
		string(t.Channel),
		t.Recipient,
		t.TokenHash,
		t.CreatedAt.UnixMicro(),
		r.retention.Milliseconds(),
		string(opts.EmailPolicy),
		opts.PendingSince.UnixMicro(),
		opts.MaxAttempts,
		r.prefix,
	).Err()
	if err != nil {
		if scriptError(err, "recipient_pending") {
			return ErrRecipientPending
		}
		return fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}
	return nil
}

func (r *RedisVerificationTokenRepository) FindCandidates(ctx context.Context, query CandidateQuery) ([]entity.VerificationToken, error) {
	ids, err := r.redis.ZRevRange(ctx, r.scopeKey(query.OwnerID, query.Channel), 0, candidateLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, r.prefix+":vt:"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}

	tokens := make([]entity.VerificationToken, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		token, err := decodeRedisToken(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
		}
		if !token.Live() {
			continue
		}
		if query.Recipient != "" && token.Recipient != query.Recipient {
			continue
		}
		tokens = append(tokens, *token)
	}
	return tokens, nil
}

func (r *RedisVerificationTokenRepository) ReserveAttempt(ctx context.Context, t *entity.VerificationToken, maxAttempts int) (int, error) {
	attempts, err := reserveAttemptLua.Run(ctx, r.redis, []string{r.tokenKey(t.ID)}, maxAttempts).Int()
	if err != nil {
		switch {
		case scriptError(err, "not_found"):
			return 0, ErrTokenNotFound
		case scriptError(err, "exhausted"):
			return t.FailedAttempts, ErrAttemptsExhausted
		}
		return 0, fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}
	t.FailedAttempts = attempts
	return attempts, nil
}

func (r *RedisVerificationTokenRepository) MarkConsumed(
	ctx context.Context,
	t *entity.VerificationToken,
	at time.Time,
) (bool, error) {
	ok, err := consumeTokenLua.Run(ctx, r.redis, []string{r.tokenKey(t.ID)}, at.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}
	if ok != 1 {
		return false, nil
	}
	t.ConsumedAt = &at
	return true, nil
}

func (r *RedisVerificationTokenRepository) DeleteByOwner(ctx context.Context, ownerID uuid.UUID) error {
	for _, channel := range []entity.ChannelKind{entity.ChannelPhone, entity.ChannelEmail} {
		scope := r.scopeKey(ownerID, channel)
		ids, err := r.redis.ZRange(ctx, scope, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
		}
		keys := make([]string, 0, len(ids)+1)
		for _, id := range ids {
			keys = append(keys, r.prefix+":vt:"+id)
		}
		keys = append(keys, scope)
		if err := r.redis.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
		}
	}
	return nil
}

// PurgeStale is a no-op: records expire through their retention TTL.
func (r *RedisVerificationTokenRepository) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func decodeRedisToken(fields map[string]string) (*entity.VerificationToken, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("decode token id: %w", err)
	}
	owner, err := uuid.Parse(fields["owner"])
	if err != nil {
		return nil, fmt.Errorf("decode token owner: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token created_at: %w", err)
	}
	failed, err := strconv.Atoi(fields["failed"])
	if err != nil {
		return nil, fmt.Errorf("decode token failed attempts: %w", err)
	}

	token := &entity.VerificationToken{
		ID:             id,
		OwnerID:        owner,
		Channel:        entity.ChannelKind(fields["channel"]),
		Recipient:      fields["recipient"],
		TokenHash:      fields["hash"],
		FailedAttempts: failed,
		CreatedAt:      time.UnixMicro(createdAt),
	}
	switch fields["state"] {
	case redisStateActive:
	case redisStateConsumed:
		at := microField(fields, "consumed_at", token.CreatedAt)
		token.ConsumedAt = &at
	case redisStateInvalidated:
		at := microField(fields, "invalidated_at", token.CreatedAt)
		token.InvalidatedAt = &at
	default:
		return nil, fmt.Errorf("decode token state %q", fields["state"])
	}
	return token, nil
}

func microField(fields map[string]string, name string, fallback time.Time) time.Time {
	value, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMicro(value)
}

func scriptError(err error, code string) bool {
	return err != nil && strings.Contains(err.Error(), code)
}
