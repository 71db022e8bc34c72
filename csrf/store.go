package csrf

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRedisUnavailable = errors.New("redis unavailable")
	ErrTokenMissing     = errors.New("csrf token not issued")
	ErrTokenExpired     = errors.New("csrf token expired")
	ErrTokenConsumed    = errors.New("csrf token already consumed")
	ErrTokenMismatch    = errors.New("csrf token mismatch")
)

const (
	verifyStatusMissing  int64 = 0
	verifyStatusConsumed int64 = 1
	verifyStatusExpired  int64 = 2
	verifyStatusPrevious int64 = 3
	verifyStatusMismatch int64 = 4
	verifyStatusRotated  int64 = 5
)

// KEYS[1] record; ARGV presented hash, next hash, now ms, next expiry ms.
const verifyRotateScript = `
local cur = redis.call("HMGET", KEYS[1], "hash", "expires_at", "consumed", "prev")
if not cur[1] then
  return 0
end
if cur[3] == "1" then
  return 1
end
if cur[1] ~= ARGV[1] then
  if cur[4] == ARGV[1] then
    return 3
  end
  return 4
end
if tonumber(cur[2]) <= tonumber(ARGV[3]) then
  return 2
end
redis.call("HSET", KEYS[1],
  "hash", ARGV[2],
  "prev", ARGV[1],
  "issued_at", ARGV[3],
  "expires_at", ARGV[4])
redis.call("PEXPIREAT", KEYS[1], ARGV[4])
return 5
`

var verifyRotateLua = redis.NewScript(verifyRotateScript)

// Record is the stored state of a session's CSRF token.
type Record struct {
	SessionID    string
	ValueHash    string
	PreviousHash string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Consumed     bool
}

type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewStore(r redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "gk"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{redis: r, prefix: prefix, ttl: ttl}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":csrf:" + sessionID
}

// TTL returns the lifetime applied to each issued value.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue replaces whatever value the session had with valueHash.
func (s *Store) Issue(ctx context.Context, sessionID, valueHash string, now time.Time) (Record, error) {
	rec := Record{
		SessionID: sessionID,
		ValueHash: valueHash,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	key := s.key(sessionID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"hash", valueHash,
			"prev", "",
			"consumed", "0",
			"issued_at", now.UnixMilli(),
			"expires_at", rec.ExpiresAt.UnixMilli(),
		)
		pipe.PExpireAt(ctx, key, rec.ExpiresAt)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return rec, nil
}

// VerifyAndRotate accepts presentedHash exactly once and installs nextHash in
// its place.
func (s *Store) VerifyAndRotate(ctx context.Context, sessionID, presentedHash, nextHash string, now time.Time) (Record, error) {
	expiresAt := now.Add(s.ttl)
	status, err := verifyRotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		presentedHash,
		nextHash,
		now.UnixMilli(),
		expiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case verifyStatusRotated:
		return Record{
			SessionID:    sessionID,
			ValueHash:    nextHash,
			PreviousHash: presentedHash,
			IssuedAt:     now,
			ExpiresAt:    expiresAt,
		}, nil
	case verifyStatusMissing:
		return Record{}, ErrTokenMissing
	case verifyStatusExpired:
		return Record{}, ErrTokenExpired
	case verifyStatusConsumed, verifyStatusPrevious:
		return Record{}, ErrTokenConsumed
	default:
		return Record{}, ErrTokenMismatch
	}
}

// Get reads the current record.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrTokenMissing
	}
	issued, _ := strconv.ParseInt(fields["issued_at"], 10, 64)
	expires, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	return Record{
		SessionID:    sessionID,
		ValueHash:    fields["hash"],
		PreviousHash: fields["prev"],
		IssuedAt:     time.UnixMilli(issued),
		ExpiresAt:    time.UnixMilli(expires),
		Consumed:     fields["consumed"] == "1",
	}, nil
}

// Consume marks the active value used without issuing a replacement. Used
// when the owning session ends.
func (s *Store) Consume(ctx context.Context, sessionID string) error {
	key := s.key(sessionID)
	n, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n == 0 {
		return nil
	}
	if err := s.redis.HSet(ctx, key, "consumed", "1").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
