package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps any transport or server error.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrFamilyNotFound is returned when the family key does not exist.
	ErrFamilyNotFound = errors.New("refresh family not found")
	// ErrFamilyRevoked is returned for any rotation against a revoked family.
	ErrFamilyRevoked = errors.New("refresh family revoked")
	// ErrFamilyExpired is returned when the active token is past its expiry.
	ErrFamilyExpired = errors.New("refresh family expired")
	// ErrReuseDetected is returned when a superseded token is presented.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrHashMismatch is returned for a hash the family never issued.
	ErrHashMismatch = errors.New("refresh hash mismatch")
	// ErrInvalidRecord is returned by Create for incomplete records.
	ErrInvalidRecord = errors.New("invalid refresh record")
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusExpired  int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusReuse    int64 = 4
	rotateStatusMismatch int64 = 5
)

const rotateScript = `
local cur = redis.call("HMGET", KEYS[1], "hash", "revoked", "expires_at", "ttl_ms", "gen")
if not cur[1] then
  return {0}
end
local now = tonumber(ARGV[3])
local retention = tonumber(ARGV[4])
local revoked = cur[2] == "1"

if (not revoked) and cur[1] == ARGV[1] then
  if tonumber(cur[3]) <= now then
    return {2}
  end
  local exp = now + tonumber(cur[4])
  local until_ms = string.format("%d", exp + retention)
  redis.call("SADD", KEYS[2], ARGV[1])
  redis.call("HSET", KEYS[1],
    "hash", ARGV[2],
    "rotated_from", ARGV[1],
    "issued_at", ARGV[3],
    "expires_at", string.format("%d", exp),
    "gen", string.format("%d", tonumber(cur[5]) + 1))
  redis.call("PEXPIREAT", KEYS[1], until_ms)
  redis.call("PEXPIREAT", KEYS[2], until_ms)
  return {3, redis.call("HGETALL", KEYS[1])}
end

if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
  local fresh = 0
  if not revoked then
    redis.call("HSET", KEYS[1], "revoked", "1", "revoked_reason", "reuse")
    fresh = 1
  end
  return {4, redis.call("HGETALL", KEYS[1]), fresh}
end

if revoked then
  return {1}
end
return {5}
`

var rotateLua = redis.NewScript(rotateScript)

const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 1
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_reason", ARGV[1])
return 2
`

var revokeLua = redis.NewScript(revokeScript)

// Record is one refresh token family as stored.
type Record struct {
	FamilyID    string
	TokenHash   string
	SessionID   string
	UserID      string
	TenantID    string
	Roles       []string
	RememberMe  bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
	TTL         time.Duration
	RotatedFrom string
	Revoked     bool
	Generation  int64
}

// Store keeps refresh families under prefix.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore returns a family store. retention bounds how long superseded hashes
// outlive the active token for reuse detection.
func NewStore(r redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "gk"
	}
	if retention < 0 {
		retention = 0
	}
	return &Store{redis: r, prefix: prefix, retention: retention}
}

// Both family keys carry the family id as a hash tag so the rotate script
// stays on one cluster slot.
func (s *Store) familyKey(familyID string) string {
	return s.prefix + ":rf:{" + familyID + "}"
}

func (s *Store) supersededKey(familyID string) string {
	return s.prefix + ":rfs:{" + familyID + "}"
}

// Create installs a new family. The record TTL decides every later expiry.
func (s *Store) Create(ctx context.Context, rec Record) error {
	if rec.FamilyID == "" || rec.TokenHash == "" || rec.SessionID == "" || rec.UserID == "" || rec.TTL <= 0 {
		return ErrInvalidRecord
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = time.Now()
	}
	rec.ExpiresAt = rec.IssuedAt.Add(rec.TTL)
	fk := s.familyKey(rec.FamilyID)
	sk := s.supersededKey(rec.FamilyID)
	expireAt := rec.ExpiresAt.Add(s.retention)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fk, sk)
		pipe.HSet(ctx, fk,
			"fid", rec.FamilyID,
			"hash", rec.TokenHash,
			"sid", rec.SessionID,
			"uid", rec.UserID,
			"tid", rec.TenantID,
			"roles", strings.Join(rec.Roles, ","),
			"remember", boolField(rec.RememberMe),
			"issued_at", rec.IssuedAt.UnixMilli(),
			"expires_at", rec.ExpiresAt.UnixMilli(),
			"ttl_ms", rec.TTL.Milliseconds(),
			"rotated_from", "",
			"revoked", "0",
			"gen", 0,
		)
		pipe.PExpireAt(ctx, fk, expireAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Rotate swaps presentedHash for nextHash in one atomic script. A superseded
// presentedHash revokes the family and returns ErrReuseDetected together with
// the family record; fresh reports whether this call did the revoking.
func (s *Store) Rotate(ctx context.Context, familyID, presentedHash, nextHash string, now time.Time) (rec *Record, fresh bool, err error) {
	raw, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID), s.supersededKey(familyID)},
		presentedHash,
		nextHash,
		now.UnixMilli(),
		s.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, false, ErrInvalidRecord
	}

	status, _ := raw[0].(int64)
	switch status {
	case rotateStatusRotated:
		rec, err := recordFromReply(raw, 1)
		return rec, false, err
	case rotateStatusReuse:
		rec, err := recordFromReply(raw, 1)
		if err != nil {
			return nil, false, err
		}
		if len(raw) > 2 {
			n, _ := raw[2].(int64)
			fresh = n == 1
		}
		return rec, fresh, ErrReuseDetected
	case rotateStatusNotFound:
		return nil, false, ErrFamilyNotFound
	case rotateStatusRevoked:
		return nil, false, ErrFamilyRevoked
	case rotateStatusExpired:
		return nil, false, ErrFamilyExpired
	case rotateStatusMismatch:
		return nil, false, ErrHashMismatch
	default:
		return nil, false, ErrInvalidRecord
	}
}

// Revoke marks the family revoked. Missing families are not an error.
// It reports whether this call changed the family state.
func (s *Store) Revoke(ctx context.Context, familyID, reason string) (bool, error) {
	if reason == "" {
		reason = "revoked"
	}
	n, err := revokeLua.Run(ctx, s.redis, []string{s.familyKey(familyID)}, reason).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 2, nil
}

// Get loads a family without modifying it.
func (s *Store) Get(ctx context.Context, familyID string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrFamilyNotFound
	}
	return recordFromMap(fields)
}

func recordFromReply(raw []interface{}, idx int) (*Record, error) {
	if len(raw) <= idx {
		return nil, ErrInvalidRecord
	}
	flat, ok := raw[idx].([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, ErrInvalidRecord
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return recordFromMap(fields)
}

func recordFromMap(fields map[string]string) (*Record, error) {
	issued, err1 := strconv.ParseInt(fields["issued_at"], 10, 64)
	expires, err2 := strconv.ParseInt(fields["expires_at"], 10, 64)
	ttl, err3 := strconv.ParseInt(fields["ttl_ms"], 10, 64)
	gen, err4 := strconv.ParseInt(fields["gen"], 10, 64)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	rec := &Record{
		FamilyID:    fields["fid"],
		TokenHash:   fields["hash"],
		SessionID:   fields["sid"],
		UserID:      fields["uid"],
		TenantID:    fields["tid"],
		RememberMe:  fields["remember"] == "1",
		IssuedAt:    time.UnixMilli(issued),
		ExpiresAt:   time.UnixMilli(expires),
		TTL:         time.Duration(ttl) * time.Millisecond,
		RotatedFrom: fields["rotated_from"],
		Revoked:     fields["revoked"] == "1",
		Generation:  gen,
	}
	if roles := fields["roles"]; roles != "" {
		rec.Roles = strings.Split(roles, ",")
	}
	if rec.FamilyID == "" || rec.UserID == "" {
		return nil, ErrInvalidRecord
	}
	return rec, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
