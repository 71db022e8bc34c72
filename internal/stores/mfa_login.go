package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMFALoginChallengeNotFound = errors.New("mfa challenge not found")
	ErrMFALoginChallengeExpired  = errors.New("mfa challenge expired")
	ErrMFALoginChallengeExceeded = errors.New("mfa challenge attempts exceeded")
	ErrMFALoginChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// MFALoginChallenge is the pending half of a login whose password step
// succeeded. It carries what is needed to open the session once the second
// factor verifies.
type MFALoginChallenge struct {
	UserID     string
	TenantID   string
	Roles      string
	Identifier string
	RememberMe bool

	Fingerprint string
	IP          string
	UserAgent   string
	Country     string

	ExpiresAt int64
	Attempts  uint16
}

// KEYS[1] challenge hash
// ARGV[1] max attempts, ARGV[2] now (unix seconds)
// -1 missing, -2 expired, 0 counted, 1 exhausted and deleted.
const recordFailureScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local exp = tonumber(redis.call("HGET", KEYS[1], "exp") or "0")
if tonumber(ARGV[2]) > exp then
  redis.call("DEL", KEYS[1])
  return -2
end
local n = redis.call("HINCRBY", KEYS[1], "attempts", 1)
if n >= tonumber(ARGV[1]) then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// MFALoginChallengeStore keeps pending MFA logins as Redis hashes keyed by
// challenge ID.
type MFALoginChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewMFALoginChallengeStore(redisClient redis.UniversalClient, prefix string) *MFALoginChallengeStore {
	if prefix == "" {
		prefix = "gk"
	}
	return &MFALoginChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *MFALoginChallengeStore) key(challengeID string) string {
	return s.prefix + ":mfac:" + challengeID
}

func (s *MFALoginChallengeStore) Save(ctx context.Context, challengeID string, rec *MFALoginChallenge, ttl time.Duration) error {
	key := s.key(challengeID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"uid", rec.UserID,
			"tid", rec.TenantID,
			"roles", rec.Roles,
			"ident", rec.Identifier,
			"remember", boolField(rec.RememberMe),
			"fp", rec.Fingerprint,
			"ip", rec.IP,
			"ua", rec.UserAgent,
			"country", rec.Country,
			"exp", rec.ExpiresAt,
			"attempts", rec.Attempts,
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	return nil
}

// Get returns the live challenge. An expired challenge is deleted on sight.
func (s *MFALoginChallengeStore) Get(ctx context.Context, challengeID string) (*MFALoginChallenge, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(challengeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	if len(fields) == 0 {
		return nil, ErrMFALoginChallengeNotFound
	}

	rec := &MFALoginChallenge{
		UserID:      fields["uid"],
		TenantID:    fields["tid"],
		Roles:       fields["roles"],
		Identifier:  fields["ident"],
		RememberMe:  fields["remember"] == "1",
		Fingerprint: fields["fp"],
		IP:          fields["ip"],
		UserAgent:   fields["ua"],
		Country:     fields["country"],
	}
	if rec.ExpiresAt, err = strconv.ParseInt(fields["exp"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: bad expiry: %v", ErrMFALoginChallengeBackend, err)
	}
	attempts, err := strconv.ParseUint(fields["attempts"], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: bad attempts: %v", ErrMFALoginChallengeBackend, err)
	}
	rec.Attempts = uint16(attempts)

	if time.Now().Unix() > rec.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, ErrMFALoginChallengeExpired
	}
	return rec, nil
}

// Delete reports whether this call removed the challenge. Exactly one of
// several concurrent callers observes true, which is what makes completion
// single use.
func (s *MFALoginChallengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure counts one failed second factor and deletes the challenge
// once maxAttempts is reached, reporting exceeded=true in that case.
func (s *MFALoginChallengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	status, err := recordFailureLua.Run(ctx, s.redis, []string{s.key(challengeID)}, maxAttempts, time.Now().Unix()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	switch status {
	case -1:
		return false, ErrMFALoginChallengeNotFound
	case -2:
		return false, ErrMFALoginChallengeExpired
	default:
		return status == 1, nil
	}
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
