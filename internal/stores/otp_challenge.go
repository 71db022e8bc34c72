package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/gatekeeper/internal"
	"github.com/redis/go-redis/v9"
)

const otpRecordVersion1 = 1

var (
	ErrOTPNotFound         = errors.New("otp challenge not found")
	ErrOTPExpired          = errors.New("otp challenge expired")
	ErrOTPMismatch         = errors.New("otp code mismatch")
	ErrOTPAttemptsExceeded = errors.New("otp challenge attempts exceeded")
	ErrOTPBackend          = errors.New("otp backend unavailable")
	ErrOTPContention       = errors.New("otp challenge contention")
)

// CooldownError is returned by Issue when the previous send is too recent.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("otp resend cooldown active for %s", e.Remaining.Round(time.Second))
}

// OTPChallenge is the stored state of one (identifier, purpose) challenge.
// Times are unix milliseconds.
type OTPChallenge struct {
	ID          string
	Identifier  string
	Purpose     string
	CodeHash    string
	Salt        string
	CreatedAt   int64
	SentAt      int64
	ExpiresAt   int64
	Attempts    uint16
	MaxAttempts uint16
	Resends     uint16
	Verified    bool
	Invalidated bool
}

// AttemptsRemaining never goes below zero.
func (c *OTPChallenge) AttemptsRemaining() int {
	if c.Invalidated || c.Attempts >= c.MaxAttempts {
		return 0
	}
	return int(c.MaxAttempts - c.Attempts)
}

type OTPChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewOTPChallengeStore keeps records for grace past their expiry so late
// verifies can be told the code expired rather than that it never existed.
func NewOTPChallengeStore(redisClient redis.UniversalClient, prefix string, grace time.Duration) *OTPChallengeStore {
	if prefix == "" {
		prefix = "gk"
	}
	if grace < 0 {
		grace = 0
	}
	return &OTPChallengeStore{redis: redisClient, prefix: prefix, grace: grace}
}

func (s *OTPChallengeStore) key(identifier, purpose string) string {
	sum := sha256.Sum256([]byte(NormalizeIdentifier(identifier)))
	return s.prefix + ":otp:" + hex.EncodeToString(sum[:]) + ":" + purpose
}

// NormalizeIdentifier lower-cases and trims an email or phone identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (s *OTPChallengeStore) ttlFor(rec *OTPChallenge, now time.Time) time.Duration {
	return time.UnixMilli(rec.ExpiresAt).Add(s.grace).Sub(now)
}

// Issue stores rec as the live challenge for its (identifier, purpose),
// superseding any previous one unless the previous send is within cooldown.
// The superseded challenge, if any, is returned.
func (s *OTPChallengeStore) Issue(ctx context.Context, rec *OTPChallenge, cooldown time.Duration, now time.Time) (*OTPChallenge, error) {
	const maxRetries = 4
	key := s.key(rec.Identifier, rec.Purpose)

	for i := 0; i < maxRetries; i++ {
		var previous *OTPChallenge
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				prev, err := decodeOTPChallenge(data)
				if err == nil {
					previous = prev
					if since := now.Sub(time.UnixMilli(prev.SentAt)); since < cooldown {
						return &CooldownError{Remaining: cooldown - since}
					}
					rec.Resends = prev.Resends + 1
				}
			}

			encoded, err := encodeOTPChallenge(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, s.ttlFor(rec, now))
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var cooldownErr *CooldownError
		if errors.As(err, &cooldownErr) {
			return previous, err
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOTPBackend, err)
		}
		return previous, nil
	}

	return nil, ErrOTPContention
}

// Verify checks code against the live challenge for (identifier, purpose).
// A mismatch consumes one attempt; reaching the cap invalidates the
// challenge so every later call reports ErrOTPAttemptsExceeded. The updated
// record is returned alongside any verification error.
func (s *OTPChallengeStore) Verify(ctx context.Context, identifier, purpose, code string, now time.Time) (*OTPChallenge, error) {
	const maxRetries = 4
	key := s.key(identifier, purpose)

	for i := 0; i < maxRetries; i++ {
		var (
			result    *OTPChallenge
			verifyErr error
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			rec, err := decodeOTPChallenge(data)
			if err != nil {
				return err
			}
			result = rec

			switch {
			case rec.Purpose != purpose || rec.Verified:
				verifyErr = ErrOTPNotFound
				return nil
			case rec.Invalidated || rec.Attempts >= rec.MaxAttempts:
				verifyErr = ErrOTPAttemptsExceeded
				return nil
			case now.UnixMilli() >= rec.ExpiresAt:
				verifyErr = ErrOTPExpired
				return nil
			}

			presented := internal.HashOTP(rec.Salt, rec.Purpose, code)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(rec.CodeHash)) == 1 {
				rec.Verified = true
			} else {
				rec.Attempts++
				if rec.Attempts >= rec.MaxAttempts {
					rec.Invalidated = true
				}
				verifyErr = ErrOTPMismatch
			}

			ttl := s.ttlFor(rec, now)
			if ttl <= 0 {
				ttl = time.Second
			}
			encoded, err := encodeOTPChallenge(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrOTPNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrOTPBackend, err)
		}
		return result, verifyErr
	}

	return nil, ErrOTPContention
}

// Get returns the stored challenge, including expired ones still in grace.
func (s *OTPChallengeStore) Get(ctx context.Context, identifier, purpose string) (*OTPChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(identifier, purpose)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrOTPNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrOTPBackend, err)
	}
	rec, err := decodeOTPChallenge(data)
	if err != nil {
		return nil, err
	}
	if rec.Purpose != purpose {
		return nil, ErrOTPNotFound
	}
	return rec, nil
}

// Revert undoes an Issue whose code never reached the user. If failed is
// still the stored challenge, prev is put back when it can still verify and
// the key is removed otherwise. A challenge issued since is left alone.
func (s *OTPChallengeStore) Revert(ctx context.Context, failed, prev *OTPChallenge, now time.Time) error {
	key := s.key(failed.Identifier, failed.Purpose)
	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		cur, err := decodeOTPChallenge(data)
		if err != nil || cur.ID != failed.ID {
			return err
		}

		var restore []byte
		if prev != nil && !prev.Verified && prev.AttemptsRemaining() > 0 && now.UnixMilli() < prev.ExpiresAt {
			if restore, err = encodeOTPChallenge(prev); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if restore != nil {
				pipe.Set(ctx, key, restore, s.ttlFor(prev, now))
			} else {
				pipe.Del(ctx, key)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return nil
	case errors.Is(err, redis.TxFailedErr):
		// another writer got there first; its state wins
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrOTPBackend, err)
	}
}

func encodeOTPChallenge(rec *OTPChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(otpRecordVersion1)

	for _, field := range []string{rec.ID, NormalizeIdentifier(rec.Identifier), rec.Purpose, rec.CodeHash, rec.Salt} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}
	for _, v := range []int64{rec.CreatedAt, rec.SentAt, rec.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	for _, v := range []uint16{rec.Attempts, rec.MaxAttempts, rec.Resends} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	writeBool(&buf, rec.Verified)
	writeBool(&buf, rec.Invalidated)

	return buf.Bytes(), nil
}

func decodeOTPChallenge(data []byte) (*OTPChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpRecordVersion1 {
		return nil, errors.New("invalid otp challenge version")
	}

	rec := &OTPChallenge{}
	for _, dst := range []*string{&rec.ID, &rec.Identifier, &rec.Purpose, &rec.CodeHash, &rec.Salt} {
		if *dst, err = readString(reader); err != nil {
			return nil, err
		}
	}
	for _, dst := range []*int64{&rec.CreatedAt, &rec.SentAt, &rec.ExpiresAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}
	for _, dst := range []*uint16{&rec.Attempts, &rec.MaxAttempts, &rec.Resends} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}
	if rec.Verified, err = readBool(reader); err != nil {
		return nil, err
	}
	if rec.Invalidated, err = readBool(reader); err != nil {
		return nil, err
	}
	return rec, nil
}
