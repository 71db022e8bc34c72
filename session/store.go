package session

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
	// ErrRedisUnavailable wraps transport and server failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrSessionNotFound is returned for missing or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimitExceeded is returned by Create under OverflowReject.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrSessionCorrupt is returned when a stored blob fails to decode.
	ErrSessionCorrupt = errors.New("session record corrupt")
)

const (
	createStatusRejected int64 = 0
	createStatusCreated  int64 = 1
)

// KEYS[1] session key, KEYS[2] user index.
// ARGV: blob, session id, activity score, idle ttl ms, cap, policy, session key prefix.
const createSessionScript = `
local prefix = ARGV[7]
local members = redis.call("ZRANGE", KEYS[2], 0, -1)
for _, m in ipairs(members) do
  if redis.call("EXISTS", prefix .. m) == 0 then
    redis.call("ZREM", KEYS[2], m)
  end
end

local max = tonumber(ARGV[5])
local n = redis.call("ZCARD", KEYS[2])
local evicted = {}
if max > 0 and n >= max then
  if ARGV[6] == "reject" then
    return {0}
  end
  local victims = redis.call("ZRANGE", KEYS[2], 0, n - max)
  for _, m in ipairs(victims) do
    local blob = redis.call("GET", prefix .. m)
    redis.call("DEL", prefix .. m)
    redis.call("ZREM", KEYS[2], m)
    if blob then
      table.insert(evicted, blob)
    end
  end
end

redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
return {1, evicted}
`

var createSessionLua = redis.NewScript(createSessionScript)

// Store is the session registry.
type Store struct {
	redis      redis.UniversalClient
	prefix     string
	idleTTL    time.Duration
	historyTTL time.Duration
	geoWindow  time.Duration
}

// Options tunes a Store. Zero values select defaults.
type Options struct {
	// Prefix is shared by every session, index and history key. The create
	// script walks a user's sessions by key name, so on a cluster client the
	// prefix must contain a hash tag such as "{gk}".
	Prefix     string
	IdleTTL    time.Duration
	HistoryTTL time.Duration
	GeoWindow  time.Duration
}

func NewStore(redisClient redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "gk"
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 7 * 24 * time.Hour
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 90 * 24 * time.Hour
	}
	if opts.GeoWindow <= 0 {
		opts.GeoWindow = 6 * time.Hour
	}
	return &Store{
		redis:      redisClient,
		prefix:     opts.Prefix,
		idleTTL:    opts.IdleTTL,
		historyTTL: opts.HistoryTTL,
		geoWindow:  opts.GeoWindow,
	}
}

func (s *Store) keyPrefix() string {
	return s.prefix + ":s:"
}

func (s *Store) key(sessionID string) string {
	return s.keyPrefix() + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":su:" + userID
}

func (s *Store) historyKey(userID string) string {
	return s.prefix + ":sh:" + userID
}

// IdleTTL is the inactivity window after which a session disappears.
func (s *Store) IdleTTL() time.Duration {
	return s.idleTTL
}

// Create stores rec and enforces maxPerUser for rec.UserID. Under
// OverflowEvictOldest the least recently active sessions are removed in the
// same script and returned.
func (s *Store) Create(ctx context.Context, rec *Record, maxPerUser int, policy OverflowPolicy) ([]*Record, error) {
	if rec == nil || rec.SessionID == "" || rec.UserID == "" {
		return nil, errors.New("session id and user id are required")
	}
	if rec.LastActivityAt == 0 {
		rec.LastActivityAt = rec.CreatedAt
	}
	blob, err := Encode(rec)
	if err != nil {
		return nil, err
	}

	raw, err := createSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(rec.SessionID), s.userKey(rec.UserID)},
		blob,
		rec.SessionID,
		rec.LastActivityAt,
		s.idleTTL.Milliseconds(),
		maxPerUser,
		string(policy),
		s.keyPrefix(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, ErrSessionCorrupt
	}
	if status, _ := raw[0].(int64); status == createStatusRejected {
		return nil, ErrSessionLimitExceeded
	}
	if len(raw) < 2 {
		return nil, nil
	}

	blobs, _ := raw[1].([]interface{})
	evicted := make([]*Record, 0, len(blobs))
	for _, item := range blobs {
		data, _ := item.(string)
		victim, err := Decode([]byte(data))
		if err != nil {
			continue
		}
		evicted = append(evicted, victim)
	}
	return evicted, nil
}

// Get loads one session.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	return rec, nil
}

// Touch records activity at now and slides the idle expiry.
func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) (*Record, error) {
	return s.update(ctx, sessionID, now, nil)
}

// BindFamily links the session to a refresh family and counts as activity.
func (s *Store) BindFamily(ctx context.Context, sessionID, familyID string, now time.Time) (*Record, error) {
	return s.update(ctx, sessionID, now, func(rec *Record) {
		rec.FamilyID = familyID
	})
}

func (s *Store) update(ctx context.Context, sessionID string, now time.Time, mutate func(*Record)) (*Record, error) {
	const maxRetries = 4
	key := s.key(sessionID)

	for i := 0; i < maxRetries; i++ {
		var touched *Record
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			rec, err := Decode(data)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
			}
			if ms := now.UnixMilli(); ms > rec.LastActivityAt {
				rec.LastActivityAt = ms
			}
			if mutate != nil {
				mutate(rec)
			}
			updated, err := Encode(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, s.idleTTL)
				pipe.ZAddXX(ctx, s.userKey(rec.UserID), redis.Z{
					Score:  float64(rec.LastActivityAt),
					Member: rec.SessionID,
				})
				pipe.PExpire(ctx, s.userKey(rec.UserID), s.idleTTL)
				return nil
			})
			if err != nil {
				return err
			}
			touched = rec
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrSessionNotFound
			}
			if errors.Is(err, ErrSessionCorrupt) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return touched, nil
	}

	return nil, fmt.Errorf("%w: session update contention", ErrRedisUnavailable)
}

// List returns the user's live sessions, most recently active first.
func (s *Store) List(ctx context.Context, userID string) ([]*Record, error) {
	ids, err := s.redis.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]*Record, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		rec, err := Decode([]byte(data))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		_ = s.redis.ZRem(ctx, s.userKey(userID), stale...).Err()
	}
	return out, nil
}

// Delete removes one session and returns what was stored. Deleting a missing
// session returns ErrSessionNotFound and changes nothing.
func (s *Store) Delete(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.GetDel(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	if err := s.redis.ZRem(ctx, s.userKey(rec.UserID), rec.SessionID).Err(); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return rec, nil
}

// DeleteAllExcept removes every session of userID other than keepSessionID.
func (s *Store) DeleteAllExcept(ctx context.Context, userID, keepSessionID string) ([]*Record, error) {
	ids, err := s.redis.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	removed := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if id == keepSessionID {
			continue
		}
		rec, err := s.Delete(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			_ = s.redis.ZRem(ctx, s.userKey(userID), id).Err()
			continue
		}
		if err != nil {
			return removed, err
		}
		removed = append(removed, rec)
	}
	return removed, nil
}

// Assess compares a new login against the user's device history and returns
// advisory flags. An empty history yields no flags.
func (s *Store) Assess(ctx context.Context, userID, fingerprintHash, network, country string, now time.Time) ([]string, error) {
	fields, err := s.redis.HGetAll(ctx, s.historyKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return assessHistory(fields, fingerprintHash, network, country, now, s.geoWindow), nil
}

// Remember adds this login to the user's device history.
func (s *Store) Remember(ctx context.Context, userID, fingerprintHash, network, country string, now time.Time) error {
	key := s.historyKey(userID)
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	values := make([]interface{}, 0, 8)
	if fingerprintHash != "" {
		values = append(values, "fp:"+fingerprintHash, ms)
	}
	if network != "" {
		values = append(values, "net:"+network, ms)
	}
	if country != "" {
		values = append(values, "country", country+"|"+ms)
	}
	if len(values) == 0 {
		return nil
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, s.historyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func assessHistory(fields map[string]string, fingerprintHash, network, country string, now time.Time, geoWindow time.Duration) []string {
	if len(fields) == 0 {
		return nil
	}

	var flags []string
	if fingerprintHash != "" {
		if _, ok := fields["fp:"+fingerprintHash]; !ok {
			flags = append(flags, FlagNewDevice)
		}
	}
	if network != "" {
		if _, ok := fields["net:"+network]; !ok {
			flags = append(flags, FlagNewNetwork)
		}
	}
	if country != "" {
		if last, ok := fields["country"]; ok {
			prev, at, found := strings.Cut(last, "|")
			ms, err := strconv.ParseInt(at, 10, 64)
			if found && err == nil && !strings.EqualFold(prev, country) &&
				now.Sub(time.UnixMilli(ms)) < geoWindow {
				flags = append(flags, FlagGeoJump)
			}
		}
	}
	return flags
}
