package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshHashMismatch is returned when the presented refresh secret is not
// the current one. The session has already been deleted when this is returned.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable wraps transport failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrRefreshSessionNotFound is returned when the refresh target session does not exist.
var ErrRefreshSessionNotFound = errors.New("refresh session not found")

// ErrRefreshSessionExpired is returned when the refresh target session is expired.
var ErrRefreshSessionExpired = errors.New("refresh session expired")

// ErrRefreshSessionCorrupt is returned when the stored hash is unreadable.
var ErrRefreshSessionCorrupt = errors.New("refresh session corrupt")

const (
	fieldUserID      = "uid"
	fieldEmail       = "email"
	fieldRole        = "role"
	fieldRefreshHash = "rh"
	fieldCreatedAt   = "iat"
	fieldExpiresAt   = "exp"
)

const (
	rotateStatusNotFound    int64 = 0
	rotateStatusExpired     int64 = 1
	rotateStatusMismatch    int64 = 2
	rotateStatusRotated     int64 = 3
	rotateStatusInvalidData int64 = 4
)

const rotateRefreshScript = `
local session_key = KEYS[1]
local user_prefix = ARGV[1]
local provided_hash = ARGV[2]
local next_hash = ARGV[3]
local now_unix = tonumber(ARGV[4])
local session_id = ARGV[5]
local next_role = ARGV[6]

local data = redis.call("HMGET", session_key, "uid", "rh", "exp")
if not data[1] then
  return {0}
end

local expires_at = tonumber(data[3])
if not expires_at or not data[2] then
  return {4}
end

local user_key = user_prefix .. data[1]

if expires_at <= now_unix then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

if data[2] ~= provided_hash then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {2}
end

redis.call("HSET", session_key, "rh", next_hash)
if next_role ~= "" then
  redis.call("HSET", session_key, "role", next_role)
end
return {3, redis.call("HGETALL", session_key)}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const deleteSessionScript = `
local uid = redis.call("HGET", KEYS[1], "uid")
if not uid then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", ARGV[1] .. uid, ARGV[2])
return 1
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store is a Redis-backed refresh session store with atomic refresh-token rotation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "pg"
	}
	return &Store{
		redis:  client,
		prefix: prefix,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) userPrefix() string {
	return s.prefix + ":u:"
}

func (s *Store) userKey(userID string) string {
	return s.userPrefix() + userID
}

// Save persists sess with the given TTL and indexes it under its user.
//
//	Performance: one MULTI/EXEC with HSET, EXPIRE, SADD, EXPIRE.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || sess.SessionID == "" || sess.UserID == "" {
		return errors.New("session id and user id are required")
	}
	if ttl <= 0 {
		return errors.New("session ttl must be positive")
	}

	sessionKey := s.key(sess.SessionID)
	userKey := s.userKey(sess.UserID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey, map[string]interface{}{
			fieldUserID:      sess.UserID,
			fieldEmail:       sess.Email,
			fieldRole:        sess.Role,
			fieldRefreshHash: hex.EncodeToString(sess.RefreshHash[:]),
			fieldCreatedAt:   sess.CreatedAt,
			fieldExpiresAt:   sess.ExpiresAt,
		})
		pipe.Expire(ctx, sessionKey, ttl)
		pipe.SAdd(ctx, userKey, sess.SessionID)
		// The index outlives any one session; it is refreshed on each save.
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get loads a session. A missing or expired session yields
// [ErrRefreshSessionNotFound].
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, errors.Join(redis.Nil, ErrRefreshSessionNotFound)
	}

	sess, err := decodeFields(sessionID, fields)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		if err := s.Delete(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, errors.Join(redis.Nil, ErrRefreshSessionNotFound)
	}
	return sess, nil
}

// Delete removes a session and its index entry. Deleting a missing session
// is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := deleteSessionLua.Run(ctx, s.redis, []string{s.key(sessionID)}, s.userPrefix(), sessionID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForUser removes every session of userID.
//
// Not fully atomic: a session saved between reading the index and deleting
// it survives.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	userKey := s.userKey(userID)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}
	keys = append(keys, userKey)

	var deleted *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	n := int(deleted.Val())
	// The index key itself is counted by DEL.
	if n > 0 {
		n--
	}
	return n, nil
}

// ActiveSessionIDs lists the indexed sessions of userID.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// RotateRefreshHash atomically swaps the refresh hash when providedHash
// matches, returning the updated session. A non-empty role replaces the
// stored role in the same step. A mismatch deletes the session and returns
// [ErrRefreshHashMismatch]; reuse of a rotated secret is therefore fatal to
// the whole session.
func (s *Store) RotateRefreshHash(ctx context.Context, sessionID string, providedHash, nextHash [32]byte, role string) (*Session, error) {
	res, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		s.userPrefix(),
		hex.EncodeToString(providedHash[:]),
		hex.EncodeToString(nextHash[:]),
		s.now().Unix(),
		sessionID,
		role,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: empty rotate response", ErrRedisUnavailable)
	}

	status, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate status", ErrRedisUnavailable)
	}

	switch status {
	case rotateStatusNotFound:
		return nil, errors.Join(redis.Nil, ErrRefreshSessionNotFound)
	case rotateStatusExpired:
		return nil, errors.Join(redis.Nil, ErrRefreshSessionExpired)
	case rotateStatusMismatch:
		return nil, ErrRefreshHashMismatch
	case rotateStatusInvalidData:
		return nil, ErrRefreshSessionCorrupt
	case rotateStatusRotated:
		if len(res) < 2 {
			return nil, fmt.Errorf("%w: missing rotated session", ErrRedisUnavailable)
		}
		fields, err := pairsToMap(res[1])
		if err != nil {
			return nil, err
		}
		return decodeFields(sessionID, fields)
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrRedisUnavailable, status)
	}
}

// Ping measures a round trip to Redis.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func pairsToMap(v interface{}) (map[string]string, error) {
	items, ok := v.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, ErrRefreshSessionCorrupt
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, kok := items[i].(string)
		val, vok := items[i+1].(string)
		if !kok || !vok {
			return nil, ErrRefreshSessionCorrupt
		}
		out[k] = val
	}
	return out, nil
}

func decodeFields(sessionID string, fields map[string]string) (*Session, error) {
	sess := &Session{
		SessionID: sessionID,
		UserID:    fields[fieldUserID],
		Email:     fields[fieldEmail],
		Role:      fields[fieldRole],
	}
	if sess.UserID == "" {
		return nil, ErrRefreshSessionCorrupt
	}

	raw, err := hex.DecodeString(fields[fieldRefreshHash])
	if err != nil || len(raw) != len(sess.RefreshHash) {
		return nil, ErrRefreshSessionCorrupt
	}
	copy(sess.RefreshHash[:], raw)

	if sess.CreatedAt, err = strconv.ParseInt(fields[fieldCreatedAt], 10, 64); err != nil {
		return nil, ErrRefreshSessionCorrupt
	}
	if sess.ExpiresAt, err = strconv.ParseInt(fields[fieldExpiresAt], 10, 64); err != nil {
		return nil, ErrRefreshSessionCorrupt
	}
	return sess, nil
}
